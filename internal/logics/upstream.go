package logics

import (
	"go.uber.org/zap"

	"github.com/buildstash/stash/pkg/chunk"
	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/value"
)

// OnReceivedFromCache handles one chunk streamed down from the upstream
// for an open download task: it validates ordering and totals, requests
// the next chunk, fans the received chunk out to every waiting client,
// and commits the reassembled value on completion. An empty chunk cancels
// the task for every client.
func (l *Logics) OnReceivedFromCache(k key.Key, dataSize uint64, numChunks, chunkIdx uint32, data []byte) {
	l.hasIncomingRequestsRecently = true

	task, ok := l.getTasks[k]
	if !ok {
		l.log.Error("chunk response for data that was not requested",
			zap.String("key", k.Brief()),
			zap.Uint32("chunk", chunkIdx))
		return
	}

	cancel := func(reason string) {
		l.log.Error("wrong chunk response",
			zap.String("reason", reason),
			zap.String("key", k.Brief()),
			zap.Uint32("chunk", chunkIdx))
		l.cancelGetTask(k, task)
	}

	if chunkIdx == 0 {
		if task.dataStatus != statusWaitingNextChunk {
			cancel("data status is not waiting-next-chunk")
			return
		}

		if dataSize == 0 || numChunks == 0 {
			l.cancelGetTask(k, task)
			return
		}

		if dataSize > l.db.StorageSize() {
			l.log.Warn("remote data is bigger than max storage size",
				zap.Uint64("dataSize", dataSize),
				zap.Uint64("maxStorageSize", l.db.StorageSize()))
			l.cancelGetTask(k, task)
			return
		}

		task.bytesOverall = dataSize
		task.chunksOverall = numChunks
	}

	if task.dataStatus != statusWaitingNextChunk {
		cancel("data status is not waiting-next-chunk")
		return
	}

	l.log.Debug("receiving chunk from remote",
		zap.Uint32("chunk", chunkIdx),
		zap.Int("bytes", len(data)),
		zap.Uint64("received", task.bytesReady),
		zap.Uint64("remaining", task.bytesOverall-task.bytesReady))

	if len(data) == 0 {
		l.log.Debug("empty chunk received, canceling get task for all clients")
		l.cancelGetTask(k, task)
		return
	}

	if chunkIdx != task.chunksReady {
		cancel("chunk out of order")
		return
	}

	task.serialized = append(task.serialized, data...)
	task.bytesReady += uint64(len(data))
	task.chunksReady++

	if task.chunksReady == task.chunksOverall {
		if task.bytesReady != task.bytesOverall {
			cancel("final byte count does not match the announced total")
			return
		}

		task.dataStatus = statusReady

		v := value.New()
		if err := v.Deserialize(task.serialized); err != nil || v.IsEmpty() {
			l.log.Debug("received data is empty or invalid")
			l.cancelGetTask(k, task)
			return
		}

		l.db.Insert(k, v)
	} else {
		l.requestNextChunk(k, task)
	}

	l.sendChunkToClients(k, task, chunkIdx, data)
}

func (l *Logics) requestNextChunk(k key.Key, task *getTask) {
	l.log.Debug("sending request for next chunk", zap.Uint32("chunk", task.chunksReady))
	l.upstream.RequestGetNextChunk(k, task.chunksReady)
	task.dataStatus = statusWaitingNextChunk
}

// OnAddedToCache advances the in-flight replication task: an ack sends
// the next chunk or finishes the task; a nack drops it. Either way the
// next queued task may start.
func (l *Logics) OnAddedToCache(k key.Key, received bool) {
	task, ok := l.remoteAddTasks[k]
	if !ok {
		l.log.Error("answer for unknown remote add task", zap.String("key", k.Brief()))
		return
	}

	if !received {
		l.log.Debug("chunk was not added to remote cache, removing task", zap.String("key", k.Brief()))
		l.dropRemoteAdd(k)
		l.processFirstRemoteAddTask()
		return
	}

	if task.chunksSent == task.chunksOverall {
		l.log.Debug("all chunks are sent, removing remote add task",
			zap.Int("remaining", len(l.remoteAddTasks)-1))
		l.dropRemoteAdd(k)
		l.processFirstRemoteAddTask()
		return
	}

	if !l.sendChunkToRemote(k, task) {
		l.dropRemoteAdd(k)
		l.processFirstRemoteAddTask()
	}
}

func (l *Logics) dropRemoteAdd(k key.Key) {
	delete(l.remoteAddTasks, k)
	for i, queued := range l.remoteAddOrder {
		if queued == k {
			l.remoteAddOrder = append(l.remoteAddOrder[:i], l.remoteAddOrder[i+1:]...)
			break
		}
	}
}

func (l *Logics) sendFirstChunkToRemote(k key.Key, task *remoteAddTask) bool {
	entry := l.db.Get(k)
	if entry == nil {
		l.log.Warn("data for replication is not found in the store", zap.String("key", k.Brief()))
		return false
	}

	serialized, err := entry.Value().Serialize()
	if err != nil {
		l.log.Error("cannot serialize value for replication", zap.String("key", k.Brief()), zap.Error(err))
		return false
	}

	task.serialized = serialized
	task.bytesOverall = uint64(len(serialized))
	task.chunksOverall = chunk.NumberOfChunks(task.bytesOverall)
	task.chunksSent = 0
	return l.sendChunkToRemote(k, task)
}

func (l *Logics) sendChunkToRemote(k key.Key, task *remoteAddTask) bool {
	data := chunk.Get(task.serialized, task.chunksSent)
	l.log.Debug("sending add chunk to remote",
		zap.Uint32("chunk", task.chunksSent),
		zap.Uint32("chunks", task.chunksOverall),
		zap.String("key", k.Brief()))

	sent := l.upstream.RequestAddNextChunk(k, task.bytesOverall, task.chunksOverall, task.chunksSent, data)
	task.chunksSent++
	return sent
}

// OnClientStateChanged reacts to an upstream connect or disconnect.
func (l *Logics) OnClientStateChanged() {
	if !l.isUpstreamConnected() {
		l.OnRemoteDisconnecting()
	}
}

// OnRemoteDisconnecting cancels every task that depends on the upstream:
// streaming download tasks answer their clients with the canonical empty
// chunk, and the replication queue is purged.
func (l *Logics) OnRemoteDisconnecting() {
	l.log.Debug("remote server is disconnecting")

	for k, task := range l.getTasks {
		if task.dataStatus != statusReady {
			l.log.Debug("canceling remote get task", zap.String("key", k.Brief()))
			l.cancelGetTask(k, task)
		}
	}

	l.remoteAddTasks = make(map[key.Key]*remoteAddTask)
	l.remoteAddOrder = nil
}

func (l *Logics) processFirstRemoteAddTask() {
	if l.hasIncomingRequestsRecently {
		return
	}

	if len(l.remoteAddOrder) == 0 {
		return
	}

	k := l.remoteAddOrder[0]
	task := l.remoteAddTasks[k]
	if task.chunksSent != 0 {
		return
	}

	if !l.sendFirstChunkToRemote(k, task) {
		l.dropRemoteAdd(k)
		l.processFirstRemoteAddTask()
	}
}

func (l *Logics) processLazyTasks() {
	if l.isUpstreamConnected() {
		if !l.hasIncomingRequestsRecently {
			for _, k := range l.warmupTasks {
				l.log.Debug("sending warm-up request", zap.String("key", k.Brief()))
				l.upstream.RequestWarmingUp(k)
			}
			l.warmupTasks = nil

			l.processFirstRemoteAddTask()
		}
	} else {
		l.warmupTasks = nil
		l.remoteAddTasks = make(map[key.Key]*remoteAddTask)
		l.remoteAddOrder = nil
	}

	l.hasIncomingRequestsRecently = false
}

// Update runs the fast tick work.
func (l *Logics) Update() {
	if l.db != nil {
		l.db.Update()
	}
}

// LazyUpdate runs the slow tick work.
func (l *Logics) LazyUpdate() {
	l.processLazyTasks()
}
