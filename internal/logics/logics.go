// Package logics implements the per-connection session layer: it
// reassembles chunked uploads, streams chunked downloads to any number of
// waiting clients, replicates accepted uploads to the upstream server and
// tolerates peer disconnects mid-transfer. All methods must be called
// from the owning event loop.
package logics

import (
	"go.uber.org/zap"

	"github.com/buildstash/stash/pkg/cachedb"
	"github.com/buildstash/stash/pkg/chunk"
	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/value"
	"github.com/buildstash/stash/pkg/wire"
)

// Logics is the session layer.
type Logics struct {
	log        *zap.Logger
	serverName string
	upstream   Upstream
	db         *cachedb.DB

	getTasks       map[key.Key]*getTask
	addTasks       []*addTask
	warmupTasks    []key.Key
	remoteAddTasks map[key.Key]*remoteAddTask
	remoteAddOrder []key.Key

	// Set by every incoming request; the lazy tick clears it and stalls
	// upstream work while it is set.
	hasIncomingRequestsRecently bool
}

// New creates the session layer. serverName is appended to value chains
// as this server's identifier.
func New(log *zap.Logger, serverName string, upstream Upstream, db *cachedb.DB) *Logics {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logics{
		log:            log,
		serverName:     serverName,
		upstream:       upstream,
		db:             db,
		getTasks:       make(map[key.Key]*getTask),
		remoteAddTasks: make(map[key.Key]*remoteAddTask),
	}
}

func (l *Logics) isUpstreamConnected() bool {
	return l.upstream != nil && l.upstream.ChannelIsOpened()
}

// --- upload from client ---

// OnAddChunk handles one uploaded chunk. Chunks must arrive strictly in
// order; any violation cancels the task and answers Added(false). The
// final chunk commits the value and queues upstream replication.
func (l *Logics) OnAddChunk(ch ClientChannel, k key.Key, dataSize uint64, numChunks, chunkIdx uint32, data []byte) {
	l.hasIncomingRequestsRecently = true

	task, taskIdx := l.getOrCreateAddTask(ch, k)

	discardTask := func() {
		l.log.Debug("sending add-chunk failed response", zap.String("key", k.Brief()))
		ch.Send(wire.NewAddedFrame(k.Bytes(), false))
		l.addTasks = append(l.addTasks[:taskIdx], l.addTasks[taskIdx+1:]...)
	}

	fail := func(reason string) {
		l.log.Error("wrong add request",
			zap.String("reason", reason),
			zap.String("channel", ch.ID()),
			zap.String("key", k.Brief()),
			zap.Uint32("chunk", chunkIdx))
		discardTask()
	}

	if chunkIdx == 0 {
		if dataSize == 0 || numChunks == 0 {
			fail("data size or number of chunks is zero")
			return
		}

		l.log.Debug("receiving add request",
			zap.String("key", k.Brief()),
			zap.Uint64("bytes", dataSize),
			zap.Uint32("chunks", numChunks))

		if task.chunksOverall != 0 || task.bytesOverall != 0 {
			fail("transfer totals were already received for this key and channel")
			return
		}

		if dataSize > l.db.StorageSize() {
			l.log.Warn("uploaded data is bigger than max storage size",
				zap.Uint64("dataSize", dataSize),
				zap.Uint64("maxStorageSize", l.db.StorageSize()))
			discardTask()
			return
		}

		task.bytesOverall = dataSize
		task.chunksOverall = numChunks
	}

	if task.chunksReceived != chunkIdx {
		fail("chunk out of order")
		return
	}

	task.received = append(task.received, data...)
	task.bytesReceived += uint64(len(data))
	task.chunksReceived++

	if task.chunksReceived == task.chunksOverall {
		if task.bytesReceived != task.bytesOverall {
			fail("final byte count does not match the announced total")
			return
		}

		v := value.New()
		if err := v.Deserialize(task.received); err != nil || v.IsEmpty() {
			fail("received data is empty or invalid")
			return
		}

		desc := v.Description()
		desc.AddingChain += "/" + l.serverName
		v.SetDescription(desc)
		if _, err := v.Serialize(); err != nil {
			fail("received data cannot be reserialized")
			return
		}

		if v.Size() > l.db.StorageSize() {
			l.log.Warn("uploaded value is bigger than max storage size",
				zap.Uint64("valueSize", v.Size()),
				zap.Uint64("maxStorageSize", l.db.StorageSize()))
			discardTask()
			return
		}

		l.db.Insert(k, v)
		l.addTasks = append(l.addTasks[:taskIdx], l.addTasks[taskIdx+1:]...)
		l.enqueueRemoteAdd(k)
	}

	ch.Send(wire.NewAddedFrame(k.Bytes(), true))
}

func (l *Logics) getOrCreateAddTask(ch ClientChannel, k key.Key) (*addTask, int) {
	for i, task := range l.addTasks {
		if task.channel == ch && task.key == k {
			return task, i
		}
	}

	task := &addTask{key: k, channel: ch}
	l.addTasks = append(l.addTasks, task)
	return task, len(l.addTasks) - 1
}

func (l *Logics) enqueueRemoteAdd(k key.Key) {
	if _, ok := l.remoteAddTasks[k]; ok {
		return
	}
	l.remoteAddTasks[k] = &remoteAddTask{}
	l.remoteAddOrder = append(l.remoteAddOrder, k)
	l.log.Debug("queued remote add task", zap.Int("tasks", len(l.remoteAddTasks)))
}

// --- download to client ---

// OnChunkRequested handles one download request. A local hit serializes
// the value into a READY task; a miss with a connected upstream opens a
// streaming task; a plain miss answers with the canonical empty chunk.
func (l *Logics) OnChunkRequested(ch ClientChannel, k key.Key, chunkIdx uint32) {
	l.hasIncomingRequestsRecently = true

	l.log.Debug("chunk requested", zap.Uint32("chunk", chunkIdx), zap.String("key", k.Brief()))

	sendEmpty := func() {
		l.log.Debug("sending empty chunk", zap.String("key", k.Brief()))
		ch.Send(wire.NewChunkFrame(k.Bytes(), 0, 0, 0, nil))
	}

	task := l.getOrCreateGetTask(k)
	if task == nil {
		// Not stored and the remote server is not connected
		sendEmpty()
		return
	}

	client := task.clients[ch]
	if client == nil {
		client = &clientStatus{}
		task.clients[ch] = client
	}

	if task.chunksReady > chunkIdx {
		data := chunk.Get(task.serialized, chunkIdx)
		if len(data) == 0 {
			l.log.Error("no valid range for requested chunk",
				zap.String("key", k.Brief()),
				zap.Uint32("chunk", chunkIdx))
			sendEmpty()
			return
		}

		if chunkIdx == 0 {
			l.log.Debug("requested data will be sent",
				zap.Uint32("chunks", task.chunksOverall),
				zap.Uint64("bytes", task.bytesOverall))
		}

		l.sendChunkToClient(task, ch, k, chunkIdx, data)
		l.removeTaskIfChunksAreSent(k, task)
		return
	}

	if task.dataStatus == statusReady {
		l.log.Error("task is ready yet the requested chunk is not available",
			zap.String("key", k.Brief()),
			zap.Uint32("chunk", chunkIdx))
		sendEmpty()
		return
	}

	client.status = statusWaitingNextChunk
	client.waitingChunk = chunkIdx
}

// getOrCreateGetTask returns the shared task for k, creating it from the
// local store or by opening an upstream request. nil means the key is
// unavailable.
func (l *Logics) getOrCreateGetTask(k key.Key) *getTask {
	if task, ok := l.getTasks[k]; ok {
		return task
	}

	if entry := l.db.Get(k); entry != nil {
		l.log.Debug("creating get task using local data", zap.String("key", k.Brief()))

		// Serialize a copy carrying the extended receiving chain; the
		// stored entry keeps its own description and size.
		v := entry.Value()
		desc := v.Description()
		desc.ReceivingChain += "/" + l.serverName

		outgoing := value.New()
		for _, b := range v.Blobs() {
			outgoing.AddBlob(b.Name, b.Data)
		}
		outgoing.SetDescription(desc)

		serialized, err := outgoing.Serialize()
		if err != nil {
			l.log.Error("cannot serialize stored value", zap.String("key", k.Brief()), zap.Error(err))
			return nil
		}

		task := &getTask{
			clients:    make(map[ClientChannel]*clientStatus),
			serialized: serialized,
			dataStatus: statusReady,
		}
		task.bytesOverall = uint64(len(serialized))
		task.bytesReady = task.bytesOverall
		task.chunksOverall = chunk.NumberOfChunks(task.bytesOverall)
		task.chunksReady = task.chunksOverall
		l.getTasks[k] = task
		return task
	}

	if l.isUpstreamConnected() && l.upstream.RequestGetNextChunk(k, 0) {
		l.log.Debug("creating get task, requesting data from remote", zap.String("key", k.Brief()))
		task := &getTask{
			clients:    make(map[ClientChannel]*clientStatus),
			dataStatus: statusWaitingNextChunk,
		}
		l.getTasks[k] = task
		return task
	}

	return nil
}

func (l *Logics) sendChunkToClient(task *getTask, ch ClientChannel, k key.Key, chunkIdx uint32, data []byte) {
	client := task.clients[ch]

	l.log.Debug("sending chunk",
		zap.Uint32("chunk", chunkIdx),
		zap.Int("bytes", len(data)))
	ch.Send(wire.NewChunkFrame(k.Bytes(), task.bytesOverall, task.chunksOverall, chunkIdx, data))
	client.status = statusReady

	if chunkIdx+1 == task.chunksOverall {
		client.lastChunkWasSent = true
	}
}

func (l *Logics) sendChunkToClients(k key.Key, task *getTask, chunkIdx uint32, data []byte) {
	for ch, client := range task.clients {
		if client.status == statusWaitingNextChunk && client.waitingChunk == chunkIdx {
			l.sendChunkToClient(task, ch, k, chunkIdx, data)
		}
	}

	l.removeTaskIfChunksAreSent(k, task)
}

func (l *Logics) removeTaskIfChunksAreSent(k key.Key, task *getTask) {
	for _, client := range task.clients {
		if !client.lastChunkWasSent {
			return
		}
	}

	l.log.Debug("removing get task", zap.String("key", k.Brief()))
	delete(l.getTasks, k)
}

func (l *Logics) cancelGetTask(k key.Key, task *getTask) {
	l.log.Debug("canceling get task", zap.String("key", k.Brief()))

	for ch, client := range task.clients {
		if client.status == statusWaitingNextChunk {
			l.log.Debug("sending empty chunk", zap.String("channel", ch.ID()))
			ch.Send(wire.NewChunkFrame(k.Bytes(), 0, 0, 0, nil))
		}
	}

	delete(l.getTasks, k)
}

// --- simple requests ---

// OnRemove deletes k from the store and acknowledges the outcome.
func (l *Logics) OnRemove(ch ClientChannel, k key.Key) {
	l.hasIncomingRequestsRecently = true

	l.log.Debug("receiving remove request", zap.String("key", k.Brief()), zap.String("channel", ch.ID()))
	removed := l.db.Remove(k)
	ch.Send(wire.NewRemovedFrame(k.Bytes(), removed))
}

// OnClear empties the store and acknowledges.
func (l *Logics) OnClear(ch ClientChannel) {
	l.hasIncomingRequestsRecently = true

	l.log.Debug("receiving clear request", zap.String("channel", ch.ID()))
	l.db.ClearStorage()
	ch.Send(wire.NewClearedFrame(true))
}

// OnWarmUp touches the access timestamp for k and queues the touch for
// upstream forwarding on the lazy tick.
func (l *Logics) OnWarmUp(ch ClientChannel, k key.Key) {
	l.hasIncomingRequestsRecently = true

	l.log.Debug("receiving warm-up request", zap.String("key", k.Brief()), zap.String("channel", ch.ID()))
	l.db.UpdateAccessTimestamp(k)
	l.warmupTasks = append(l.warmupTasks, k)
}

// OnStatusRequested answers with current storage occupancy.
func (l *Logics) OnStatusRequested(ch ClientChannel) {
	l.hasIncomingRequestsRecently = true

	l.log.Debug("received status request", zap.String("channel", ch.ID()))
	ch.Send(wire.NewStatusFrame(&wire.StatusBody{
		Occupied: l.db.OccupiedSize(),
		Overall:  l.db.StorageSize(),
		Items:    l.db.ItemsCount(),
	}))
}

// OnChannelClosed removes the disconnected client from every task it
// participates in. A download task that no longer has clients is kept
// only while an upstream response is still streaming in.
func (l *Logics) OnChannelClosed(ch ClientChannel, reason string) {
	l.log.Debug("channel closed", zap.String("channel", ch.ID()), zap.String("reason", reason))

	for k, task := range l.getTasks {
		delete(task.clients, ch)
		if len(task.clients) == 0 && task.dataStatus == statusReady {
			l.log.Debug("removing get task, no one needs it", zap.String("key", k.Brief()))
			delete(l.getTasks, k)
		}
	}

	remaining := l.addTasks[:0]
	for _, task := range l.addTasks {
		if task.channel != ch {
			remaining = append(remaining, task)
		}
	}
	l.addTasks = remaining
}
