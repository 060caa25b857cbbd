package logics

import (
	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/wire"
)

// ClientChannel is the sending half of one connected client, as the
// session layer sees it.
type ClientChannel interface {
	ID() string
	Send(f *wire.Frame)
}

// Upstream is the client endpoint pointed at the remote server.
type Upstream interface {
	ChannelIsOpened() bool
	RequestGetNextChunk(k key.Key, chunkIdx uint32) bool
	RequestAddNextChunk(k key.Key, dataSize uint64, numChunks, chunkIdx uint32, data []byte) bool
	RequestWarmingUp(k key.Key) bool
}

type dataStatus int

const (
	statusReady dataStatus = iota
	statusWaitingNextChunk
)

// addTask reassembles one chunked upload. Keyed by (channel, key): the
// same client may upload several keys at once, and several clients may
// upload the same key.
type addTask struct {
	key     key.Key
	channel ClientChannel

	received []byte

	bytesReceived  uint64
	bytesOverall   uint64
	chunksReceived uint32
	chunksOverall  uint32
}

// clientStatus tracks one client waiting on a shared download task.
type clientStatus struct {
	status           dataStatus
	waitingChunk     uint32
	lastChunkWasSent bool
}

// getTask streams one key to every client that asked for it. The task is
// fed either from the local store (READY at creation) or chunk by chunk
// from the upstream.
type getTask struct {
	clients    map[ClientChannel]*clientStatus
	serialized []byte
	dataStatus dataStatus

	bytesReady    uint64
	bytesOverall  uint64
	chunksReady   uint32
	chunksOverall uint32
}

// remoteAddTask replicates one stored key to the upstream, one chunk per
// acknowledgement. chunksSent == 0 means the task has not started.
type remoteAddTask struct {
	serialized []byte

	chunksSent    uint32
	chunksOverall uint32
	bytesOverall  uint64
}
