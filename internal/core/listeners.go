package core

import (
	"github.com/buildstash/stash/internal/netpeer"
	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/wire"
)

// Core relays endpoint callbacks into the session layer and the remote
// controller. Every method below already runs on the event loop.

// --- netpeer.ServerListener ---

func (c *Core) OnAddChunk(ch *netpeer.Channel, k key.Key, dataSize uint64, numChunks, chunkIdx uint32, data []byte) {
	c.logics.OnAddChunk(ch, k, dataSize, numChunks, chunkIdx, data)
}

func (c *Core) OnChunkRequested(ch *netpeer.Channel, k key.Key, chunkIdx uint32) {
	c.logics.OnChunkRequested(ch, k, chunkIdx)
}

func (c *Core) OnRemove(ch *netpeer.Channel, k key.Key) {
	c.logics.OnRemove(ch, k)
}

func (c *Core) OnClear(ch *netpeer.Channel) {
	c.logics.OnClear(ch)
}

func (c *Core) OnWarmUp(ch *netpeer.Channel, k key.Key) {
	c.logics.OnWarmUp(ch, k)
}

func (c *Core) OnStatusRequested(ch *netpeer.Channel) {
	c.logics.OnStatusRequested(ch)
}

func (c *Core) OnChannelClosed(ch *netpeer.Channel, reason string) {
	c.logics.OnChannelClosed(ch, reason)
}

// --- netpeer.ClientListener ---

func (c *Core) OnClientStateChanged() {
	c.controller.OnClientStateChanged(c.client.ChannelIsOpened())
	c.logics.OnClientStateChanged()
}

func (c *Core) OnAddedToCache(k key.Key, ok bool) {
	c.logics.OnAddedToCache(k, ok)
}

func (c *Core) OnReceivedFromCache(k key.Key, dataSize uint64, numChunks, chunkIdx uint32, data []byte) {
	c.logics.OnReceivedFromCache(k, dataSize, numChunks, chunkIdx, data)
}

func (c *Core) OnServerStatusReceived(status *wire.StatusBody) {
	c.controller.OnStatusReceived()
}

func (c *Core) OnIncorrectPacketReceived(kind uint16) {
	c.controller.OnIncorrectPacket()
}
