package netpeer

import (
	"context"
	"crypto/tls"
	"sync"

	"go.uber.org/zap"

	"github.com/buildstash/stash/pkg/constants"
	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/transport"
	"github.com/buildstash/stash/pkg/wire"
)

// ClientListener receives upstream replies and connection state changes.
// Calls are made on the owning event loop via the dispatch function.
type ClientListener interface {
	OnClientStateChanged()
	OnAddedToCache(k key.Key, ok bool)
	OnReceivedFromCache(k key.Key, dataSize uint64, numChunks, chunkIdx uint32, data []byte)
	OnServerStatusReceived(status *wire.StatusBody)
	OnIncorrectPacketReceived(kind uint16)
}

// Client maintains the single connection to the upstream server. Connect
// is asynchronous; the outcome and every subsequent reply arrive through
// the listener. All public methods must be called from the event loop.
type Client struct {
	log       *zap.Logger
	transport transport.Transport
	tlsConfig *tls.Config
	dispatch  func(fn func())
	listener  ClientListener

	// Loop-owned connection state. generation distinguishes a stale
	// dial result from the current attempt.
	conn       transport.Conn
	opened     bool
	generation uint64

	sendMu sync.Mutex
}

// NewClient creates the upstream endpoint.
func NewClient(log *zap.Logger, tr transport.Transport, tlsConfig *tls.Config, dispatch func(fn func()), listener ClientListener) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:       log,
		transport: tr,
		tlsConfig: tlsConfig,
		dispatch:  dispatch,
		listener:  listener,
	}
}

// ChannelIsOpened reports whether the upstream connection is usable.
func (c *Client) ChannelIsOpened() bool {
	return c.opened
}

// Connect starts dialing addr. Any previous connection is torn down
// first. The listener's OnClientStateChanged fires when the dial settles
// either way.
func (c *Client) Connect(addr string) {
	c.Disconnect()
	c.generation++
	generation := c.generation

	c.log.Debug("dialing upstream", zap.String("addr", addr))
	go func() {
		conn, err := c.transport.Dial(context.Background(), addr, c.tlsConfig)
		c.dispatch(func() {
			if generation != c.generation {
				// A Disconnect or newer Connect superseded this dial
				if conn != nil {
					conn.Close()
				}
				return
			}

			if err != nil {
				c.log.Debug("upstream dial failed", zap.String("addr", addr), zap.Error(err))
				c.listener.OnClientStateChanged()
				return
			}

			c.conn = conn
			c.opened = true
			go c.readLoop(conn, generation)
			c.listener.OnClientStateChanged()
		})
	}()
}

// Disconnect closes the upstream connection if any. No state-change
// notification is emitted for an explicit disconnect.
func (c *Client) Disconnect() {
	c.generation++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.opened = false
}

func (c *Client) readLoop(conn transport.Conn, generation uint64) {
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			c.dispatch(func() {
				if generation != c.generation {
					return
				}
				c.log.Debug("upstream connection lost", zap.Error(err))
				c.conn = nil
				c.opened = false
				c.generation++
				c.listener.OnClientStateChanged()
			})
			return
		}

		frame := f
		c.dispatch(func() {
			if generation != c.generation {
				return
			}
			c.handleFrame(frame)
		})
	}
}

func (c *Client) handleFrame(f *wire.Frame) {
	switch f.Kind {
	case constants.KindAddedResponse:
		k, err := key.FromBytes(f.Key)
		if err != nil {
			c.listener.OnIncorrectPacketReceived(f.Kind)
			return
		}
		c.listener.OnAddedToCache(k, f.OK)

	case constants.KindChunkResponse:
		k, err := key.FromBytes(f.Key)
		if err != nil {
			c.listener.OnIncorrectPacketReceived(f.Kind)
			return
		}
		c.listener.OnReceivedFromCache(k, f.Size, f.Chunks, f.Index, f.Data)

	case constants.KindStatus:
		c.listener.OnServerStatusReceived(f.Status)

	default:
		c.log.Error("unexpected frame kind from upstream", zap.Uint16("kind", f.Kind))
		c.listener.OnIncorrectPacketReceived(f.Kind)
	}
}

func (c *Client) send(f *wire.Frame) bool {
	if !c.opened || c.conn == nil {
		return false
	}

	// Writes and Disconnect both run on the event loop, so a write never
	// overlaps the conn teardown; sendMu serializes the writes themselves.
	c.sendMu.Lock()
	err := wire.WriteFrame(c.conn, f)
	c.sendMu.Unlock()

	if err != nil {
		c.log.Debug("upstream write failed", zap.Error(err))
		return false
	}
	return true
}

// RequestGetNextChunk asks the upstream for one chunk of key k.
func (c *Client) RequestGetNextChunk(k key.Key, chunkIdx uint32) bool {
	return c.send(wire.NewGetChunkFrame(k.Bytes(), chunkIdx))
}

// RequestAddNextChunk pushes one upload chunk to the upstream.
func (c *Client) RequestAddNextChunk(k key.Key, dataSize uint64, numChunks, chunkIdx uint32, data []byte) bool {
	return c.send(wire.NewAddChunkFrame(k.Bytes(), dataSize, numChunks, chunkIdx, data))
}

// RequestWarmingUp forwards an access-timestamp touch for key k.
func (c *Client) RequestWarmingUp(k key.Key) bool {
	return c.send(wire.NewWarmUpFrame(k.Bytes()))
}

// RequestStatus asks the upstream for its status; receipt of the reply
// completes peer verification.
func (c *Client) RequestStatus() bool {
	return c.send(wire.NewStatusRequestFrame())
}
