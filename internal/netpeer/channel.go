// Package netpeer implements the two protocol endpoints: the server side
// accepting cache clients, and the client side holding the single upstream
// connection. Decoded frames are handed to the owning event loop through a
// dispatch function; endpoints never call listeners from their own
// goroutines.
package netpeer

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buildstash/stash/pkg/transport"
	"github.com/buildstash/stash/pkg/wire"
)

// sendQueueDepth bounds per-channel outgoing frames. A client that stops
// draining its connection is disconnected rather than allowed to wedge
// the sender.
const sendQueueDepth = 256

// Channel is one accepted client connection. Frames are written by a
// dedicated goroutine so the event loop never blocks on a slow peer.
type Channel struct {
	id   string
	conn transport.Conn
	log  *zap.Logger

	sendCh chan *wire.Frame
	done   chan struct{}

	closeOnce sync.Once
}

func newChannel(conn transport.Conn, log *zap.Logger) *Channel {
	ch := &Channel{
		id:     uuid.NewString(),
		conn:   conn,
		log:    log,
		sendCh: make(chan *wire.Frame, sendQueueDepth),
		done:   make(chan struct{}),
	}
	go ch.writeLoop()
	return ch
}

// ID returns the channel identifier used in logs and task keys.
func (ch *Channel) ID() string {
	return ch.id
}

// RemoteAddr returns the peer address as a string.
func (ch *Channel) RemoteAddr() string {
	return ch.conn.RemoteAddr().String()
}

// Send enqueues a frame for delivery. A full queue closes the channel:
// the peer is not keeping up and per-channel ordering cannot be preserved
// by dropping frames.
func (ch *Channel) Send(f *wire.Frame) {
	select {
	case ch.sendCh <- f:
	default:
		ch.log.Warn("send queue overflow, closing channel", zap.String("channel", ch.id))
		ch.Close()
	}
}

// Close tears the connection down. The read loop observes the closed
// connection and reports the channel as closed exactly once.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.conn.Close()
	})
}

func (ch *Channel) writeLoop() {
	for {
		select {
		case <-ch.done:
			return
		case f := <-ch.sendCh:
			if err := wire.WriteFrame(ch.conn, f); err != nil {
				ch.log.Debug("write failed, closing channel",
					zap.String("channel", ch.id),
					zap.Error(err))
				ch.Close()
				return
			}
		}
	}
}
