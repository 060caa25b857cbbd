package netpeer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/buildstash/stash/pkg/constants"
	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/transport"
	"github.com/buildstash/stash/pkg/wire"
)

// ServerListener receives decoded client requests. Calls are made on the
// owning event loop via the dispatch function, in per-channel receive
// order.
type ServerListener interface {
	OnAddChunk(ch *Channel, k key.Key, dataSize uint64, numChunks, chunkIdx uint32, data []byte)
	OnChunkRequested(ch *Channel, k key.Key, chunkIdx uint32)
	OnRemove(ch *Channel, k key.Key)
	OnClear(ch *Channel)
	OnWarmUp(ch *Channel, k key.Key)
	OnStatusRequested(ch *Channel)
	OnChannelClosed(ch *Channel, reason string)
}

// Server accepts cache client connections and feeds their requests to a
// ServerListener.
type Server struct {
	log       *zap.Logger
	transport transport.Transport
	tlsConfig *tls.Config
	dispatch  func(fn func())
	listener  ServerListener

	mu          sync.Mutex
	netListener transport.Listener
	cancel      context.CancelFunc
	channels    map[string]*Channel
}

// NewServer creates a server endpoint. dispatch must enqueue fn onto the
// event loop owning listener.
func NewServer(log *zap.Logger, tr transport.Transport, tlsConfig *tls.Config, dispatch func(fn func()), listener ServerListener) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:       log,
		transport: tr,
		tlsConfig: tlsConfig,
		dispatch:  dispatch,
		listener:  listener,
		channels:  make(map[string]*Channel),
	}
}

// Listen binds addr and starts accepting connections.
func (s *Server) Listen(addr string) error {
	ctx, cancel := context.WithCancel(context.Background())

	netListener, err := s.transport.Listen(ctx, addr, s.tlsConfig)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.netListener = netListener
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("listening for cache clients", zap.String("addr", netListener.Addr().String()))
	go s.acceptLoop(ctx, netListener)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.netListener == nil {
		return nil
	}
	return s.netListener.Addr()
}

// Stop closes the listener and every open channel.
func (s *Server) Stop() {
	s.mu.Lock()
	netListener := s.netListener
	cancel := s.cancel
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.netListener = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if netListener != nil {
		netListener.Close()
	}
	for _, ch := range channels {
		ch.Close()
	}
}

// ChannelCount returns the number of connected clients.
func (s *Server) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Server) acceptLoop(ctx context.Context, netListener transport.Listener) {
	for {
		conn, err := netListener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("accept failed", zap.Error(err))
			return
		}

		ch := newChannel(conn, s.log)
		s.mu.Lock()
		s.channels[ch.id] = ch
		s.mu.Unlock()

		s.log.Debug("client connected",
			zap.String("channel", ch.id),
			zap.String("addr", ch.RemoteAddr()))
		go s.readLoop(ch)
	}
}

func (s *Server) readLoop(ch *Channel) {
	var reason string
	for {
		f, err := wire.ReadFrame(ch.conn)
		if err != nil {
			if !isClosedErr(err) {
				reason = err.Error()
			}
			break
		}
		s.dispatchFrame(ch, f)
	}

	ch.Close()
	s.mu.Lock()
	delete(s.channels, ch.id)
	s.mu.Unlock()

	s.dispatch(func() {
		s.listener.OnChannelClosed(ch, reason)
	})
}

func (s *Server) dispatchFrame(ch *Channel, f *wire.Frame) {
	var k key.Key
	switch f.Kind {
	case constants.KindAddChunk, constants.KindGetChunk, constants.KindRemove, constants.KindWarmUp:
		var err error
		if k, err = key.FromBytes(f.Key); err != nil {
			s.log.Error("request with an unusable key",
				zap.String("channel", ch.id),
				zap.Uint16("kind", f.Kind),
				zap.Error(err))
			return
		}
	}

	switch f.Kind {
	case constants.KindAddChunk:
		s.dispatch(func() { s.listener.OnAddChunk(ch, k, f.Size, f.Chunks, f.Index, f.Data) })
	case constants.KindGetChunk:
		s.dispatch(func() { s.listener.OnChunkRequested(ch, k, f.Index) })
	case constants.KindRemove:
		s.dispatch(func() { s.listener.OnRemove(ch, k) })
	case constants.KindClear:
		s.dispatch(func() { s.listener.OnClear(ch) })
	case constants.KindWarmUp:
		s.dispatch(func() { s.listener.OnWarmUp(ch, k) })
	case constants.KindStatusRequest:
		s.dispatch(func() { s.listener.OnStatusRequested(ch) })
	default:
		s.log.Error("unexpected frame kind from client",
			zap.String("channel", ch.id),
			zap.Uint16("kind", f.Kind))
	}
}

// isClosedErr reports whether err is the routine result of tearing a
// connection down.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
