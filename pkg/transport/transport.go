// Package transport provides the stream transport abstraction the cache
// peers talk over. TCP is the default; QUIC is available where both ends
// are configured with TLS.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// ALPN is the protocol identifier negotiated on TLS-backed transports.
const ALPN = "stash/1"

// Transport represents a stream transport protocol.
type Transport interface {
	// Listen starts listening for incoming connections on addr.
	// tlsConfig may be nil where the transport supports plaintext.
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)

	// Dial establishes a connection to addr.
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)

	// Name returns the transport name (e.g. "tcp", "quic")
	Name() string
}

// Listener accepts incoming transport connections.
type Listener interface {
	// Accept waits for and returns the next connection
	Accept(ctx context.Context) (Conn, error)

	// Close closes the listener
	Close() error

	// Addr returns the listener's network address
	Addr() net.Addr
}

// Conn is one reliable ordered byte stream to a peer.
type Conn interface {
	// Read reads data from the connection
	Read(b []byte) (n int, err error)

	// Write writes data to the connection
	Write(b []byte) (n int, err error)

	// Close closes the connection
	Close() error

	// LocalAddr returns the local network address
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address
	RemoteAddr() net.Addr

	// SetDeadline sets the read and write deadlines
	SetDeadline(t time.Time) error

	// SetReadDeadline sets the read deadline
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the write deadline
	SetWriteDeadline(t time.Time) error
}

// Registry manages available transports.
type Registry struct {
	transports map[string]Transport
}

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
	}
}

// Register registers a transport under its name.
func (r *Registry) Register(transport Transport) {
	r.transports[transport.Name()] = transport
}

// Get returns the transport with the given name.
func (r *Registry) Get(name string) (Transport, bool) {
	t, ok := r.transports[name]
	return t, ok
}

// List returns all registered transport names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	return names
}
