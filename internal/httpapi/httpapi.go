// Package httpapi serves the monitoring surface on the secondary HTTP
// port: a JSON status document and the Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Status is the JSON document served on /status.
type Status struct {
	ServerName     string `json:"serverName"`
	OccupiedSize   uint64 `json:"occupiedSize"`
	StorageSize    uint64 `json:"storageSize"`
	ItemsCount     uint64 `json:"itemsCount"`
	ClientsCount   int    `json:"clientsCount"`
	RemoteState    string `json:"remoteState"`
	RemoteAddr     string `json:"remoteAddr,omitempty"`
	SharedServerID uint64 `json:"sharedServerId,omitempty"`
}

// StatusProvider snapshots the server state for /status.
type StatusProvider interface {
	Status() Status
}

// Server is the monitoring HTTP listener.
type Server struct {
	log      *zap.Logger
	provider StatusProvider
	registry *prometheus.Registry

	httpServer *http.Server
	listener   net.Listener
}

// New creates the monitoring server.
func New(log *zap.Logger, provider StatusProvider, registry *prometheus.Registry) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:      log,
		provider: provider,
		registry: registry,
	}
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/status", s.handleStatus)
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("monitoring endpoint listening", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("monitoring endpoint failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener.
func (s *Server) Stop() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Status()); err != nil {
		s.log.Debug("cannot encode status", zap.Error(err))
	}
}
