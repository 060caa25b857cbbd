// Package core assembles the cache server: the storage engine, both
// protocol endpoints, the session layer, the remote controller and the
// shared-directory integration, all driven by one event loop.
package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/buildstash/stash/internal/httpapi"
	"github.com/buildstash/stash/internal/logics"
	"github.com/buildstash/stash/internal/netpeer"
	"github.com/buildstash/stash/internal/remote"
	"github.com/buildstash/stash/internal/settings"
	"github.com/buildstash/stash/internal/shared"
	"github.com/buildstash/stash/pkg/cachedb"
	"github.com/buildstash/stash/pkg/constants"
	"github.com/buildstash/stash/pkg/transport"
)

// eventQueueDepth bounds the loop inbox. Producers block when the loop
// falls behind, which is the backpressure we want.
const eventQueueDepth = 1024

// Options configures a Core.
type Options struct {
	Log       *zap.Logger
	Settings  *settings.Manager
	Transport transport.Transport
	TLSConfig *tls.Config
}

// Core owns the event loop and every subsystem of the server.
type Core struct {
	log      *zap.Logger
	settings *settings.Manager

	registry   *prometheus.Registry
	db         *cachedb.DB
	server     *netpeer.Server
	client     *netpeer.Client
	logics     *logics.Logics
	controller *remote.Controller
	requester  *shared.Requester
	monitoring *httpapi.Server

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	stopOnce sync.Once

	// Loop-owned
	sharedRefreshing bool
}

// New wires a core from its options. Start must be called before the
// server does anything.
func New(opts Options) *Core {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	c := &Core{
		log:      log,
		settings: opts.Settings,
		registry: prometheus.NewRegistry(),
		events:   make(chan func(), eventQueueDepth),
		done:     make(chan struct{}),
	}
	c.registry.MustRegister(collectors.NewGoCollector())

	c.db = cachedb.New(
		log.Named("cachedb"),
		c.onStorageSizeChanged,
		c.registry,
		nil,
	)

	c.client = netpeer.NewClient(log.Named("upstream"), opts.Transport, opts.TLSConfig, c.dispatch, c)
	c.server = netpeer.NewServer(log.Named("server"), opts.Transport, opts.TLSConfig, c.dispatch, c)
	c.logics = logics.New(log.Named("logics"), opts.Settings.OwnName(), c.client, c.db)
	c.controller = remote.NewController(log.Named("remote"), c.client, c.schedule, nil)
	c.monitoring = httpapi.New(log.Named("http"), c, c.registry)

	if url := opts.Settings.DirectoryURL(); url != "" {
		c.requester = shared.NewRequester(log.Named("shared"), url)
	}

	return c
}

// dispatch enqueues fn onto the event loop.
func (c *Core) dispatch(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// schedule arms a timer whose callback runs on the event loop.
func (c *Core) schedule(d time.Duration, fn func()) func() {
	timer := time.AfterFunc(d, func() { c.dispatch(fn) })
	return func() { timer.Stop() }
}

// Start applies settings, binds the listeners and starts the loop.
func (c *Core) Start() error {
	c.settings.SetOnUpdated(func() { c.dispatch(c.onSettingsUpdated) })

	c.applyStorageSettings()

	if err := c.server.Listen(fmt.Sprintf(":%d", c.settings.ListenPort())); err != nil {
		return err
	}

	if err := c.monitoring.Start(fmt.Sprintf(":%d", c.settings.HTTPPort())); err != nil {
		c.server.Stop()
		return err
	}

	c.wg.Add(1)
	go c.run()

	c.dispatch(func() {
		c.controller.Start(c.settings.EnabledRemoteServers())
	})

	c.log.Info("cache server started",
		zap.String("name", c.settings.OwnName()),
		zap.Uint16("port", c.settings.ListenPort()))
	return nil
}

// Stop shuts everything down, saving the snapshot.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		flushed := make(chan struct{})
		c.dispatch(func() {
			c.controller.Stop()
			c.client.Disconnect()
			c.db.Save()
			close(flushed)
		})

		select {
		case <-flushed:
		case <-time.After(5 * time.Second):
			c.log.Warn("timed out flushing state on shutdown")
		}

		close(c.done)
		c.wg.Wait()

		c.server.Stop()
		c.monitoring.Stop()
		c.log.Info("cache server stopped")
	})
}

// run is the event loop: it executes dispatched events and drives the
// fast, lazy and shared-directory cadences.
func (c *Core) run() {
	defer c.wg.Done()

	fastTick := time.NewTicker(constants.UpdateInterval)
	lazyTick := time.NewTicker(constants.LazyUpdateInterval)
	sharedTick := time.NewTicker(constants.SharedUpdateInterval)
	defer fastTick.Stop()
	defer lazyTick.Stop()
	defer sharedTick.Stop()

	for {
		select {
		case <-c.done:
			return
		case fn := <-c.events:
			fn()
		case <-fastTick.C:
			c.logics.Update()
		case <-lazyTick.C:
			c.logics.LazyUpdate()
		case <-sharedTick.C:
			c.refreshSharedData()
		}
	}
}

func (c *Core) applyStorageSettings() {
	c.db.UpdateSettings(
		c.settings.Folder(),
		c.settings.MaxStorageSize(),
		c.settings.MaxItemsInMemory(),
		c.settings.AutoSaveTimeout(),
	)
}

// onSettingsUpdated reapplies storage settings and feeds the candidate
// list diff into the controller.
func (c *Core) onSettingsUpdated() {
	c.applyStorageSettings()
	c.controller.UpdateCandidates(c.settings.EnabledRemoteServers())

	if err := c.settings.Save(); err != nil {
		c.log.Error("cannot save settings", zap.Error(err))
	}
}

func (c *Core) onStorageSizeChanged(occupied, overall uint64) {
	c.log.Debug("storage size changed",
		zap.Uint64("occupied", occupied),
		zap.Uint64("overall", overall))
}

// ListenAddr returns the bound cache-protocol address, or nil before
// Start.
func (c *Core) ListenAddr() net.Addr {
	return c.server.Addr()
}

// ClearStorage drops every cached entry.
func (c *Core) ClearStorage() {
	c.dispatch(func() { c.db.ClearStorage() })
}

// Status snapshots the server state for the monitoring surface.
func (c *Core) Status() httpapi.Status {
	reply := make(chan httpapi.Status, 1)
	c.dispatch(func() {
		status := httpapi.Status{
			ServerName:     c.settings.OwnName(),
			OccupiedSize:   c.db.OccupiedSize(),
			StorageSize:    c.db.StorageSize(),
			ItemsCount:     c.db.ItemsCount(),
			ClientsCount:   c.server.ChannelCount(),
			RemoteState:    c.controller.State().String(),
			SharedServerID: c.settings.OwnID(),
		}
		if current, ok := c.controller.Current(); ok {
			status.RemoteAddr = current.Addr
		}
		reply <- status
	})

	select {
	case status := <-reply:
		return status
	case <-c.done:
		return httpapi.Status{}
	case <-time.After(2 * time.Second):
		return httpapi.Status{}
	}
}

// refreshSharedData fetches the directory listing off the loop and feeds
// the result back as an event. At most one fetch is in flight.
func (c *Core) refreshSharedData() {
	if c.requester == nil || c.sharedRefreshing {
		return
	}
	c.sharedRefreshing = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.SharedUpdateInterval)
		defer cancel()

		pools, poolsErr := c.requester.GetPools(ctx)
		servers, serversErr := c.requester.GetServers(ctx)

		c.dispatch(func() {
			c.sharedRefreshing = false

			if poolsErr != nil || serversErr != nil {
				// Keep the previous directory state; the next tick retries
				if poolsErr != nil {
					c.log.Debug("pools refresh failed", zap.Error(poolsErr))
				}
				if serversErr != nil {
					c.log.Debug("servers refresh failed", zap.Error(serversErr))
				}
				return
			}

			c.settings.UpdateSharedPools(pools, servers)
			c.controller.UpdateCandidates(c.settings.EnabledRemoteServers())
		})
	}()
}

// InitiateShareRequest registers this server into poolID under the given
// display name.
func (c *Core) InitiateShareRequest(poolID shared.PoolID, serverName string) {
	if c.requester == nil {
		c.log.Error("cannot share: no directory is configured")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		id, err := c.requester.RegisterServer(ctx, poolID, serverName, c.settings.ListenPort())
		c.dispatch(func() {
			if err != nil {
				c.log.Error("share request failed", zap.Error(err))
				return
			}

			c.log.Info("server is shared", zap.Uint64("serverId", id), zap.Uint64("poolId", poolID))
			c.settings.SetOwnID(id)
			c.settings.SetOwnPoolID(poolID)
			c.settings.SetSharedForOthers(true)
			if err := c.settings.Save(); err != nil {
				c.log.Error("cannot save settings", zap.Error(err))
			}
		})
	}()
}

// InitiateUnshareRequest removes this server from the directory.
func (c *Core) InitiateUnshareRequest() {
	if c.requester == nil {
		return
	}

	serverID := c.settings.OwnID()
	if serverID == shared.NullServerID {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := c.requester.UnregisterServer(ctx, serverID)
		c.dispatch(func() {
			if err != nil {
				c.log.Error("unshare request failed", zap.Error(err))
				return
			}

			c.log.Info("server is unshared", zap.Uint64("serverId", serverID))
			c.settings.ResetOwnID()
			c.settings.SetSharedForOthers(false)
			if err := c.settings.Save(); err != nil {
				c.log.Error("cannot save settings", zap.Error(err))
			}
		})
	}()
}
