// Package settings owns the application configuration: cache sizing and
// location, listen ports, this server's directory identity, and the
// remote-server selection (a shared pool, one pool server, or a custom
// list). Settings persist as a YAML file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/buildstash/stash/internal/remote"
	"github.com/buildstash/stash/internal/shared"
	"github.com/buildstash/stash/pkg/constants"
)

// Defaults applied on first launch.
const (
	DefaultCacheSizeGB        = 5.0
	DefaultFilesCount         = 32
	DefaultAutoSaveTimeoutMin = 1
)

// RemoteKind selects what the candidate list is derived from.
type RemoteKind string

const (
	RemoteNone       RemoteKind = "none"
	RemotePool       RemoteKind = "pool"
	RemotePoolServer RemoteKind = "pool-server"
	RemoteCustom     RemoteKind = "custom"
)

// CustomServer is one user-configured remote.
type CustomServer struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// fileData is the persisted YAML shape.
type fileData struct {
	Folder             string         `yaml:"folder"`
	CacheSizeGB        float64        `yaml:"cache_size_gb"`
	FilesCount         uint32         `yaml:"files_count"`
	AutoSaveTimeoutMin uint64         `yaml:"auto_save_timeout_min"`
	ListenPort         uint16         `yaml:"listen_port"`
	HTTPPort           uint16         `yaml:"http_port"`
	DirectoryURL       string         `yaml:"directory_url"`
	SharedForOthers    bool           `yaml:"shared_for_others"`
	OwnID              uint64         `yaml:"own_id"`
	OwnPoolID          uint64         `yaml:"own_pool_id"`
	OwnName            string         `yaml:"own_name"`
	RemoteKind         RemoteKind     `yaml:"remote_kind"`
	EnabledPoolID      uint64         `yaml:"enabled_pool_id"`
	EnabledServerID    uint64         `yaml:"enabled_server_id"`
	CustomServers      []CustomServer `yaml:"custom_servers"`
}

// SharedPool is one directory pool with its advertised servers.
type SharedPool struct {
	PoolID      shared.PoolID
	Name        string
	Description string
	Servers     map[shared.ServerID]shared.ServerParams
}

// Manager holds the live settings. The storage, advertising and
// remote-selection mutators fire the updated callback so the owner can
// reapply storage and remote configuration. SetOwnID, ResetOwnID,
// SetOwnPoolID, SetOwnName and UpdateSharedPools change state without
// firing it.
type Manager struct {
	log  *zap.Logger
	path string

	data        fileData
	sharedPools map[shared.PoolID]*SharedPool
	firstLaunch bool

	onUpdated func()
}

// NewManager creates a manager persisting to path.
func NewManager(log *zap.Logger, path string) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:  log,
		path: path,
		data: fileData{
			CacheSizeGB:        DefaultCacheSizeGB,
			FilesCount:         DefaultFilesCount,
			AutoSaveTimeoutMin: DefaultAutoSaveTimeoutMin,
			ListenPort:         constants.DefaultPort,
			HTTPPort:           constants.DefaultHTTPPort,
			RemoteKind:         RemoteNone,
		},
		sharedPools: make(map[shared.PoolID]*SharedPool),
		firstLaunch: true,
	}
}

// SetOnUpdated registers the settings-changed observer.
func (m *Manager) SetOnUpdated(fn func()) {
	m.onUpdated = fn
}

func (m *Manager) notify() {
	if m.onUpdated != nil {
		m.onUpdated()
	}
}

// Load reads the settings file. A missing file keeps the defaults and
// marks the first launch.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.firstLaunch = true
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &m.data); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	m.firstLaunch = false
	return nil
}

// Save writes the settings file.
func (m *Manager) Save() error {
	data, err := yaml.Marshal(&m.data)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create settings folder: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	m.firstLaunch = false
	return nil
}

// IsFirstLaunch reports whether no settings file existed at load time.
func (m *Manager) IsFirstLaunch() bool {
	return m.firstLaunch
}

// Folder returns the cache root folder.
func (m *Manager) Folder() string {
	return m.data.Folder
}

// SetFolder changes the cache root folder.
func (m *Manager) SetFolder(folder string) {
	if m.data.Folder != folder {
		m.data.Folder = folder
		m.notify()
	}
}

// MaxStorageSize converts the configured GiB budget to bytes.
func (m *Manager) MaxStorageSize() uint64 {
	return uint64(m.data.CacheSizeGB * float64(1<<30))
}

// SetCacheSizeGB changes the byte budget.
func (m *Manager) SetCacheSizeGB(size float64) {
	if m.data.CacheSizeGB != size {
		m.data.CacheSizeGB = size
		m.notify()
	}
}

// MaxItemsInMemory returns the fast-tier entry budget.
func (m *Manager) MaxItemsInMemory() uint32 {
	return m.data.FilesCount
}

// SetMaxItemsInMemory changes the fast-tier entry budget.
func (m *Manager) SetMaxItemsInMemory(count uint32) {
	if m.data.FilesCount != count {
		m.data.FilesCount = count
		m.notify()
	}
}

// AutoSaveTimeout converts the configured minutes to a duration.
func (m *Manager) AutoSaveTimeout() time.Duration {
	return time.Duration(m.data.AutoSaveTimeoutMin) * time.Minute
}

// SetAutoSaveTimeoutMin changes the auto-save debounce.
func (m *Manager) SetAutoSaveTimeoutMin(minutes uint64) {
	if m.data.AutoSaveTimeoutMin != minutes {
		m.data.AutoSaveTimeoutMin = minutes
		m.notify()
	}
}

// ListenPort returns the cache protocol port.
func (m *Manager) ListenPort() uint16 {
	return m.data.ListenPort
}

// HTTPPort returns the monitoring port.
func (m *Manager) HTTPPort() uint16 {
	return m.data.HTTPPort
}

// DirectoryURL returns the shared-directory base URL; empty disables the
// directory integration.
func (m *Manager) DirectoryURL() string {
	return m.data.DirectoryURL
}

// IsSharedForOthers reports whether this server wants to be advertised.
func (m *Manager) IsSharedForOthers() bool {
	return m.data.SharedForOthers
}

// SetSharedForOthers toggles advertising.
func (m *Manager) SetSharedForOthers(sharedForOthers bool) {
	if m.data.SharedForOthers != sharedForOthers {
		m.data.SharedForOthers = sharedForOthers
		m.notify()
	}
}

// OwnID returns the directory-assigned id of this server.
func (m *Manager) OwnID() shared.ServerID {
	return m.data.OwnID
}

// SetOwnID records the directory-assigned id.
func (m *Manager) SetOwnID(id shared.ServerID) {
	m.data.OwnID = id
}

// ResetOwnID forgets the directory-assigned id.
func (m *Manager) ResetOwnID() {
	m.data.OwnID = shared.NullServerID
}

// OwnPoolID returns the pool this server registers into.
func (m *Manager) OwnPoolID() shared.PoolID {
	return m.data.OwnPoolID
}

// SetOwnPoolID changes the registration pool.
func (m *Manager) SetOwnPoolID(id shared.PoolID) {
	m.data.OwnPoolID = id
}

// OwnName returns this server's display name.
func (m *Manager) OwnName() string {
	return m.data.OwnName
}

// SetOwnName records the display name, normalized to NFC.
func (m *Manager) SetOwnName(name string) {
	m.data.OwnName = norm.NFC.String(name)
}

// CustomServers returns the user-configured remote list.
func (m *Manager) CustomServers() []CustomServer {
	return m.data.CustomServers
}

// AddCustomServer appends a user-configured remote.
func (m *Manager) AddCustomServer(server CustomServer) {
	m.data.CustomServers = append(m.data.CustomServers, server)
	m.notify()
}

// RemoveCustomServer deletes the remote with the given address.
func (m *Manager) RemoveCustomServer(addr string) {
	for i, server := range m.data.CustomServers {
		if server.Addr == addr {
			m.data.CustomServers = append(m.data.CustomServers[:i], m.data.CustomServers[i+1:]...)
			m.notify()
			return
		}
	}
}

// EnableSharedPool selects a whole pool as the remote source.
func (m *Manager) EnableSharedPool(poolID shared.PoolID) {
	m.data.RemoteKind = RemotePool
	m.data.EnabledPoolID = poolID
	m.data.EnabledServerID = shared.NullServerID
	m.notify()
}

// EnableSharedServer selects one pool server as the remote source.
func (m *Manager) EnableSharedServer(poolID shared.PoolID, serverID shared.ServerID) {
	m.data.RemoteKind = RemotePoolServer
	m.data.EnabledPoolID = poolID
	m.data.EnabledServerID = serverID
	m.notify()
}

// EnableCustomServers selects the custom list as the remote source.
func (m *Manager) EnableCustomServers() {
	m.data.RemoteKind = RemoteCustom
	m.notify()
}

// DisableRemote turns the upstream off.
func (m *Manager) DisableRemote() {
	m.data.RemoteKind = RemoteNone
	m.data.EnabledPoolID = shared.NullPoolID
	m.data.EnabledServerID = shared.NullServerID
	m.notify()
}

// RemoteKindSelected returns the current remote source kind.
func (m *Manager) RemoteKindSelected() RemoteKind {
	return m.data.RemoteKind
}

// UpdateSharedPools replaces the runtime directory state with a fresh
// listing. Servers referencing an unknown pool get a bare pool record.
func (m *Manager) UpdateSharedPools(pools []shared.PoolParams, servers []shared.ServerParams) {
	updated := make(map[shared.PoolID]*SharedPool, len(pools))
	for _, p := range pools {
		updated[p.PoolID] = &SharedPool{
			PoolID:      p.PoolID,
			Name:        p.Name,
			Description: p.Description,
			Servers:     make(map[shared.ServerID]shared.ServerParams),
		}
	}

	for _, s := range servers {
		pool, ok := updated[s.PoolID]
		if !ok {
			pool = &SharedPool{
				PoolID:  s.PoolID,
				Servers: make(map[shared.ServerID]shared.ServerParams),
			}
			updated[s.PoolID] = pool
		}
		pool.Servers[s.ServerID] = s
	}

	m.sharedPools = updated
}

// SharedPools returns the runtime directory state.
func (m *Manager) SharedPools() map[shared.PoolID]*SharedPool {
	return m.sharedPools
}

// EnabledRemoteServers derives the ordered candidate list: enabled custom
// servers first (in configured order), then servers derived from the
// enabled pool or pool server in a stable order. This server's own
// directory id is never a candidate for itself.
func (m *Manager) EnabledRemoteServers() []remote.Params {
	if m.data.RemoteKind == RemoteNone {
		return nil
	}

	var candidates []remote.Params
	for _, server := range m.data.CustomServers {
		if server.Enabled {
			candidates = append(candidates, remote.Params{Addr: server.Addr})
		}
	}

	switch m.data.RemoteKind {
	case RemotePool:
		pool, ok := m.sharedPools[m.data.EnabledPoolID]
		if !ok {
			break
		}
		ids := make([]shared.ServerID, 0, len(pool.Servers))
		for id := range pool.Servers {
			if id != m.data.OwnID {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			server := pool.Servers[id]
			candidates = append(candidates, remote.Params{
				Addr: fmt.Sprintf("%s:%d", server.IP, server.Port),
			})
		}

	case RemotePoolServer:
		pool, ok := m.sharedPools[m.data.EnabledPoolID]
		if !ok {
			break
		}
		server, ok := pool.Servers[m.data.EnabledServerID]
		if !ok || server.ServerID == m.data.OwnID {
			break
		}
		candidates = append(candidates, remote.Params{
			Addr: fmt.Sprintf("%s:%d", server.IP, server.Port),
		})
	}

	return candidates
}
