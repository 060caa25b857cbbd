package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildstash/stash/internal/remote"
	"github.com/buildstash/stash/internal/shared"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nil, filepath.Join(t.TempDir(), "stash.yaml"))
}

func TestFirstLaunchAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stash.yaml")

	m := NewManager(nil, path)
	require.NoError(t, m.Load())
	assert.True(t, m.IsFirstLaunch())

	m.SetFolder("/var/cache/stash")
	m.SetCacheSizeGB(2.5)
	m.SetMaxItemsInMemory(64)
	m.SetAutoSaveTimeoutMin(3)
	m.SetOwnName("builder")
	m.AddCustomServer(CustomServer{Addr: "10.0.0.1:44334", Enabled: true})
	require.NoError(t, m.Save())

	reloaded := NewManager(nil, path)
	require.NoError(t, reloaded.Load())
	assert.False(t, reloaded.IsFirstLaunch())
	assert.Equal(t, "/var/cache/stash", reloaded.Folder())
	assert.Equal(t, uint64(2.5*float64(1<<30)), reloaded.MaxStorageSize())
	assert.Equal(t, uint32(64), reloaded.MaxItemsInMemory())
	assert.Equal(t, "builder", reloaded.OwnName())
	require.Len(t, reloaded.CustomServers(), 1)
	assert.Equal(t, "10.0.0.1:44334", reloaded.CustomServers()[0].Addr)
}

func TestOwnNameNormalized(t *testing.T) {
	m := newTestManager(t)

	// NFD input (e + combining acute) must normalize to the NFC form
	m.SetOwnName("builder-e\u0301")
	assert.Equal(t, "builder-\u00e9", m.OwnName())
}

func TestUpdatedCallbackFires(t *testing.T) {
	m := newTestManager(t)

	fired := 0
	m.SetOnUpdated(func() { fired++ })

	m.SetCacheSizeGB(1)
	assert.Equal(t, 1, fired)

	// Unchanged value must not notify
	m.SetCacheSizeGB(1)
	assert.Equal(t, 1, fired)
}

func TestEnabledRemoteServersCustom(t *testing.T) {
	m := newTestManager(t)
	m.AddCustomServer(CustomServer{Addr: "a:1", Enabled: true})
	m.AddCustomServer(CustomServer{Addr: "b:2", Enabled: false})
	m.AddCustomServer(CustomServer{Addr: "c:3", Enabled: true})

	assert.Empty(t, m.EnabledRemoteServers(), "no remote kind selected yet")

	m.EnableCustomServers()
	assert.Equal(t, []remote.Params{{Addr: "a:1"}, {Addr: "c:3"}}, m.EnabledRemoteServers())
}

func directoryState() ([]shared.PoolParams, []shared.ServerParams) {
	pools := []shared.PoolParams{{PoolID: 7, Name: "pool"}}
	servers := []shared.ServerParams{
		{ServerID: 3, PoolID: 7, Name: "gamma", IP: "10.0.0.3", Port: 4000},
		{ServerID: 1, PoolID: 7, Name: "alpha", IP: "10.0.0.1", Port: 4000},
		{ServerID: 2, PoolID: 7, Name: "beta", IP: "10.0.0.2", Port: 4000},
	}
	return pools, servers
}

func TestEnabledRemoteServersPoolStableOrder(t *testing.T) {
	m := newTestManager(t)
	m.UpdateSharedPools(directoryState())
	m.EnableSharedPool(7)

	want := []remote.Params{
		{Addr: "10.0.0.1:4000"},
		{Addr: "10.0.0.2:4000"},
		{Addr: "10.0.0.3:4000"},
	}
	assert.Equal(t, want, m.EnabledRemoteServers())

	// Recomputing yields the same order
	assert.Equal(t, want, m.EnabledRemoteServers())
}

func TestEnabledRemoteServersPoolExcludesSelf(t *testing.T) {
	m := newTestManager(t)
	m.UpdateSharedPools(directoryState())
	m.SetOwnID(2)
	m.EnableSharedPool(7)

	want := []remote.Params{
		{Addr: "10.0.0.1:4000"},
		{Addr: "10.0.0.3:4000"},
	}
	assert.Equal(t, want, m.EnabledRemoteServers())
}

func TestEnabledRemoteServersPoolServer(t *testing.T) {
	m := newTestManager(t)
	m.UpdateSharedPools(directoryState())
	m.EnableSharedServer(7, 2)

	assert.Equal(t, []remote.Params{{Addr: "10.0.0.2:4000"}}, m.EnabledRemoteServers())

	m.DisableRemote()
	assert.Empty(t, m.EnabledRemoteServers())
}

func TestCustomServersPrependPoolDerived(t *testing.T) {
	m := newTestManager(t)
	m.UpdateSharedPools(directoryState())
	m.AddCustomServer(CustomServer{Addr: "custom:1", Enabled: true})
	m.EnableSharedServer(7, 1)

	assert.Equal(t, []remote.Params{
		{Addr: "custom:1"},
		{Addr: "10.0.0.1:4000"},
	}, m.EnabledRemoteServers())
}

func TestServersForUnknownPoolGetBareRecord(t *testing.T) {
	m := newTestManager(t)
	servers := []shared.ServerParams{{ServerID: 9, PoolID: 42, IP: "10.1.1.9", Port: 4000}}
	m.UpdateSharedPools(nil, servers)

	pool, ok := m.SharedPools()[42]
	require.True(t, ok)
	assert.Len(t, pool.Servers, 1)
}

func TestRemoveCustomServer(t *testing.T) {
	m := newTestManager(t)
	m.AddCustomServer(CustomServer{Addr: "a:1", Enabled: true})
	m.AddCustomServer(CustomServer{Addr: "b:2", Enabled: true})

	m.RemoveCustomServer("a:1")
	require.Len(t, m.CustomServers(), 1)
	assert.Equal(t, "b:2", m.CustomServers()[0].Addr)
}
