// Package cachedb implements the on-disk content-addressed store with a
// two-tier cache: a full tier covering every persisted entry (values may
// be unfetched) and a count-bounded fast tier whose entries always hold
// resident blob bytes. Both tiers evict least-recently-used first; the
// full tier by byte budget, the fast tier by item count.
package cachedb

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/value"
)

// SnapshotFileName is the snapshot file inside the cache root folder.
const SnapshotFileName = "cache.dat"

// SizeChangedFunc observes occupied/overall storage size transitions.
type SizeChangedFunc func(occupied, overall uint64)

// DB is the storage engine. It is not safe for concurrent use: all public
// methods must be called from the owning event loop. The only cross-thread
// member is the dirty flag, which a transport thread may observe.
type DB struct {
	log           *zap.Logger
	onSizeChanged SizeChangedFunc
	now           func() time.Time
	metrics       *metrics

	rootFolder       string
	maxStorageSize   uint64
	maxItemsInMemory uint32

	occupiedSize  uint64
	accessCounter uint64

	autoSaveTimeout time.Duration
	lastSaveTime    time.Time

	fullCache map[key.Key]*Entry
	fastCache map[key.Key]*Entry

	dbStateChanged atomic.Bool
}

// New creates an empty engine. onSizeChanged may be nil; reg may be nil
// to skip metric registration; now defaults to time.Now.
func New(log *zap.Logger, onSizeChanged SizeChangedFunc, reg prometheus.Registerer, now func() time.Time) *DB {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}

	return &DB{
		log:           log,
		onSizeChanged: onSizeChanged,
		now:           now,
		metrics:       newMetrics(reg),
		fullCache:     make(map[key.Key]*Entry),
		fastCache:     make(map[key.Key]*Entry),
	}
}

// Path returns the current cache root folder.
func (db *DB) Path() string {
	return db.rootFolder
}

// StorageSize returns the configured byte budget.
func (db *DB) StorageSize() uint64 {
	return db.maxStorageSize
}

// OccupiedSize returns the bytes currently accounted to stored values.
func (db *DB) OccupiedSize() uint64 {
	return db.occupiedSize
}

// AvailableSize returns the remaining byte budget, 0 when full.
func (db *DB) AvailableSize() uint64 {
	if db.occupiedSize >= db.maxStorageSize {
		return 0
	}
	return db.maxStorageSize - db.occupiedSize
}

// ItemsCount returns the number of entries in the full tier.
func (db *DB) ItemsCount() uint64 {
	return uint64(len(db.fullCache))
}

// StateChanged reports whether the store has unsaved changes.
func (db *DB) StateChanged() bool {
	return db.dbStateChanged.Load()
}

func (db *DB) notifySizeChanged() {
	db.metrics.occupied.Set(float64(db.occupiedSize))
	db.metrics.entries.Set(float64(len(db.fullCache)))
	if db.onSizeChanged != nil {
		db.onSizeChanged(db.occupiedSize, db.maxStorageSize)
	}
}

// UpdateSettings applies a settings change. A folder change unloads the
// current state and loads from the new location; budget shrinks evict
// immediately. Any change that mutated the full tier triggers a
// synchronous save.
func (db *DB) UpdateSettings(folder string, maxSize uint64, maxItemsInMemory uint32, autoSaveTimeout time.Duration) {
	fullCacheChanged := false

	if db.rootFolder != folder {
		if db.rootFolder != "" {
			db.log.Info("cache folder changed",
				zap.String("was", db.rootFolder),
				zap.String("now", folder))
			db.unload()
		}

		db.rootFolder = folder
		db.Load()
		fullCacheChanged = true
	}

	if db.maxStorageSize != maxSize {
		db.reduceFullCacheToSize(maxSize)
		fullCacheChanged = true

		db.maxStorageSize = maxSize
		db.notifySizeChanged()
	}

	if db.maxItemsInMemory != maxItemsInMemory {
		if db.maxItemsInMemory > maxItemsInMemory {
			db.reduceFastCacheByCount(db.maxItemsInMemory - maxItemsInMemory)
		}
		db.maxItemsInMemory = maxItemsInMemory
	}

	db.autoSaveTimeout = autoSaveTimeout

	if fullCacheChanged {
		db.Save()
	}
}

// Get returns the entry for k with its blobs resident, or nil on miss.
// A full-tier hit is materialized from disk and promoted into the fast
// tier; a materialization failure evicts the entry.
func (db *DB) Get(k key.Key) *Entry {
	if entry, ok := db.fastCache[k]; ok {
		db.metrics.hits.Inc()
		db.touch(entry)
		return entry
	}

	entry, ok := db.fullCache[k]
	if !ok {
		db.metrics.misses.Inc()
		return nil
	}

	dir := k.FolderPath(db.rootFolder)
	if err := entry.Fetch(dir); err != nil {
		db.log.Error("fetch failed, entry will be removed from cache",
			zap.String("key", k.Brief()),
			zap.Error(err))
		db.Remove(k)
		db.metrics.misses.Inc()
		return nil
	}

	db.metrics.hits.Inc()
	db.touch(entry)

	if db.maxItemsInMemory == 0 {
		// Fast tier is disabled: hand the caller the materialized
		// blobs and drop residency right away.
		detached := NewEntry(detachValue(entry.Value()))
		detached.accessTimestamp = entry.accessTimestamp
		entry.Free()
		return detached
	}

	db.insertInFastCache(k, entry)
	return entry
}

// detachValue builds a fetched value sharing the entry's blob bytes so
// the entry itself can be freed.
func detachValue(v *value.Value) *value.Value {
	clone := value.New()
	for _, b := range v.Blobs() {
		clone.AddBlob(b.Name, b.Data)
	}
	clone.SetDescription(v.Description())
	return clone
}

// Insert stores v under k, replacing any previous entry. A value larger
// than the byte budget is dropped, with a warning unless the budget is
// zero. The new entry is
// written to its on-disk directory, promoted into the fast tier, and the
// full tier is evicted down to budget.
func (db *DB) Insert(k key.Key, v *value.Value) {
	if v.Size() > db.maxStorageSize {
		if db.maxStorageSize > 0 {
			db.log.Warn("inserted data is bigger than max storage size",
				zap.Uint64("dataSize", v.Size()),
				zap.Uint64("maxStorageSize", db.maxStorageSize))
		}
		return
	}

	if _, ok := db.fullCache[k]; ok {
		db.Remove(k)
	}

	db.log.Debug("inserting into cache", zap.String("key", k.Brief()))

	entry := NewEntry(v)
	db.fullCache[k] = entry

	dir := k.FolderPath(db.rootFolder)
	if err := v.ExportToFolder(dir); err != nil {
		db.log.Error("cannot export entry to folder",
			zap.String("key", k.Brief()),
			zap.String("dir", dir),
			zap.Error(err))
	}

	db.touch(entry)
	db.occupiedSize += v.Size()
	db.notifySizeChanged()

	db.insertInFastCache(k, entry)

	if db.occupiedSize > db.maxStorageSize {
		db.reduceFullCacheToSize(db.maxStorageSize)
	}

	db.dbStateChanged.Store(true)
}

// Remove deletes k from both tiers and its directory from disk. It
// reports whether an entry existed.
func (db *DB) Remove(k key.Key) bool {
	if _, ok := db.fullCache[k]; !ok {
		return false
	}

	db.removeFromFastCache(k)
	db.removeFromFullCache(k)
	db.dbStateChanged.Store(true)
	return true
}

// ClearStorage evicts every entry.
func (db *DB) ClearStorage() {
	db.reduceFullCacheToSize(0)
}

// UpdateAccessTimestamp touches k without materializing it.
func (db *DB) UpdateAccessTimestamp(k key.Key) {
	if entry, ok := db.fullCache[k]; ok {
		db.touch(entry)
	}
}

// Update runs the auto-save check; the driver calls it on the fast tick.
func (db *DB) Update() {
	if db.dbStateChanged.Load() && db.autoSaveTimeout != 0 {
		if db.now().Sub(db.lastSaveTime) > db.autoSaveTimeout {
			db.Save()
		}
	}
}

func (db *DB) touch(entry *Entry) {
	if entry == nil {
		return
	}
	db.accessCounter++
	entry.accessTimestamp = db.accessCounter
	db.dbStateChanged.Store(true)
}

func (db *DB) insertInFastCache(k key.Key, entry *Entry) {
	if db.maxItemsInMemory == 0 {
		entry.Free()
		return
	}
	if _, ok := db.fastCache[k]; ok {
		return
	}

	if uint32(len(db.fastCache)) == db.maxItemsInMemory {
		db.reduceFastCacheByCount(1)
	}

	db.fastCache[k] = entry
}

func (db *DB) removeFromFastCache(k key.Key) {
	if entry, ok := db.fastCache[k]; ok {
		entry.Free()
		delete(db.fastCache, k)
	}
}

func (db *DB) removeFromFullCache(k key.Key) {
	entry := db.fullCache[k]

	dir := k.FolderPath(db.rootFolder)
	if err := removeEntryDir(dir); err != nil {
		db.log.Error("cannot delete entry folder", zap.String("dir", dir), zap.Error(err))
	}

	itemSize := entry.Value().Size()
	if itemSize > db.occupiedSize {
		db.log.Warn("entry size exceeds occupied size",
			zap.Uint64("itemSize", itemSize),
			zap.Uint64("occupiedSize", db.occupiedSize))
		itemSize = db.occupiedSize
	}
	db.occupiedSize -= itemSize

	db.log.Debug("removing from full cache", zap.String("key", k.Brief()))
	delete(db.fullCache, k)
	db.notifySizeChanged()
}

func (db *DB) reduceFullCacheToSize(toSize uint64) {
	for db.occupiedSize > toSize {
		oldest, ok := oldestKey(db.fullCache)
		if !ok {
			db.log.Warn("occupied size should be zero with an empty cache",
				zap.Uint64("occupiedSize", db.occupiedSize))
			db.occupiedSize = 0
			db.notifySizeChanged()
			return
		}

		db.metrics.evictions.Inc()
		db.removeFromFastCache(oldest)
		db.removeFromFullCache(oldest)
		db.dbStateChanged.Store(true)
	}
}

func (db *DB) reduceFastCacheByCount(countToRemove uint32) {
	for ; countToRemove > 0; countToRemove-- {
		oldest, ok := oldestKey(db.fastCache)
		if !ok {
			return
		}
		db.removeFromFastCache(oldest)
	}
}

// oldestKey scans a tier for the entry with the smallest access token.
func oldestKey(m map[key.Key]*Entry) (key.Key, bool) {
	var (
		oldest key.Key
		best   uint64
		found  bool
	)
	for k, entry := range m {
		if !found || entry.accessTimestamp < best {
			oldest = k
			best = entry.accessTimestamp
			found = true
		}
	}
	return oldest, found
}

// unload saves the snapshot and drops all in-memory state.
func (db *DB) unload() {
	db.Save()

	for _, entry := range db.fastCache {
		entry.Free()
	}

	db.fastCache = make(map[key.Key]*Entry)
	db.fullCache = make(map[key.Key]*Entry)
	db.occupiedSize = 0
	db.notifySizeChanged()
}
