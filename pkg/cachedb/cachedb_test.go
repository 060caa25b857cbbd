package cachedb

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/value"
)

func newTestDB(t *testing.T, maxSize uint64, maxItems uint32) *DB {
	t.Helper()
	db := New(nil, nil, nil, nil)
	db.UpdateSettings(t.TempDir(), maxSize, maxItems, 0)
	return db
}

// makeValue builds a fetched value with a single blob of n payload bytes
// filled with fill, serialized so its size is fixed.
func makeValue(t *testing.T, n int, fill byte) *value.Value {
	t.Helper()
	v := value.New()
	v.AddBlob("payload", bytes.Repeat([]byte{fill}, n))
	if _, err := v.Serialize(); err != nil {
		t.Fatalf("serialize test value: %v", err)
	}
	return v
}

func checkInvariants(t *testing.T, db *DB) {
	t.Helper()

	sum := uint64(0)
	for _, entry := range db.fullCache {
		sum += entry.Value().Size()
	}
	if db.occupiedSize != sum {
		t.Errorf("occupiedSize %d != sum of entry sizes %d", db.occupiedSize, sum)
	}
	if db.occupiedSize > db.maxStorageSize {
		t.Errorf("occupiedSize %d exceeds budget %d", db.occupiedSize, db.maxStorageSize)
	}

	for k := range db.fastCache {
		if _, ok := db.fullCache[k]; !ok {
			t.Errorf("fast cache key %s is not in the full cache", k.Brief())
		}
	}
	if db.maxItemsInMemory > 0 && uint32(len(db.fastCache)) > db.maxItemsInMemory {
		t.Errorf("fast cache holds %d entries, budget is %d", len(db.fastCache), db.maxItemsInMemory)
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	db := newTestDB(t, 1<<20, 4)

	k := key.FromData([]byte("round trip"))
	v := makeValue(t, 1024, 0xab)
	wantSize := v.Size()

	db.Insert(k, v)
	checkInvariants(t, db)

	if db.OccupiedSize() != wantSize {
		t.Errorf("occupied: got %d, want %d", db.OccupiedSize(), wantSize)
	}

	entry := db.Get(k)
	if entry == nil {
		t.Fatal("Get returned nil after Insert")
	}
	blobs := entry.Value().Blobs()
	if len(blobs) != 1 || !bytes.Equal(blobs[0].Data, bytes.Repeat([]byte{0xab}, 1024)) {
		t.Error("returned blob bytes differ from inserted bytes")
	}
}

func TestLastWriterWins(t *testing.T) {
	db := newTestDB(t, 1<<20, 4)
	k := key.FromData([]byte("overwrite"))

	db.Insert(k, makeValue(t, 100, 0x01))
	v2 := makeValue(t, 200, 0x02)
	db.Insert(k, v2)
	checkInvariants(t, db)

	if db.OccupiedSize() != v2.Size() {
		t.Errorf("occupied after overwrite: got %d, want %d", db.OccupiedSize(), v2.Size())
	}

	entry := db.Get(k)
	if entry == nil {
		t.Fatal("Get returned nil")
	}
	if got := entry.Value().Blobs()[0].Data; !bytes.Equal(got, bytes.Repeat([]byte{0x02}, 200)) {
		t.Error("Get did not return the last written value")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	db := newTestDB(t, 1<<20, 4)
	k := key.FromData([]byte("removable"))
	db.Insert(k, makeValue(t, 64, 0x11))

	if !db.Remove(k) {
		t.Error("first Remove reported nothing removed")
	}
	if db.Get(k) != nil {
		t.Error("Get returned an entry after Remove")
	}
	if db.Remove(k) {
		t.Error("second Remove reported something removed")
	}
	if db.OccupiedSize() != 0 {
		t.Errorf("occupied after remove: got %d, want 0", db.OccupiedSize())
	}
	checkInvariants(t, db)
}

func TestLRUByteEviction(t *testing.T) {
	sample := makeValue(t, 100, 0)
	entrySize := sample.Size()

	db := newTestDB(t, 3*entrySize, 100)

	k1 := key.FromData([]byte("k1"))
	k2 := key.FromData([]byte("k2"))
	k3 := key.FromData([]byte("k3"))
	k4 := key.FromData([]byte("k4"))

	db.Insert(k1, makeValue(t, 100, 1))
	db.Insert(k2, makeValue(t, 100, 2))
	db.Insert(k3, makeValue(t, 100, 3))

	// Touch k1 so k2 becomes the least recently used entry
	if db.Get(k1) == nil {
		t.Fatal("Get(k1) missed")
	}

	db.Insert(k4, makeValue(t, 100, 4))
	checkInvariants(t, db)

	if _, ok := db.fullCache[k2]; ok {
		t.Error("k2 survived eviction although it was least recently used")
	}
	for _, k := range []key.Key{k1, k3, k4} {
		if _, ok := db.fullCache[k]; !ok {
			t.Errorf("%s was evicted unexpectedly", k.Brief())
		}
	}
	if db.OccupiedSize() != 3*entrySize {
		t.Errorf("occupied: got %d, want %d", db.OccupiedSize(), 3*entrySize)
	}
}

func TestFastCacheCountEviction(t *testing.T) {
	db := newTestDB(t, 1<<20, 2)

	k1 := key.FromData([]byte("k1"))
	k2 := key.FromData([]byte("k2"))
	k3 := key.FromData([]byte("k3"))

	db.Insert(k1, makeValue(t, 10, 1))
	db.Insert(k2, makeValue(t, 10, 2))
	db.Insert(k3, makeValue(t, 10, 3))
	checkInvariants(t, db)

	if len(db.fastCache) != 2 {
		t.Fatalf("fast cache size: got %d, want 2", len(db.fastCache))
	}
	if _, ok := db.fastCache[k1]; ok {
		t.Error("k1 is still in the fast cache")
	}
	for _, k := range []key.Key{k2, k3} {
		if _, ok := db.fastCache[k]; !ok {
			t.Errorf("%s missing from the fast cache", k.Brief())
		}
	}
	if _, ok := db.fullCache[k1]; !ok {
		t.Error("k1 missing from the full cache")
	}
}

func TestSnapshotPersistence(t *testing.T) {
	folder := t.TempDir()

	db := New(nil, nil, nil, nil)
	db.UpdateSettings(folder, 1<<20, 4, 0)

	k := key.FromData([]byte("persisted"))
	db.Insert(k, makeValue(t, 512, 0xcd))
	wantToken := db.fullCache[k].Timestamp()
	db.Save()

	reloaded := New(nil, nil, nil, nil)
	reloaded.UpdateSettings(folder, 1<<20, 4, 0)

	entry, ok := reloaded.fullCache[k]
	if !ok {
		t.Fatal("entry missing after reload")
	}
	if entry.Timestamp() != wantToken {
		t.Errorf("access token: got %d, want %d", entry.Timestamp(), wantToken)
	}

	got := reloaded.Get(k)
	if got == nil {
		t.Fatal("Get missed after reload")
	}
	if !bytes.Equal(got.Value().Blobs()[0].Data, bytes.Repeat([]byte{0xcd}, 512)) {
		t.Error("blob bytes differ after reload")
	}
	checkInvariants(t, reloaded)
}

func TestSnapshotKeySetSurvives(t *testing.T) {
	folder := t.TempDir()

	db := New(nil, nil, nil, nil)
	db.UpdateSettings(folder, 1<<20, 4, 0)

	want := make(map[key.Key]uint64)
	for i := 0; i < 8; i++ {
		k := key.FromData([]byte(fmt.Sprintf("item-%d", i)))
		v := makeValue(t, 50+i, byte(i))
		db.Insert(k, v)
		want[k] = v.Size()
	}
	db.Save()

	reloaded := New(nil, nil, nil, nil)
	reloaded.UpdateSettings(folder, 1<<20, 4, 0)

	if len(reloaded.fullCache) != len(want) {
		t.Fatalf("entry count: got %d, want %d", len(reloaded.fullCache), len(want))
	}
	for k, size := range want {
		entry, ok := reloaded.fullCache[k]
		if !ok {
			t.Errorf("%s missing after reload", k.Brief())
			continue
		}
		if entry.Value().Size() != size {
			t.Errorf("%s size: got %d, want %d", k.Brief(), entry.Value().Size(), size)
		}
	}
}

func TestOversizedInsertIsNoOp(t *testing.T) {
	db := newTestDB(t, 64, 4)

	k := key.FromData([]byte("too big"))
	db.Insert(k, makeValue(t, 1024, 0xff))
	checkInvariants(t, db)

	if db.OccupiedSize() != 0 {
		t.Errorf("occupied: got %d, want 0", db.OccupiedSize())
	}
	if db.Get(k) != nil {
		t.Error("oversized value was stored")
	}
}

func TestZeroBudgetRejectsEverything(t *testing.T) {
	db := newTestDB(t, 0, 4)

	for i := 0; i < 3; i++ {
		db.Insert(key.FromData([]byte{byte(i)}), makeValue(t, 16, byte(i)))
	}
	if db.OccupiedSize() != 0 {
		t.Errorf("occupied: got %d, want 0", db.OccupiedSize())
	}
	if len(db.fullCache) != 0 {
		t.Errorf("full cache holds %d entries, want 0", len(db.fullCache))
	}
}

func TestZeroItemsInMemory(t *testing.T) {
	db := newTestDB(t, 1<<20, 0)

	k := key.FromData([]byte("disk only"))
	db.Insert(k, makeValue(t, 256, 0x77))

	if len(db.fastCache) != 0 {
		t.Fatalf("fast cache holds %d entries, want 0", len(db.fastCache))
	}

	for i := 0; i < 2; i++ {
		entry := db.Get(k)
		if entry == nil {
			t.Fatalf("Get missed on pass %d", i)
		}
		if !bytes.Equal(entry.Value().Blobs()[0].Data, bytes.Repeat([]byte{0x77}, 256)) {
			t.Errorf("blob bytes differ on pass %d", i)
		}
		if len(db.fastCache) != 0 {
			t.Errorf("fast cache grew on pass %d", i)
		}
	}
	checkInvariants(t, db)
}

func TestShrinkBudgetEvicts(t *testing.T) {
	sample := makeValue(t, 100, 0)
	entrySize := sample.Size()

	folder := t.TempDir()
	db := New(nil, nil, nil, nil)
	db.UpdateSettings(folder, 4*entrySize, 10, 0)

	keys := make([]key.Key, 4)
	for i := range keys {
		keys[i] = key.FromData([]byte{byte(i)})
		db.Insert(keys[i], makeValue(t, 100, byte(i)))
	}

	db.UpdateSettings(folder, 2*entrySize, 10, 0)
	checkInvariants(t, db)

	if len(db.fullCache) != 2 {
		t.Fatalf("entry count after shrink: got %d, want 2", len(db.fullCache))
	}
	for _, k := range keys[2:] {
		if _, ok := db.fullCache[k]; !ok {
			t.Errorf("recently used %s was evicted", k.Brief())
		}
	}
}

func TestClearStorage(t *testing.T) {
	db := newTestDB(t, 1<<20, 4)

	for i := 0; i < 5; i++ {
		db.Insert(key.FromData([]byte{byte(i)}), makeValue(t, 32, byte(i)))
	}

	db.ClearStorage()
	checkInvariants(t, db)

	if db.OccupiedSize() != 0 || len(db.fullCache) != 0 || len(db.fastCache) != 0 {
		t.Errorf("state after clear: occupied %d, full %d, fast %d",
			db.OccupiedSize(), len(db.fullCache), len(db.fastCache))
	}
}

func TestBadSnapshotVersionRefused(t *testing.T) {
	folder := t.TempDir()

	db := New(nil, nil, nil, nil)
	db.UpdateSettings(folder, 1<<20, 4, 0)
	db.Insert(key.FromData([]byte("entry")), makeValue(t, 32, 1))
	db.Save()

	// Corrupt the version field by rewriting the snapshot header
	rewriteSnapshotVersion(t, db.snapshotPath(), 2)

	reloaded := New(nil, nil, nil, nil)
	reloaded.UpdateSettings(folder, 1<<20, 4, 0)

	if len(reloaded.fullCache) != 0 {
		t.Errorf("cache loaded %d entries from an unknown version", len(reloaded.fullCache))
	}
}

func TestCorruptEntryEvictedOnGet(t *testing.T) {
	db := newTestDB(t, 1<<20, 2)

	k1 := key.FromData([]byte("victim"))
	k2 := key.FromData([]byte("other"))
	db.Insert(k1, makeValue(t, 128, 0x01))
	db.Insert(k2, makeValue(t, 128, 0x02))

	// Push k1 out of the fast cache, then destroy its blob directory
	db.Insert(key.FromData([]byte("third")), makeValue(t, 128, 0x03))
	if _, ok := db.fastCache[k1]; ok {
		t.Fatal("k1 is still resident; cannot exercise materialization")
	}
	if err := removeEntryDir(k1.FolderPath(db.rootFolder)); err != nil {
		t.Fatal(err)
	}

	if db.Get(k1) != nil {
		t.Error("Get returned an entry whose blobs are gone from disk")
	}
	if _, ok := db.fullCache[k1]; ok {
		t.Error("corrupt entry was not evicted")
	}
	checkInvariants(t, db)
}

func TestAutoSave(t *testing.T) {
	now := time.Unix(1000, 0)
	db := New(nil, nil, nil, func() time.Time { return now })
	db.UpdateSettings(t.TempDir(), 1<<20, 4, 100*time.Millisecond)

	db.Insert(key.FromData([]byte("dirty")), makeValue(t, 32, 1))
	if !db.StateChanged() {
		t.Fatal("insert did not mark the state dirty")
	}

	// Within the debounce window nothing is written
	now = now.Add(50 * time.Millisecond)
	db.Update()
	if !db.StateChanged() {
		t.Fatal("auto-save fired before the timeout elapsed")
	}

	now = now.Add(200 * time.Millisecond)
	db.Update()
	if db.StateChanged() {
		t.Error("auto-save did not fire after the timeout elapsed")
	}
}

func TestAvailableSize(t *testing.T) {
	db := newTestDB(t, 1000, 4)
	if got := db.AvailableSize(); got != 1000 {
		t.Errorf("empty: got %d, want 1000", got)
	}

	db.occupiedSize = 1000
	if got := db.AvailableSize(); got != 0 {
		t.Errorf("full: got %d, want 0", got)
	}
}
