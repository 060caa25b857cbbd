package cachedb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/buildstash/stash/pkg/codec/karchive"
	"github.com/buildstash/stash/pkg/constants"
	"github.com/buildstash/stash/pkg/key"
)

// ErrSnapshotFormat marks a snapshot with a wrong signature or version.
// Load logs it and leaves the cache empty; no migration is attempted.
var ErrSnapshotFormat = errors.New("unrecognized snapshot format")

func (db *DB) snapshotPath() string {
	return filepath.Join(db.rootFolder, SnapshotFileName)
}

// Save writes the snapshot file: a header archive followed by a body
// archive holding metadata for every full-tier entry. The file is written
// to a temporary name and renamed into place. Failures are logged; the
// in-memory state stays authoritative.
func (db *DB) Save() {
	if err := os.MkdirAll(db.rootFolder, 0o755); err != nil {
		db.log.Error("cannot create cache folder", zap.String("folder", db.rootFolder), zap.Error(err))
		return
	}

	if err := db.writeSnapshot(); err != nil {
		db.log.Error("cannot save cache snapshot", zap.String("path", db.snapshotPath()), zap.Error(err))
		return
	}

	db.dbStateChanged.Store(false)
	db.lastSaveTime = db.now()
}

func (db *DB) writeSnapshot() error {
	tmp, err := os.CreateTemp(db.rootFolder, SnapshotFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	header := karchive.New()
	header.SetString("signature", constants.SnapshotSignature)
	header.SetUint32("version", constants.SnapshotVersion)
	header.SetUint64("itemsCount", uint64(len(db.fullCache)))
	if _, err := header.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}

	body := karchive.New()
	index := 0
	for k, entry := range db.fullCache {
		itemAr := karchive.New()
		entry.serialize(k, itemAr)
		body.SetArchive(fmt.Sprintf("item_%d", index), itemAr)
		index++
	}
	if _, err := body.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write body: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, db.snapshotPath()); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Load reads the snapshot from the current root folder into the empty
// store. A missing file leaves the cache empty without error; a bad
// signature or version refuses the whole file.
func (db *DB) Load() {
	if len(db.fastCache) != 0 || len(db.fullCache) != 0 {
		panic("cachedb: Load called on a non-empty store")
	}

	if err := db.readSnapshot(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		db.log.Error("cannot load cache snapshot", zap.String("path", db.snapshotPath()), zap.Error(err))
		return
	}

	db.notifySizeChanged()
	db.dbStateChanged.Store(false)
}

func (db *DB) readSnapshot() error {
	file, err := os.Open(db.snapshotPath())
	if err != nil {
		return err
	}
	defer file.Close()

	header := karchive.New()
	if _, err := header.ReadFrom(file); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	if sig, _ := header.GetString("signature"); sig != constants.SnapshotSignature {
		return fmt.Errorf("%w: signature %q", ErrSnapshotFormat, sig)
	}
	if ver, _ := header.GetUint32("version"); ver != constants.SnapshotVersion {
		return fmt.Errorf("%w: version %d", ErrSnapshotFormat, ver)
	}

	itemsCount, _ := header.GetUint64("itemsCount")

	body := karchive.New()
	if _, err := body.ReadFrom(file); err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	occupied := uint64(0)
	maxToken := uint64(0)
	loaded := make(map[key.Key]*Entry, itemsCount)
	for i := uint64(0); i < itemsCount; i++ {
		itemAr, ok := body.GetArchive(fmt.Sprintf("item_%d", i))
		if !ok {
			return fmt.Errorf("snapshot body is missing item %d", i)
		}

		k, entry, err := deserializeEntry(itemAr)
		if err != nil {
			return err
		}

		occupied += entry.Value().Size()
		if entry.accessTimestamp > maxToken {
			maxToken = entry.accessTimestamp
		}
		loaded[k] = entry
	}

	db.fullCache = loaded
	db.occupiedSize = occupied
	if db.accessCounter < maxToken {
		db.accessCounter = maxToken
	}
	return nil
}

// removeEntryDir recursively deletes an entry directory and, when it was
// the last entry of its shard, the now-empty shard directory.
func removeEntryDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	// Best effort: drop the shard directory once empty.
	os.Remove(filepath.Dir(dir))
	return nil
}
