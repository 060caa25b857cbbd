package cachedb

import (
	"fmt"

	"github.com/buildstash/stash/pkg/codec/karchive"
	"github.com/buildstash/stash/pkg/key"
	"github.com/buildstash/stash/pkg/value"
)

// Entry pairs a stored value with its access timestamp. The timestamp is
// a process-monotonic token updated on every read and write; it is the
// sole LRU ordering key and survives restarts through the snapshot.
type Entry struct {
	value           *value.Value
	accessTimestamp uint64
}

// NewEntry wraps a value into a storage entry.
func NewEntry(v *value.Value) *Entry {
	return &Entry{value: v}
}

// Value returns the stored value.
func (e *Entry) Value() *value.Value {
	return e.value
}

// Timestamp returns the access token.
func (e *Entry) Timestamp() uint64 {
	return e.accessTimestamp
}

// Fetch materializes the value's blobs from the entry directory.
func (e *Entry) Fetch(dir string) error {
	return e.value.Fetch(dir)
}

// Free drops the value's resident blob bytes.
func (e *Entry) Free() {
	e.value.Free()
}

// serialize records the entry (key, access token, value metadata) into ar.
func (e *Entry) serialize(k key.Key, ar *karchive.Archive) {
	ar.SetBytes("key", k.Bytes())
	ar.SetUint64("accessID", e.accessTimestamp)

	valueAr := karchive.New()
	e.value.SerializeMeta(valueAr)
	ar.SetArchive("value", valueAr)
}

// deserializeEntry restores one snapshot item.
func deserializeEntry(ar *karchive.Archive) (key.Key, *Entry, error) {
	rawKey, ok := ar.GetBytes("key")
	if !ok {
		return key.Key{}, nil, fmt.Errorf("snapshot item has no key")
	}
	k, err := key.FromBytes(rawKey)
	if err != nil {
		return key.Key{}, nil, fmt.Errorf("snapshot item key: %w", err)
	}

	accessID, ok := ar.GetUint64("accessID")
	if !ok {
		return key.Key{}, nil, fmt.Errorf("snapshot item %s has no access token", k.Brief())
	}

	valueAr, ok := ar.GetArchive("value")
	if !ok {
		return key.Key{}, nil, fmt.Errorf("snapshot item %s has no value", k.Brief())
	}

	v := value.New()
	if err := v.DeserializeMeta(valueAr); err != nil {
		return key.Key{}, nil, fmt.Errorf("snapshot item %s value: %w", k.Brief(), err)
	}

	return k, &Entry{value: v, accessTimestamp: accessID}, nil
}
