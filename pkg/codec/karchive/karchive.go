// Package karchive implements the keyed-archive container used by the
// snapshot file: a string-keyed map of CBOR values, written to a stream as
// a length-delimited deterministic CBOR blob. Archives nest, so a file can
// hold several of them back to back.
package karchive

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxArchiveSize bounds a single serialized archive read from a stream.
const MaxArchiveSize = 256 * 1024 * 1024

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}
}

// Archive is a mutable keyed container of CBOR-encoded values.
type Archive struct {
	values map[string]cbor.RawMessage
}

// New creates an empty archive.
func New() *Archive {
	return &Archive{values: make(map[string]cbor.RawMessage)}
}

// Len returns the number of keys stored.
func (a *Archive) Len() int {
	return len(a.values)
}

// Has reports whether the key is present.
func (a *Archive) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

func (a *Archive) set(key string, v interface{}) {
	data, err := encMode.Marshal(v)
	if err != nil {
		// Only reachable with unencodable values, which none of the
		// setters below accept.
		panic(fmt.Sprintf("karchive: marshal %q: %v", key, err))
	}
	a.values[key] = data
}

func (a *Archive) get(key string, v interface{}) bool {
	raw, ok := a.values[key]
	if !ok {
		return false
	}
	return cbor.Unmarshal(raw, v) == nil
}

// SetString stores a string value.
func (a *Archive) SetString(key, v string) { a.set(key, v) }

// SetUint32 stores a uint32 value.
func (a *Archive) SetUint32(key string, v uint32) { a.set(key, v) }

// SetUint64 stores a uint64 value.
func (a *Archive) SetUint64(key string, v uint64) { a.set(key, v) }

// SetBytes stores a byte-string value.
func (a *Archive) SetBytes(key string, v []byte) { a.set(key, v) }

// SetArchive stores a nested archive.
func (a *Archive) SetArchive(key string, v *Archive) {
	data, err := v.Marshal()
	if err != nil {
		panic(fmt.Sprintf("karchive: marshal nested %q: %v", key, err))
	}
	a.values[key] = data
}

// GetString returns the string stored under key.
func (a *Archive) GetString(key string) (string, bool) {
	var v string
	ok := a.get(key, &v)
	return v, ok
}

// GetUint32 returns the uint32 stored under key.
func (a *Archive) GetUint32(key string) (uint32, bool) {
	var v uint32
	ok := a.get(key, &v)
	return v, ok
}

// GetUint64 returns the uint64 stored under key.
func (a *Archive) GetUint64(key string) (uint64, bool) {
	var v uint64
	ok := a.get(key, &v)
	return v, ok
}

// GetBytes returns the byte string stored under key.
func (a *Archive) GetBytes(key string) ([]byte, bool) {
	var v []byte
	ok := a.get(key, &v)
	return v, ok
}

// GetArchive returns the nested archive stored under key.
func (a *Archive) GetArchive(key string) (*Archive, bool) {
	raw, ok := a.values[key]
	if !ok {
		return nil, false
	}

	nested := New()
	if err := nested.Unmarshal(raw); err != nil {
		return nil, false
	}
	return nested, true
}

// Marshal encodes the archive as a deterministic CBOR map.
func (a *Archive) Marshal() ([]byte, error) {
	return encMode.Marshal(a.values)
}

// Unmarshal decodes a CBOR map into the archive, replacing its contents.
func (a *Archive) Unmarshal(data []byte) error {
	m := make(map[string]cbor.RawMessage)
	if err := cbor.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("invalid archive: %w", err)
	}
	a.values = m
	return nil
}

// WriteTo writes the archive to w as a uint32 big-endian length followed
// by the CBOR map bytes.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	data, err := a.Marshal()
	if err != nil {
		return 0, err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}

	n, err := w.Write(data)
	return int64(4 + n), err
}

// ReadFrom replaces the archive contents with the next length-delimited
// archive read from r.
func (a *Archive) ReadFrom(r io.Reader) (int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, err
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxArchiveSize {
		return 4, fmt.Errorf("archive size %d exceeds limit %d", size, MaxArchiveSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return 4, fmt.Errorf("truncated archive: %w", err)
	}

	return int64(4 + size), a.Unmarshal(data)
}
