// Package value defines the artifact value stored under one fingerprint:
// an ordered collection of named blobs plus a description record. A value
// is either fetched (all blob bytes resident) or unfetched (metadata only,
// bytes live in the entry's on-disk directory).
package value

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/buildstash/stash/pkg/codec/karchive"
)

// ErrInvalid is returned when a serialized value fails validation.
var ErrInvalid = errors.New("invalid cached value")

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}
}

// Description carries provenance metadata alongside the blobs.
type Description struct {
	MachineName    string `cbor:"machineName"`
	CreationDate   uint64 `cbor:"creationDate"`
	Comment        string `cbor:"comment"`
	AddingChain    string `cbor:"addingChain"`
	ReceivingChain string `cbor:"receivingChain"`
}

// Blob is one named payload inside a value. Data is nil while the value
// is unfetched; Size stays valid either way.
type Blob struct {
	Name string
	Size uint64
	Data []byte
}

type wireBlob struct {
	Name string `cbor:"name"`
	Data []byte `cbor:"data"`
}

type wireValue struct {
	Description Description `cbor:"description"`
	Blobs       []wireBlob  `cbor:"blobs"`
}

// Value is one logical artifact: ordered named blobs plus a description.
type Value struct {
	blobs       []Blob
	description Description
	size        uint64
	fetched     bool
}

// New creates an empty, fetched value ready to receive blobs.
func New() *Value {
	return &Value{fetched: true}
}

// AddBlob appends a named payload. Blob order is preserved through
// serialization and disk layout.
func (v *Value) AddBlob(name string, data []byte) {
	v.blobs = append(v.blobs, Blob{Name: name, Size: uint64(len(data)), Data: data})
}

// Blobs returns the ordered blob list.
func (v *Value) Blobs() []Blob {
	return v.blobs
}

// Description returns the description record.
func (v *Value) Description() Description {
	return v.description
}

// SetDescription replaces the description record.
func (v *Value) SetDescription(d Description) {
	v.description = d
}

// Size returns the serialized byte size of the value. For an unfetched
// value this is the size recorded in its metadata.
func (v *Value) Size() uint64 {
	return v.size
}

// IsFetched reports whether all blob bytes are resident.
func (v *Value) IsFetched() bool {
	return v.fetched
}

// IsEmpty reports whether the value carries no blobs.
func (v *Value) IsEmpty() bool {
	return len(v.blobs) == 0
}

// IsValid reports whether the value is structurally sound: every blob has
// a usable file name and, when fetched, resident bytes matching its size.
func (v *Value) IsValid() bool {
	for _, b := range v.blobs {
		if b.Name == "" || b.Name != filepath.Base(b.Name) {
			return false
		}
		if v.fetched && uint64(len(b.Data)) != b.Size {
			return false
		}
	}
	return true
}

// Serialize encodes the value (description and blob bytes) into its wire
// layout and records the resulting size. The value must be fetched.
func (v *Value) Serialize() ([]byte, error) {
	if !v.fetched {
		return nil, fmt.Errorf("%w: serializing an unfetched value", ErrInvalid)
	}

	wv := wireValue{Description: v.description, Blobs: make([]wireBlob, 0, len(v.blobs))}
	for _, b := range v.blobs {
		wv.Blobs = append(wv.Blobs, wireBlob{Name: b.Name, Data: b.Data})
	}

	data, err := encMode.Marshal(wv)
	if err != nil {
		return nil, fmt.Errorf("serialize value: %w", err)
	}

	v.size = uint64(len(data))
	return data, nil
}

// Deserialize decodes a wire-layout buffer into the value. The result is
// fetched and its size is the buffer length.
func (v *Value) Deserialize(data []byte) error {
	var wv wireValue
	if err := cbor.Unmarshal(data, &wv); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	v.description = wv.Description
	v.blobs = v.blobs[:0]
	for _, b := range wv.Blobs {
		v.blobs = append(v.blobs, Blob{Name: b.Name, Size: uint64(len(b.Data)), Data: b.Data})
	}
	v.size = uint64(len(data))
	v.fetched = true

	if !v.IsValid() {
		return ErrInvalid
	}
	return nil
}

// ExportToFolder writes every blob into dir, one file per blob.
func (v *Value) ExportToFolder(dir string) error {
	if !v.fetched {
		return fmt.Errorf("%w: exporting an unfetched value", ErrInvalid)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create entry folder: %w", err)
	}

	for _, b := range v.blobs {
		path := filepath.Join(dir, b.Name)
		if err := os.WriteFile(path, b.Data, 0o644); err != nil {
			return fmt.Errorf("write blob %s: %w", b.Name, err)
		}
	}
	return nil
}

// Fetch materializes blob bytes from dir. Sizes must match the recorded
// metadata; any mismatch or read error leaves the value unfetched.
func (v *Value) Fetch(dir string) error {
	loaded := make([][]byte, len(v.blobs))
	for i, b := range v.blobs {
		data, err := os.ReadFile(filepath.Join(dir, b.Name))
		if err != nil {
			return fmt.Errorf("fetch blob %s: %w", b.Name, err)
		}
		if uint64(len(data)) != b.Size {
			return fmt.Errorf("%w: blob %s size %d, expected %d", ErrInvalid, b.Name, len(data), b.Size)
		}
		loaded[i] = data
	}

	for i := range v.blobs {
		v.blobs[i].Data = loaded[i]
	}
	v.fetched = true
	return nil
}

// Free drops resident blob bytes, leaving metadata intact.
func (v *Value) Free() {
	for i := range v.blobs {
		v.blobs[i].Data = nil
	}
	v.fetched = false
}

// SerializeMeta records the value's metadata (no blob bytes) into ar.
func (v *Value) SerializeMeta(ar *karchive.Archive) {
	ar.SetString("machineName", v.description.MachineName)
	ar.SetUint64("creationDate", v.description.CreationDate)
	ar.SetString("comment", v.description.Comment)
	ar.SetString("addingChain", v.description.AddingChain)
	ar.SetString("receivingChain", v.description.ReceivingChain)
	ar.SetUint64("size", v.size)

	ar.SetUint64("blobsCount", uint64(len(v.blobs)))
	for i, b := range v.blobs {
		blobAr := karchive.New()
		blobAr.SetString("name", b.Name)
		blobAr.SetUint64("size", b.Size)
		ar.SetArchive(fmt.Sprintf("blob_%d", i), blobAr)
	}
}

// DeserializeMeta restores metadata from ar. The value is unfetched.
func (v *Value) DeserializeMeta(ar *karchive.Archive) error {
	v.description.MachineName, _ = ar.GetString("machineName")
	v.description.CreationDate, _ = ar.GetUint64("creationDate")
	v.description.Comment, _ = ar.GetString("comment")
	v.description.AddingChain, _ = ar.GetString("addingChain")
	v.description.ReceivingChain, _ = ar.GetString("receivingChain")

	size, ok := ar.GetUint64("size")
	if !ok {
		return fmt.Errorf("%w: missing size", ErrInvalid)
	}
	v.size = size

	count, ok := ar.GetUint64("blobsCount")
	if !ok {
		return fmt.Errorf("%w: missing blob count", ErrInvalid)
	}

	v.blobs = v.blobs[:0]
	for i := uint64(0); i < count; i++ {
		blobAr, ok := ar.GetArchive(fmt.Sprintf("blob_%d", i))
		if !ok {
			return fmt.Errorf("%w: missing blob %d", ErrInvalid, i)
		}
		name, ok := blobAr.GetString("name")
		if !ok {
			return fmt.Errorf("%w: blob %d has no name", ErrInvalid, i)
		}
		size, ok := blobAr.GetUint64("size")
		if !ok {
			return fmt.Errorf("%w: blob %d has no size", ErrInvalid, i)
		}
		v.blobs = append(v.blobs, Blob{Name: name, Size: size})
	}

	v.fetched = false
	if !v.IsValid() {
		return ErrInvalid
	}
	return nil
}
