// Package key defines the content-addressed fingerprint identifying a
// cached artifact.
package key

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"lukechampine.com/blake3"
)

const (
	// Size is the fingerprint width in bytes (BLAKE3-256)
	Size = 32

	// HexLen is the length of the printable form
	HexLen = Size * 2
)

// Key is an opaque fixed-width fingerprint of an artifact's inputs.
// Storage and lookup are hash based; byte ordering matters only for logs.
type Key [Size]byte

// FromData derives a key from raw input bytes using BLAKE3-256.
func FromData(data []byte) Key {
	return Key(blake3.Sum256(data))
}

// FromString parses the lowercase hex form produced by String.
func FromString(s string) (Key, error) {
	if len(s) != HexLen {
		return Key{}, fmt.Errorf("invalid key length: got %d, want %d", len(s), HexLen)
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key encoding: %w", err)
	}

	var k Key
	copy(k[:], raw)
	return k, nil
}

// FromBytes builds a key from a raw 32-byte slice.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return Key{}, fmt.Errorf("invalid key size: got %d, want %d", len(b), Size)
	}

	var k Key
	copy(k[:], b)
	return k, nil
}

// String returns the lowercase hex form.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Brief returns a shortened form for logs.
func (k Key) Brief() string {
	return k.String()[:12]
}

// Bytes returns a copy of the raw fingerprint bytes.
func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

// IsZero reports whether the key is the all-zero fingerprint.
func (k Key) IsZero() bool {
	return k == Key{}
}

// FolderPath returns the entry directory for this key below root: the
// first two hex characters form the shard directory, the remainder the
// entry directory.
func (k Key) FolderPath(root string) string {
	s := k.String()
	return filepath.Join(root, s[:2], s[2:])
}
