// Package chunk maps a serialized buffer onto an ordered sequence of
// fixed-size chunks for transfer.
package chunk

import "github.com/buildstash/stash/pkg/constants"

// NumberOfChunks returns how many chunks carry n bytes of payload.
func NumberOfChunks(n uint64) uint32 {
	if n == 0 {
		return 0
	}
	return uint32((n + constants.ChunkSize - 1) / constants.ChunkSize)
}

// Get returns the i-th chunk of buf, or nil if i is out of range. The
// returned slice aliases buf.
func Get(buf []byte, i uint32) []byte {
	start := uint64(i) * constants.ChunkSize
	if start >= uint64(len(buf)) {
		return nil
	}

	end := start + constants.ChunkSize
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}

	return buf[start:end]
}
