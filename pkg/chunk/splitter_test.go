package chunk

import (
	"bytes"
	"testing"

	"github.com/buildstash/stash/pkg/constants"
)

func TestNumberOfChunks(t *testing.T) {
	testCases := []struct {
		name string
		n    uint64
		want uint32
	}{
		{"zero bytes", 0, 0},
		{"one byte", 1, 1},
		{"exactly one chunk", constants.ChunkSize, 1},
		{"one chunk plus a byte", constants.ChunkSize + 1, 2},
		{"three full chunks", 3 * constants.ChunkSize, 3},
		{"200 KiB", 200 * 1024, 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NumberOfChunks(tc.n); got != tc.want {
				t.Errorf("NumberOfChunks(%d): got %d, want %d", tc.n, got, tc.want)
			}
		})
	}
}

func TestGet(t *testing.T) {
	buf := make([]byte, 2*constants.ChunkSize+100)
	for i := range buf {
		buf[i] = byte(i)
	}

	if got := Get(buf, 0); !bytes.Equal(got, buf[:constants.ChunkSize]) {
		t.Error("chunk 0 mismatch")
	}
	if got := Get(buf, 1); !bytes.Equal(got, buf[constants.ChunkSize:2*constants.ChunkSize]) {
		t.Error("chunk 1 mismatch")
	}
	if got := Get(buf, 2); len(got) != 100 {
		t.Errorf("tail chunk: got %d bytes, want 100", len(got))
	}
	if got := Get(buf, 3); got != nil {
		t.Errorf("out-of-range chunk: got %d bytes, want nil", len(got))
	}
}

func TestGetReassembles(t *testing.T) {
	buf := make([]byte, 200*1024)
	for i := range buf {
		buf[i] = byte(i * 7)
	}

	var rebuilt []byte
	for i := uint32(0); i < NumberOfChunks(uint64(len(buf))); i++ {
		rebuilt = append(rebuilt, Get(buf, i)...)
	}

	if !bytes.Equal(rebuilt, buf) {
		t.Error("chunks do not reassemble into the original buffer")
	}
}
