// Package wire implements the cache transfer protocol frames. Every
// message is a CBOR-encoded Frame written to the stream behind a uint32
// big-endian length prefix, so partial reads never surface truncated
// messages to the session layer.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/buildstash/stash/pkg/constants"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}
}

// StatusBody carries storage occupancy in a Status reply. Receipt of the
// frame alone is sufficient for peer verification; the payload is
// informational.
type StatusBody struct {
	Occupied uint64 `cbor:"occupied"`
	Overall  uint64 `cbor:"overall"`
	Items    uint64 `cbor:"items"`
}

// Frame is the single wire message shape. Kind selects which fields are
// meaningful; unused fields are omitted from the encoding.
type Frame struct {
	Kind   uint16      `cbor:"kind"`
	Key    []byte      `cbor:"key,omitempty"`
	Size   uint64      `cbor:"size,omitempty"`
	Chunks uint32      `cbor:"chunks,omitempty"`
	Index  uint32      `cbor:"index,omitempty"`
	Data   []byte      `cbor:"data,omitempty"`
	OK     bool        `cbor:"ok,omitempty"`
	Status *StatusBody `cbor:"status,omitempty"`
}

// NewAddChunkFrame builds the client→server upload frame for one chunk.
func NewAddChunkFrame(key []byte, size uint64, chunks, index uint32, data []byte) *Frame {
	return &Frame{Kind: constants.KindAddChunk, Key: key, Size: size, Chunks: chunks, Index: index, Data: data}
}

// NewAddedFrame builds the server→client upload acknowledgement.
func NewAddedFrame(key []byte, ok bool) *Frame {
	return &Frame{Kind: constants.KindAddedResponse, Key: key, OK: ok}
}

// NewGetChunkFrame builds the download request for one chunk.
func NewGetChunkFrame(key []byte, index uint32) *Frame {
	return &Frame{Kind: constants.KindGetChunk, Key: key, Index: index}
}

// NewChunkFrame builds the download reply carrying one chunk. A reply
// with zero size, zero chunks and no data is the canonical "not found"
// answer.
func NewChunkFrame(key []byte, size uint64, chunks, index uint32, data []byte) *Frame {
	return &Frame{Kind: constants.KindChunkResponse, Key: key, Size: size, Chunks: chunks, Index: index, Data: data}
}

// NewRemoveFrame builds the removal request.
func NewRemoveFrame(key []byte) *Frame {
	return &Frame{Kind: constants.KindRemove, Key: key}
}

// NewRemovedFrame builds the removal acknowledgement.
func NewRemovedFrame(key []byte, ok bool) *Frame {
	return &Frame{Kind: constants.KindRemoved, Key: key, OK: ok}
}

// NewClearFrame builds the storage-clear request.
func NewClearFrame() *Frame {
	return &Frame{Kind: constants.KindClear}
}

// NewClearedFrame builds the storage-clear acknowledgement.
func NewClearedFrame(ok bool) *Frame {
	return &Frame{Kind: constants.KindCleared, OK: ok}
}

// NewWarmUpFrame builds the access-timestamp touch request.
func NewWarmUpFrame(key []byte) *Frame {
	return &Frame{Kind: constants.KindWarmUp, Key: key}
}

// NewStatusRequestFrame builds the status request.
func NewStatusRequestFrame() *Frame {
	return &Frame{Kind: constants.KindStatusRequest}
}

// NewStatusFrame builds the status reply.
func NewStatusFrame(status *StatusBody) *Frame {
	return &Frame{Kind: constants.KindStatus, Status: status}
}

// Marshal encodes the frame body without the length prefix.
func (f *Frame) Marshal() ([]byte, error) {
	return encMode.Marshal(f)
}

// Unmarshal decodes a frame body.
func (f *Frame) Unmarshal(data []byte) error {
	if err := cbor.Unmarshal(data, f); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// WriteFrame writes one length-delimited frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > constants.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads the next length-delimited frame from r. It blocks until
// a whole frame is available or the stream fails.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > constants.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	f := &Frame{}
	if err := f.Unmarshal(body); err != nil {
		return nil, err
	}
	return f, nil
}
