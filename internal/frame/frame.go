// Package frame reassembles the ingest wire format: a 4-byte big-endian
// length prefix followed by that many bytes of compressed payload, repeated.
//
// An Assembler is fed arbitrary chunks of the stream and emits every frame
// those chunks complete. It is not safe for concurrent use; each producer
// connection owns one.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

var ErrFrameTooLarge = errors.New("frame: declared length exceeds limit")

// Assembler holds the partial state of one producer stream.
type Assembler struct {
	pending  []byte
	expected int
	hasLen   bool
	maxSize  int
}

// NewAssembler creates an assembler. maxSize caps the declared frame length;
// 0 disables the cap.
func NewAssembler(maxSize int) *Assembler {
	return &Assembler{maxSize: maxSize}
}

// Feed appends chunk to the buffer and returns every frame it completes, in
// stream order. Returned slices do not alias the assembler's buffer.
//
// If a header declares a length above the cap, Feed returns the frames
// completed before it together with an error wrapping ErrFrameTooLarge. The
// assembler is then reset and the stream should be treated as unrecoverable.
func (a *Assembler) Feed(chunk []byte) ([][]byte, error) {
	a.pending = append(a.pending, chunk...)

	var frames [][]byte
	for {
		if !a.hasLen {
			if len(a.pending) < HeaderLen {
				break
			}
			declared := binary.BigEndian.Uint32(a.pending[:HeaderLen])
			if a.maxSize > 0 && uint64(declared) > uint64(a.maxSize) {
				a.Reset()
				return frames, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, declared, a.maxSize)
			}
			a.expected = int(declared)
			a.hasLen = true
			a.pending = a.pending[HeaderLen:]
		}

		if len(a.pending) < a.expected {
			break
		}

		f := make([]byte, a.expected)
		copy(f, a.pending[:a.expected])
		frames = append(frames, f)

		a.pending = a.pending[a.expected:]
		a.expected = 0
		a.hasLen = false
	}

	a.compact()
	return frames, nil
}

// Pending reports whether a partial header or partial frame is buffered.
func (a *Assembler) Pending() bool {
	return a.hasLen || len(a.pending) > 0
}

// Buffered returns the number of buffered bytes not yet part of a complete frame.
func (a *Assembler) Buffered() int {
	return len(a.pending)
}

// Reset discards all buffered bytes and any length already read.
func (a *Assembler) Reset() {
	a.pending = nil
	a.expected = 0
	a.hasLen = false
}

// compact releases the backing array once every buffered byte has been
// consumed. A non-empty remainder is moved to a fresh array by the next
// append that outgrows it.
func (a *Assembler) compact() {
	if len(a.pending) == 0 {
		a.pending = nil
	}
}

// AppendFrame appends the wire encoding of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}
