// Package codec inflates and deflates frame payloads in the zlib format
// (RFC 1950) spoken by the producer.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// maxSizeHint bounds the up-front output allocation for one frame.
const maxSizeHint = 8 << 20

var (
	ErrEmptyFrame      = errors.New("codec: empty frame")
	ErrPayloadTooLarge = errors.New("codec: decompressed payload exceeds limit")
)

// Decompressor inflates zlib frames. It is safe for concurrent use.
type Decompressor struct {
	maxPayload int
	readers    sync.Pool
}

// NewDecompressor creates a decompressor. maxPayload caps the inflated size;
// 0 disables the cap.
func NewDecompressor(maxPayload int) *Decompressor {
	return &Decompressor{maxPayload: maxPayload}
}

// Decompress inflates one frame. The checksum trailer is verified.
func (d *Decompressor) Decompress(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, ErrEmptyFrame
	}

	src := bytes.NewReader(compressed)
	zr, err := d.reader(src)
	if err != nil {
		return nil, fmt.Errorf("codec: read zlib header: %w", err)
	}
	defer d.release(zr)

	var r io.Reader = zr
	if d.maxPayload > 0 {
		r = io.LimitReader(zr, int64(d.maxPayload)+1)
	}

	var out bytes.Buffer
	out.Grow(d.sizeHint(len(compressed)))
	if _, err := out.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("codec: inflate: %w", err)
	}
	if d.maxPayload > 0 && out.Len() > d.maxPayload {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, d.maxPayload)
	}

	return out.Bytes(), nil
}

// sizeHint is the initial output capacity for a frame of n compressed bytes.
// It never exceeds the payload cap or maxSizeHint; the buffer grows past the
// hint only as inflated bytes actually arrive.
func (d *Decompressor) sizeHint(n int) int {
	hint := min(n*4, maxSizeHint)
	if d.maxPayload > 0 {
		hint = min(hint, d.maxPayload+1)
	}
	return hint
}

func (d *Decompressor) reader(src io.Reader) (io.ReadCloser, error) {
	if pooled, ok := d.readers.Get().(io.ReadCloser); ok {
		if err := pooled.(zlib.Resetter).Reset(src, nil); err != nil {
			return nil, err
		}
		return pooled, nil
	}
	return zlib.NewReader(src)
}

func (d *Decompressor) release(zr io.ReadCloser) {
	_ = zr.Close()
	d.readers.Put(zr)
}

// Compress deflates payload at the default level, matching what the producer
// sends.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("codec: create writer: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("codec: deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: finish stream: %w", err)
	}
	return buf.Bytes(), nil
}
