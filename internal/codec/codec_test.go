package codec

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	d := NewDecompressor(0)

	payloads := [][]byte{
		[]byte("hi"),
		[]byte(`{"vertices":[[0,0,0],[1,0,0],[0,1,0]],"faces":[[0,1,2]]}`),
		bytes.Repeat([]byte("mesh"), 100_000),
		{0x00, 0xff, 0x10},
	}

	for i, p := range payloads {
		t.Run(fmt.Sprintf("payload_%d", i), func(t *testing.T) {
			compressed, err := Compress(p)
			require.NoError(t, err)

			got, err := d.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestDecompress_EmptyFrame(t *testing.T) {
	_, err := NewDecompressor(0).Decompress(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestDecompress_Malformed(t *testing.T) {
	d := NewDecompressor(0)

	_, err := d.Decompress([]byte("definitely not zlib"))
	assert.Error(t, err)

	valid, err := Compress([]byte("hello mesh"))
	require.NoError(t, err)

	truncated := valid[:len(valid)-3]
	_, err = d.Decompress(truncated)
	assert.Error(t, err, "truncated stream must fail")

	corrupt := bytes.Clone(valid)
	corrupt[len(corrupt)-1] ^= 0xff
	_, err = d.Decompress(corrupt)
	assert.Error(t, err, "checksum mismatch must fail")

	// The pooled reader must still work after failures.
	got, err := d.Decompress(valid)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello mesh"), got)
}

func TestDecompress_PayloadLimit(t *testing.T) {
	compressed, err := Compress(bytes.Repeat([]byte{'a'}, 1024))
	require.NoError(t, err)

	_, err = NewDecompressor(1023).Decompress(compressed)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	got, err := NewDecompressor(1024).Decompress(compressed)
	require.NoError(t, err)
	assert.Len(t, got, 1024)
}

func TestDecompressor_SizeHintIsBounded(t *testing.T) {
	capped := NewDecompressor(1 << 20)
	assert.Equal(t, 400, capped.sizeHint(100))
	assert.Equal(t, 1<<20+1, capped.sizeHint(64<<20), "never above the payload cap")

	unbounded := NewDecompressor(0)
	assert.Equal(t, maxSizeHint, unbounded.sizeHint(64<<20))
}

func TestDecompress_Concurrent(t *testing.T) {
	d := NewDecompressor(0)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := []byte(fmt.Sprintf("payload-%d-%s", i, bytes.Repeat([]byte("x"), i*100)))
			compressed, err := Compress(want)
			if !assert.NoError(t, err) {
				return
			}
			got, err := d.Decompress(compressed)
			if assert.NoError(t, err) {
				assert.Equal(t, want, got)
			}
		}()
	}
	wg.Wait()
}
