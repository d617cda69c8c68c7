package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"framing", FramingError("stalled frame", nil), KindFraming},
		{"decode", DecodeError("inflate failed", cause), KindDecode},
		{"send", SendError("subscriber rejected write", cause), KindSend},
		{"bind", BindError("listen failed", cause), KindBind},
		{"internal", InternalError("panic", cause), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.kind))
		})
	}
}

func TestError_UnwrapAndMessage(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := DecodeError("inflate failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "decode: inflate failed: unexpected EOF", err.Error())
	assert.Equal(t, "framing: stalled frame", FramingError("stalled frame", nil).Error())
}

func TestWithContext_Chainable(t *testing.T) {
	err := (&Error{Kind: KindSend}).WithContext("subscriber", "abc").WithContext("bytes", 10)

	assert.Equal(t, "abc", err.Context["subscriber"])
	assert.Equal(t, 10, err.Context["bytes"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := BindError("listen failed", nil)
	wrapped := fmt.Errorf("start ingest: %w", original)
	assert.Same(t, original, AsStructuredError(wrapped))

	plain := errors.New("plain")
	converted := AsStructuredError(plain)
	assert.Equal(t, KindInternal, converted.Kind)
	assert.Equal(t, plain, converted.Cause)
}

func TestLog_LevelByKind(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(previous) })

	Log(context.Background(), DecodeError("Dropping malformed frame", errors.New("zlib: invalid header")).WithContext("frame_bytes", 5))
	Log(context.Background(), BindError("Listener failed to start", errors.New("address in use")))

	output := buf.String()
	require.Contains(t, output, "level=WARN msg=\"Dropping malformed frame\"")
	assert.Contains(t, output, "error_kind=decode")
	assert.Contains(t, output, "frame_bytes=5")
	assert.Contains(t, output, "level=ERROR msg=\"Listener failed to start\"")
}
