// Package errors classifies relay failures so they can be logged and counted
// uniformly across the ingest and fan-out paths.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Kind is the category of a relay error. It doubles as the metrics label.
type Kind string

const (
	// KindFraming covers stalled partial frames and oversized length prefixes.
	KindFraming Kind = "framing"
	// KindDecode covers malformed compressed payloads.
	KindDecode Kind = "decode"
	// KindSend covers a subscriber transport rejecting a write.
	KindSend Kind = "send"
	// KindBind covers a listener that failed to start.
	KindBind Kind = "bind"
	// KindInternal covers unexpected panics caught at a connection boundary.
	KindInternal Kind = "internal"
)

// Error is a classified error with optional context fields.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds a context field (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Context: make(map[string]any)}
}

func FramingError(message string, cause error) *Error { return newError(KindFraming, message, cause) }
func DecodeError(message string, cause error) *Error  { return newError(KindDecode, message, cause) }
func SendError(message string, cause error) *Error    { return newError(KindSend, message, cause) }
func BindError(message string, cause error) *Error    { return newError(KindBind, message, cause) }

func InternalError(message string, cause error) *Error {
	return newError(KindInternal, message, cause)
}

// AsStructuredError converts any error into an *Error, wrapping unknown
// errors as internal.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("unexpected error", err)
}

// Log writes err at a level matching its kind. Decode and send errors are
// expected under normal operation and logged as warnings.
func Log(ctx context.Context, err error) {
	e := AsStructuredError(err)
	if e == nil {
		return
	}

	attrs := []any{"error_kind", e.Kind}
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}
	if e.Cause != nil {
		attrs = append(attrs, "error", e.Cause)
	}

	switch e.Kind {
	case KindDecode, KindSend, KindFraming:
		slog.WarnContext(ctx, e.Message, attrs...)
	default:
		slog.ErrorContext(ctx, e.Message, attrs...)
	}
}
