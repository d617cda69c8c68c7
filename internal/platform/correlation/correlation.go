// Package correlation tags contexts with a connection ID and role so every log
// line emitted while serving a producer or consumer connection can be traced
// back to it.
package correlation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey struct{}

type connInfo struct {
	id   string
	role string
}

// NewID generates an 8-character hex connection ID taken from a random UUID.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

// WithConn returns a new context carrying the given connection ID and role
// ("ingest" or "fanout").
func WithConn(ctx context.Context, id, role string) context.Context {
	return context.WithValue(ctx, contextKey{}, connInfo{id: id, role: role})
}

// ID extracts the connection ID from ctx, returning ("", false) if not present.
func ID(ctx context.Context) (string, bool) {
	info, ok := ctx.Value(contextKey{}).(connInfo)
	return info.id, ok && info.id != ""
}

// Role extracts the connection role from ctx.
func Role(ctx context.Context) string {
	info, _ := ctx.Value(contextKey{}).(connInfo)
	return info.role
}

// Handler wraps an existing slog.Handler to inject "conn_id" and "conn_role"
// attributes when the context carries them.
type Handler struct {
	inner slog.Handler
}

// NewHandler creates a connection-aware handler wrapping the given handler.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String("conn_id", id))
		if role := Role(ctx); role != "" {
			r.AddAttrs(slog.String("conn_role", role))
		}
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
