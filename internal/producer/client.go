// Package producer is a client for the relay's ingest port. It frames and
// compresses payloads the same way the modelling tool add-on does, skips
// payloads identical to the previous one and reconnects after write failures.
package producer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/codec"
	"github.com/pscheid92/meshrelay/internal/frame"
	"github.com/pscheid92/meshrelay/internal/mesh"
	"github.com/pscheid92/meshrelay/internal/platform/retry"
)

const (
	dialTimeout        = 5 * time.Second
	writeTimeout       = 10 * time.Second
	dialInitialBackoff = 250 * time.Millisecond
	dialMaxBackoff     = 5 * time.Second
)

var ErrClosed = errors.New("producer client closed")

type Options struct {
	Addr         string
	DialAttempts int
}

// Client sends payloads to one relay. It is safe for concurrent use; sends
// are serialised so frames never interleave on the wire.
type Client struct {
	opts  Options
	clock clockwork.Clock

	mu     sync.Mutex
	conn   net.Conn
	last   []byte
	stats  Stats
	closed bool
}

func NewClient(opts Options, clock clockwork.Clock) *Client {
	if opts.DialAttempts < 1 {
		opts.DialAttempts = 1
	}
	return &Client{opts: opts, clock: clock}
}

// Connect dials the relay if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}

	policy := retry.Policy{
		MaxAttempts:    c.opts.DialAttempts,
		InitialBackoff: dialInitialBackoff,
		MaxBackoff:     dialMaxBackoff,
		Clock:          c.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Relay dial failed, retrying", "addr", c.opts.Addr, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	conn, err := retry.Do(ctx, policy, retry.ClassifyNet, func() (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", c.opts.Addr)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay at %s: %w", c.opts.Addr, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	c.conn = conn
	c.last = nil
	if c.stats.StartTime.IsZero() {
		c.stats.StartTime = c.clock.Now()
	}
	slog.Info("Connected to relay", "addr", conn.RemoteAddr().String())
	return nil
}

// Send compresses and frames payload and writes it to the relay. It returns
// false without error when payload equals the previously sent one. A failed
// write drops the connection; the next Send reconnects.
func (c *Client) Send(ctx context.Context, payload []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	if c.last != nil && bytes.Equal(payload, c.last) {
		c.stats.Skipped++
		slog.Debug("Payload unchanged, skipping send")
		return false, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		c.stats.Errors++
		return false, err
	}

	compressed, err := codec.Compress(payload)
	if err != nil {
		c.stats.Errors++
		return false, fmt.Errorf("failed to compress payload: %w", err)
	}
	wire := frame.AppendFrame(make([]byte, 0, frame.HeaderLen+len(compressed)), compressed)

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(wire); err != nil {
		c.stats.Errors++
		_ = c.conn.Close()
		c.conn = nil
		c.last = nil
		return false, fmt.Errorf("failed to send frame: %w", err)
	}

	c.last = append(c.last[:0], payload...)
	c.stats.recordSent(c.clock.Now(), len(payload))
	slog.Debug("Frame sent", "payload_bytes", len(payload), "wire_bytes", len(wire))
	return true, nil
}

// SendSnapshot validates and encodes s before sending it.
func (c *Client) SendSnapshot(ctx context.Context, s *mesh.Snapshot) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	data, err := s.Encode()
	if err != nil {
		return false, err
	}
	return c.Send(ctx, data)
}

// Stats returns a copy of the session statistics.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close disconnects. Further sends fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close relay connection: %w", err)
	}
	return nil
}
