package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/codec"
	"github.com/pscheid92/meshrelay/internal/metrics"
	"github.com/pscheid92/meshrelay/internal/platform/config"
	"github.com/pscheid92/meshrelay/internal/platform/retry"
	"golang.org/x/sync/semaphore"
)

const (
	bindInitialBackoff = 500 * time.Millisecond
	bindMaxBackoff     = 5 * time.Second
	acceptMaxBackoff   = time.Second
)

var ErrNotListening = errors.New("ingest listener is not bound")

// Broadcaster receives every successfully decoded payload.
type Broadcaster interface {
	Broadcast(payload []byte) int
}

// Options configures a Listener. Zero values fall back to sensible defaults
// except Addr, which is required.
type Options struct {
	Addr              string
	MaxFrameBytes     int
	MaxPayloadBytes   int
	DecompressWorkers int
	PipelineDepth     int
	StallTimeout      time.Duration
	ProducerPolicy    string
	BindAttempts      int
}

// OptionsFromConfig maps the relay configuration onto listener options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:              cfg.IngestAddr,
		MaxFrameBytes:     cfg.IngestMaxFrameBytes,
		MaxPayloadBytes:   cfg.IngestMaxPayloadBytes,
		DecompressWorkers: cfg.IngestDecompressWorkers,
		PipelineDepth:     cfg.IngestPipelineDepth,
		StallTimeout:      cfg.IngestStallTimeout,
		ProducerPolicy:    cfg.IngestProducerPolicy,
		BindAttempts:      cfg.BindAttempts,
	}
}

// Listener accepts producer connections on a TCP address.
type Listener struct {
	opts         Options
	registry     Broadcaster
	decompressor *codec.Decompressor
	sem          *semaphore.Weighted
	clock        clockwork.Clock
	metrics      *metrics.Metrics

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*producerConn]struct{}
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewListener(opts Options, registry Broadcaster, clock clockwork.Clock, m *metrics.Metrics) *Listener {
	if opts.DecompressWorkers < 1 {
		opts.DecompressWorkers = 1
	}
	if opts.PipelineDepth < 1 {
		opts.PipelineDepth = 1
	}
	if opts.BindAttempts < 1 {
		opts.BindAttempts = 1
	}
	if opts.ProducerPolicy == "" {
		opts.ProducerPolicy = config.PolicyCoexist
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &Listener{
		opts:         opts,
		registry:     registry,
		decompressor: codec.NewDecompressor(opts.MaxPayloadBytes),
		sem:          semaphore.NewWeighted(int64(opts.DecompressWorkers)),
		clock:        clock,
		metrics:      m,
		conns:        make(map[*producerConn]struct{}),
	}
}

// Listen binds the TCP address, retrying transient failures such as an
// address still held by a previous process.
func (l *Listener) Listen(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts:    l.opts.BindAttempts,
		InitialBackoff: bindInitialBackoff,
		MaxBackoff:     bindMaxBackoff,
		Clock:          l.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Ingest bind failed, retrying", "addr", l.opts.Addr, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	ln, err := retry.Do(ctx, policy, retry.ClassifyNet, func() (net.Listener, error) {
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", l.opts.Addr)
	})
	if err != nil {
		return fmt.Errorf("failed to bind ingest listener on %s: %w", l.opts.Addr, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = ln.Close()
		return ErrNotListening
	}
	l.ln = ln
	slog.Info("Ingest listener bound", "addr", ln.Addr().String(), "producer_policy", l.opts.ProducerPolicy)
	return nil
}

// Serve accepts connections until Close is called. It returns nil after a
// clean close.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	if ln == nil {
		l.mu.Unlock()
		return ErrNotListening
	}
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("ingest listener closed unexpectedly: %w", err)
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, acceptMaxBackoff)
			}
			slog.Warn("Ingest accept failed", "error", err, "retry_in", backoff)
			l.clock.Sleep(backoff)
			continue
		}
		backoff = 0

		c := l.admit(ctx, nc)
		if c == nil {
			continue
		}
		go func() {
			defer l.wg.Done()
			defer l.release(c)
			c.serve()
		}()
	}
}

// admit applies the producer policy and tracks the connection. It returns nil
// when the connection was refused.
func (l *Listener) admit(ctx context.Context, nc net.Conn) *producerConn {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		_ = nc.Close()
		return nil
	}

	switch l.opts.ProducerPolicy {
	case config.PolicyReject:
		if len(l.conns) > 0 {
			l.metrics.ProducersRejected.Inc()
			slog.Warn("Rejecting producer: another producer is connected", "remote_addr", nc.RemoteAddr().String())
			_ = nc.Close()
			return nil
		}
	case config.PolicyDisplace:
		for existing := range l.conns {
			l.metrics.ProducersRejected.Inc()
			slog.InfoContext(existing.ctx, "Displacing producer", "new_remote_addr", nc.RemoteAddr().String())
			existing.close()
		}
	}

	c := newProducerConn(ctx, l, nc)
	l.conns[c] = struct{}{}
	l.wg.Add(1)
	return c
}

func (l *Listener) release(c *producerConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Addr returns the bound address, or nil before Listen succeeds.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Bound reports whether the listener is accepting connections.
func (l *Listener) Bound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil && !l.closed
}

// ActiveProducers returns the number of open producer connections.
func (l *Listener) ActiveProducers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close stops accepting, drops every producer connection and waits for their
// handlers to exit. Frames still decompressing are discarded.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true

	var err error
	if l.ln != nil {
		if cerr := l.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("failed to close ingest listener: %w", cerr)
		}
	}
	if l.cancel != nil {
		l.cancel()
	}
	for c := range l.conns {
		c.close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	slog.Info("Ingest listener closed")
	return err
}
