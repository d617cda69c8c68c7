package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pscheid92/meshrelay/internal/metrics"
	apperrors "github.com/pscheid92/meshrelay/internal/platform/errors"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds how long Shutdown waits for each HTTP server.
const ShutdownTimeout = 10 * time.Second

var ErrAlreadyStarted = errors.New("relay already started")

// IngestListener is the producer-facing TCP listener.
type IngestListener interface {
	Listen(ctx context.Context) error
	Serve(ctx context.Context) error
	Close() error
	Bound() bool
}

// FanoutServer is the consumer-facing WebSocket server.
type FanoutServer interface {
	Listen(ctx context.Context) error
	Serve() error
	Shutdown(ctx context.Context) error
	Bound() bool
}

// OpsServer is the optional health and metrics endpoint.
type OpsServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// SubscriberRegistry is stopped last, closing every consumer.
type SubscriberRegistry interface {
	Stop()
}

// State is the relay lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// Relay is the lifecycle manager for one relay process.
type Relay struct {
	ingest   IngestListener
	fanout   FanoutServer
	ops      OpsServer
	registry SubscriberRegistry
	metrics  *metrics.Metrics

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRelay creates a lifecycle manager. ops may be nil.
func NewRelay(ingest IngestListener, fanout FanoutServer, registry SubscriberRegistry, ops OpsServer, m *metrics.Metrics) *Relay {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Relay{
		ingest:   ingest,
		fanout:   fanout,
		ops:      ops,
		registry: registry,
		metrics:  m,
	}
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start binds both listeners concurrently and begins serving. A listener that
// fails to bind is logged as a bind error and left down; Start still succeeds
// so the other listener keeps working.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.state = StateStarting
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		if err := r.ingest.Listen(ctx); err != nil {
			r.logBindError("ingest", err)
			return nil
		}
		r.goServe("ingest", func() error { return r.ingest.Serve(ctx) }, r.logServeError)
		return nil
	})
	g.Go(func() error {
		if err := r.fanout.Listen(ctx); err != nil {
			r.logBindError("fanout", err)
			return nil
		}
		r.goServe("fanout", r.fanout.Serve, r.logServeError)
		return nil
	})
	if r.ops != nil {
		// The ops server binds inside Start, so its failures are bind errors.
		r.goServe("ops", r.ops.Start, r.logBindError)
	}
	_ = g.Wait()

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()

	slog.Info("Relay started", "ingest_bound", r.ingest.Bound(), "fanout_bound", r.fanout.Bound())
	return nil
}

func (r *Relay) goServe(name string, serve func() error, onError func(name string, err error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := serve(); err != nil {
			onError(name, err)
		}
	}()
}

func (r *Relay) logServeError(name string, err error) {
	r.metrics.Errors.WithLabelValues(string(apperrors.KindInternal)).Inc()
	slog.Error("Listener stopped unexpectedly", "listener", name, "error", err)
}

func (r *Relay) logBindError(name string, err error) {
	r.metrics.Errors.WithLabelValues(string(apperrors.KindBind)).Inc()
	apperrors.Log(context.Background(), apperrors.BindError("Listener failed to start", err).
		WithContext("listener", name))
}

// Shutdown stops accepting consumers, then producers, then closes every
// subscriber. It is safe to call more than once.
func (r *Relay) Shutdown(ctx context.Context) error {
	var errs []error

	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.state = StateStopping
		cancel := r.cancel
		r.mu.Unlock()

		slog.Info("Relay shutting down")

		if err := r.fanout.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := r.ingest.Close(); err != nil {
			errs = append(errs, err)
		}
		r.registry.Stop()
		if r.ops != nil {
			if err := r.ops.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if cancel != nil {
			cancel()
		}
		r.wg.Wait()

		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()
		slog.Info("Relay stopped")
	})

	if len(errs) > 0 {
		return fmt.Errorf("relay shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// Run starts the relay and blocks until ctx is cancelled, then shuts down.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}
