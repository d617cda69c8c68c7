package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/metrics"
	apperrors "github.com/pscheid92/meshrelay/internal/platform/errors"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	commandBuffer  = 256
)

var (
	ErrRegistryFull = errors.New("subscriber limit reached")
	ErrStopped      = errors.New("registry stopped")
	ErrDuplicate    = errors.New("subscriber already registered")
)

// Subscriber is one consumer connection as seen by the registry.
//
// Send must not block: it either queues the payload for delivery as one
// discrete message or returns an error (closed connection, full queue).
type Subscriber interface {
	ID() string
	Send(payload []byte) error
	Close()
}

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type registerCmd struct {
	baseRegistryCmd
	subscriber   Subscriber
	errorChannel chan error
}

type unregisterCmd struct {
	baseRegistryCmd
	subscriber Subscriber
}

type broadcastCmd struct {
	baseRegistryCmd
	payload      []byte
	replyChannel chan int
}

type countCmd struct {
	baseRegistryCmd
	replyChannel chan int
}

type stopCmd struct {
	baseRegistryCmd
}

// Registry tracks the connected subscribers and fans payloads out to them.
type Registry struct {
	cmdCh          chan registryCmd
	clock          clockwork.Clock
	metrics        *metrics.Metrics
	subscribers    map[string]Subscriber
	maxSubscribers int
	done           chan struct{}
	stopOnce       sync.Once
	stopTimeout    time.Duration
}

// NewRegistry creates and starts a registry. maxSubscribers caps the set
// size; 0 means unlimited.
func NewRegistry(clock clockwork.Clock, m *metrics.Metrics, maxSubscribers int) *Registry {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	r := &Registry{
		cmdCh:          make(chan registryCmd, commandBuffer),
		clock:          clock,
		metrics:        m,
		subscribers:    make(map[string]Subscriber),
		maxSubscribers: maxSubscribers,
		done:           make(chan struct{}),
		stopTimeout:    stopTimeout,
	}
	go r.run()
	return r
}

// Register adds a subscriber. It fails when the registry is full or stopped.
func (r *Registry) Register(sub Subscriber) error {
	errCh := make(chan error, 1)
	if !r.send(registerCmd{subscriber: sub, errorChannel: errCh}) {
		return ErrStopped
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-r.done:
		return ErrStopped
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a subscriber. Unknown subscribers are ignored, so it is
// safe to call after the registry already evicted it.
func (r *Registry) Unregister(sub Subscriber) {
	r.send(unregisterCmd{subscriber: sub})
}

// Broadcast hands payload to every registered subscriber and returns how many
// accepted it. Subscribers whose Send fails are evicted after the pass.
func (r *Registry) Broadcast(payload []byte) int {
	replyCh := make(chan int, 1)
	if !r.send(broadcastCmd{payload: payload, replyChannel: replyCh}) {
		return 0
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-replyCh:
		return n
	case <-r.done:
		return 0
	case <-timer.Chan():
		slog.Warn("Broadcast timed out", "timeout", commandTimeout)
		return 0
	}
}

// Count returns the number of registered subscribers, or -1 on timeout.
func (r *Registry) Count() int {
	replyCh := make(chan int, 1)
	if !r.send(countCmd{replyChannel: replyCh}) {
		return 0
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-replyCh:
		return n
	case <-r.done:
		return 0
	case <-timer.Chan():
		slog.Warn("Count timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every subscriber and shuts down the actor. It blocks until the
// actor has exited or the stop timeout elapses. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if !r.send(stopCmd{}) {
			return
		}

		timeout := r.clock.NewTimer(r.stopTimeout)
		defer timeout.Stop()

		select {
		case <-r.done:
			slog.Info("Registry stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Registry stop timeout exceeded", "timeout", r.stopTimeout)
		}
	})
}

// Done is closed once the actor has exited.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

func (r *Registry) send(cmd registryCmd) bool {
	select {
	case r.cmdCh <- cmd:
		return true
	case <-r.done:
		return false
	}
}

func (r *Registry) run() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Registry panic recovered", "panic", rec)
			r.metrics.RegistryPanics.Inc()
			r.closeAll()
		}
	}()
	defer close(r.done)

	for cmd := range r.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			c.errorChannel <- r.handleRegister(c.subscriber)
		case unregisterCmd:
			r.handleUnregister(c.subscriber)
		case broadcastCmd:
			c.replyChannel <- r.handleBroadcast(c.payload)
		case countCmd:
			c.replyChannel <- len(r.subscribers)
		case stopCmd:
			r.handleStop()
			return
		default:
			slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (r *Registry) handleRegister(sub Subscriber) error {
	if _, exists := r.subscribers[sub.ID()]; exists {
		return ErrDuplicate
	}
	if r.maxSubscribers > 0 && len(r.subscribers) >= r.maxSubscribers {
		slog.Warn("Rejecting subscriber: limit reached", "subscriber_id", sub.ID(), "max_subscribers", r.maxSubscribers)
		return ErrRegistryFull
	}

	r.subscribers[sub.ID()] = sub
	r.metrics.SubscribersCurrent.Set(float64(len(r.subscribers)))
	slog.Info("Subscriber registered", "subscriber_id", sub.ID(), "total_subscribers", len(r.subscribers))
	return nil
}

func (r *Registry) handleUnregister(sub Subscriber) {
	current, exists := r.subscribers[sub.ID()]
	if !exists || current != sub {
		return
	}

	delete(r.subscribers, sub.ID())
	r.metrics.SubscribersCurrent.Set(float64(len(r.subscribers)))
	slog.Info("Subscriber unregistered", "subscriber_id", sub.ID(), "total_subscribers", len(r.subscribers))
}

func (r *Registry) handleBroadcast(payload []byte) int {
	sent := 0
	var failed []Subscriber
	for _, sub := range r.subscribers {
		if err := safeSend(sub, payload); err != nil {
			failed = append(failed, sub)
			r.metrics.Errors.WithLabelValues(string(apperrors.KindSend)).Inc()
			apperrors.Log(context.Background(), apperrors.SendError("Dropping subscriber after failed send", err).
				WithContext("subscriber_id", sub.ID()))
			continue
		}
		sent++
	}

	for _, sub := range failed {
		r.metrics.SubscribersEvicted.Inc()
		r.handleUnregister(sub)
		sub.Close()
	}

	r.metrics.BroadcastsTotal.Inc()
	r.metrics.BroadcastRecipients.Observe(float64(sent))
	slog.Debug("Payload broadcast", "bytes", len(payload), "subscribers", sent)
	return sent
}

func safeSend(sub Subscriber, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panicked: %v", rec)
		}
	}()
	return sub.Send(payload)
}

func (r *Registry) handleStop() {
	slog.Info("Registry shutting down", "subscribers", len(r.subscribers))
	r.closeAll()
}

// closeAll closes every subscriber and empties the set. Used during shutdown
// and panic recovery.
func (r *Registry) closeAll() {
	for id, sub := range r.subscribers {
		sub.Close()
		delete(r.subscribers, id)
	}
	r.metrics.SubscribersCurrent.Set(0)
}
