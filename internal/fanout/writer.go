package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/metrics"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSlowConsumer     = errors.New("subscriber send queue over byte limit")
)

// clientWriter owns all data writes to one consumer connection. Payloads are
// queued by Send and written in order by a single goroutine, which also keeps
// the connection alive with pings.
type clientWriter struct {
	id          string
	ctx         context.Context
	connection  *websocket.Conn
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	maxQueued   int64 // 0 means unbounded
	wakeChannel chan struct{}
	doneChannel chan struct{}
	exited      chan struct{}
	stopOnce    sync.Once
	closeCode   int
	closeReason string

	mu          sync.Mutex
	queue       [][]byte
	queuedBytes int64
}

func newClientWriter(ctx context.Context, id string, connection *websocket.Conn, clock clockwork.Clock, m *metrics.Metrics, maxQueuedBytes int64) *clientWriter {
	cw := &clientWriter{
		id:          id,
		ctx:         ctx,
		connection:  connection,
		clock:       clock,
		metrics:     m,
		maxQueued:   maxQueuedBytes,
		wakeChannel: make(chan struct{}, 1),
		doneChannel: make(chan struct{}),
		exited:      make(chan struct{}),
	}
	cw.configurePongHandler()
	go cw.run()
	return cw
}

func (cw *clientWriter) ID() string { return cw.id }

// Send queues payload without blocking. The queue grows with the backlog; only
// when more than maxQueued bytes are already waiting is the consumer reported
// as slow so the registry drops it. A payload sent to an empty queue is always
// accepted, whatever its size.
func (cw *clientWriter) Send(payload []byte) error {
	select {
	case <-cw.doneChannel:
		return ErrSubscriberClosed
	default:
	}

	cw.mu.Lock()
	size := int64(len(payload))
	if cw.maxQueued > 0 && len(cw.queue) > 0 && cw.queuedBytes+size > cw.maxQueued {
		cw.mu.Unlock()
		return ErrSlowConsumer
	}
	cw.queue = append(cw.queue, payload)
	cw.queuedBytes += size
	cw.mu.Unlock()

	cw.wake()
	return nil
}

func (cw *clientWriter) wake() {
	select {
	case cw.wakeChannel <- struct{}{}:
	default:
	}
}

// dequeue pops the oldest payload and reports whether more are waiting.
func (cw *clientWriter) dequeue() (msg []byte, ok bool, more bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if len(cw.queue) == 0 {
		return nil, false, false
	}
	msg = cw.queue[0]
	cw.queue[0] = nil
	cw.queue = cw.queue[1:]
	cw.queuedBytes -= int64(len(msg))
	if len(cw.queue) == 0 {
		cw.queue = nil
	}
	return msg, true, len(cw.queue) > 0
}

// queued returns the number of payloads and bytes waiting to be written.
func (cw *clientWriter) queued() (int, int64) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.queue), cw.queuedBytes
}

// Close asks the writer to send a going-away close frame and release the
// connection. It does not wait; use wait for that.
func (cw *clientWriter) Close() {
	cw.closeWith(websocket.CloseGoingAway, "relay closing connection")
}

func (cw *clientWriter) closeWith(code int, reason string) {
	cw.stopOnce.Do(func() {
		cw.closeCode = code
		cw.closeReason = reason
		close(cw.doneChannel)
	})
}

// wait blocks until the writer goroutine has exited and the connection is closed.
func (cw *clientWriter) wait() {
	<-cw.exited
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer close(cw.exited)
	defer func() { _ = cw.connection.Close() }()
	defer ticker.Stop()

	for {
		select {
		case <-cw.wakeChannel:
			// One payload per wake-up so pings still get a turn during a backlog.
			msg, ok, more := cw.dequeue()
			if !ok {
				continue
			}
			if more {
				cw.wake()
			}
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.DebugContext(cw.ctx, "Consumer write failed", "error", err)
				cw.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
			cw.metrics.MessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.metrics.PingFailures.Inc()
				slog.DebugContext(cw.ctx, "Consumer ping failed", "error", err)
				cw.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-cw.doneChannel:
			cw.writeClose()
			return
		}
	}
}

func (cw *clientWriter) writeClose() {
	if n, size := cw.queued(); n > 0 {
		slog.DebugContext(cw.ctx, "Discarding queued payloads on close", "payloads", n, "bytes", size)
	}
	msg := websocket.FormatCloseMessage(cw.closeCode, cw.closeReason)
	deadline := cw.clock.Now().Add(writeDeadline)
	if err := cw.connection.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		slog.DebugContext(cw.ctx, "Failed to send close frame", "error", err)
	}
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
