package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/pscheid92/meshrelay/internal/frame"
	"github.com/pscheid92/meshrelay/internal/platform/correlation"
	apperrors "github.com/pscheid92/meshrelay/internal/platform/errors"
)

const (
	readBufferSize  = 64 << 10
	keepAlivePeriod = time.Second
)

var errStopped = errors.New("connection stopping")

// producerConn is one accepted producer stream.
type producerConn struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	listener  *Listener
	nc        net.Conn
	assembler *frame.Assembler
	pipeline  *pipeline
}

func newProducerConn(ctx context.Context, l *Listener, nc net.Conn) *producerConn {
	id := correlation.NewID()
	ctx, cancel := context.WithCancel(correlation.WithConn(ctx, id, "ingest"))

	return &producerConn{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		listener:  l,
		nc:        nc,
		assembler: frame.NewAssembler(l.opts.MaxFrameBytes),
	}
}

// close forces the read loop to exit. In-flight frames are dropped.
func (c *producerConn) close() {
	c.cancel()
	_ = c.nc.Close()
}

func (c *producerConn) serve() {
	l := c.listener
	configureTCP(c.ctx, c.nc)

	slog.InfoContext(c.ctx, "Producer connected", "remote_addr", c.nc.RemoteAddr().String())
	l.metrics.IngestConnections.Inc()

	c.pipeline = newPipeline(c.ctx, l.opts.PipelineDepth, l.sem, c.decode, c.emit, c.dropFrame)

	defer func() {
		_ = c.nc.Close()
		c.pipeline.close()
		c.cancel()
		l.metrics.IngestConnections.Dec()
	}()

	buf := make([]byte, readBufferSize)
	for {
		c.armStallDeadline()

		n, err := c.nc.Read(buf)
		if n > 0 {
			l.metrics.IngestBytes.Add(float64(n))
			if perr := c.process(buf[:n]); perr != nil {
				if !errors.Is(perr, errStopped) {
					slog.WarnContext(c.ctx, "Closing producer connection", "error", perr)
				}
				return
			}
		}
		if err == nil {
			continue
		}

		if c.stalled(err) {
			c.assembler.Reset()
			l.metrics.Errors.WithLabelValues(string(apperrors.KindFraming)).Inc()
			apperrors.Log(c.ctx, apperrors.FramingError("Discarding stalled partial frame", err).
				WithContext("stall_timeout", l.opts.StallTimeout))
			continue
		}

		switch {
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), c.ctx.Err() != nil:
			slog.InfoContext(c.ctx, "Producer disconnected")
		default:
			slog.WarnContext(c.ctx, "Producer connection error", "error", err)
		}
		return
	}
}

// process feeds one read into the assembler and queues every completed frame.
// A panic resets the assembler and keeps the connection.
func (c *producerConn) process(chunk []byte) (err error) {
	l := c.listener
	defer func() {
		if rec := recover(); rec != nil {
			c.assembler.Reset()
			l.metrics.Errors.WithLabelValues(string(apperrors.KindInternal)).Inc()
			apperrors.Log(c.ctx, apperrors.InternalError("Recovered panic while processing producer data", fmt.Errorf("%v", rec)))
			err = nil
		}
	}()

	frames, feedErr := c.assembler.Feed(chunk)
	for _, f := range frames {
		l.metrics.FramesTotal.Inc()
		l.metrics.FrameBytes.Observe(float64(len(f)))
		if !c.pipeline.submit(f) {
			return errStopped
		}
	}

	if feedErr != nil {
		l.metrics.Errors.WithLabelValues(string(apperrors.KindFraming)).Inc()
		apperrors.Log(c.ctx, apperrors.FramingError("Rejecting oversized frame", feedErr).
			WithContext("max_frame_bytes", l.opts.MaxFrameBytes))
		return feedErr
	}
	return nil
}

func (c *producerConn) decode(compressed []byte) ([]byte, error) {
	l := c.listener
	start := l.clock.Now()
	payload, err := l.decompressor.Decompress(compressed)
	l.metrics.DecompressDuration.Observe(l.clock.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %d byte frame: %w", len(compressed), err)
	}
	return payload, nil
}

func (c *producerConn) emit(payload []byte) {
	l := c.listener
	defer func() {
		if rec := recover(); rec != nil {
			l.metrics.Errors.WithLabelValues(string(apperrors.KindInternal)).Inc()
			apperrors.Log(c.ctx, apperrors.InternalError("Recovered panic while broadcasting payload", fmt.Errorf("%v", rec)))
		}
	}()

	l.metrics.PayloadBytes.Observe(float64(len(payload)))
	sent := l.registry.Broadcast(payload)
	slog.DebugContext(c.ctx, "Payload relayed", "bytes", len(payload), "subscribers", sent)
}

func (c *producerConn) dropFrame(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.listener.metrics.Errors.WithLabelValues(string(apperrors.KindDecode)).Inc()
	apperrors.Log(c.ctx, apperrors.DecodeError("Dropping undecodable frame", err))
}

// armStallDeadline sets a read deadline while a partial frame is buffered so
// a producer that goes quiet mid-frame does not pin the buffer forever.
func (c *producerConn) armStallDeadline() {
	timeout := c.listener.opts.StallTimeout
	if timeout <= 0 {
		return
	}
	if c.assembler.Pending() {
		_ = c.nc.SetReadDeadline(c.listener.clock.Now().Add(timeout))
		return
	}
	_ = c.nc.SetReadDeadline(time.Time{})
}

func (c *producerConn) stalled(err error) bool {
	if c.listener.opts.StallTimeout <= 0 || !c.assembler.Pending() {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func configureTCP(ctx context.Context, nc net.Conn) {
	tcp, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(true); err != nil {
		slog.DebugContext(ctx, "Failed to set TCP_NODELAY", "error", err)
	}
	if err := tcp.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepAlivePeriod,
		Interval: keepAlivePeriod,
	}); err != nil {
		slog.DebugContext(ctx, "Failed to configure keep-alive", "error", err)
	}
}
