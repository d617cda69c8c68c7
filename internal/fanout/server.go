package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/meshrelay/internal/broadcast"
	"github.com/pscheid92/meshrelay/internal/metrics"
	"github.com/pscheid92/meshrelay/internal/platform/config"
	"github.com/pscheid92/meshrelay/internal/platform/correlation"
	"github.com/pscheid92/meshrelay/internal/platform/retry"
)

const (
	bindInitialBackoff = 500 * time.Millisecond
	bindMaxBackoff     = 5 * time.Second
)

var ErrNotListening = errors.New("fan-out listener is not bound")

// Registry is the subset of the subscriber registry the fan-out side needs.
type Registry interface {
	Register(sub broadcast.Subscriber) error
	Unregister(sub broadcast.Subscriber)
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	Development    bool
	MaxSubscribers int
	MaxPerIP       int
	ConnectRate    float64
	ConnectBurst   int
	MaxQueuedBytes int64
	TrustProxy     bool
	BindAttempts   int
}

// OptionsFromConfig maps the relay configuration onto server options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:           cfg.FanoutAddr,
		AllowedOrigins: cfg.FanoutAllowedOrigins(),
		Development:    cfg.IsDevelopment(),
		MaxSubscribers: cfg.FanoutMaxSubscribers,
		MaxPerIP:       cfg.FanoutMaxPerIP,
		ConnectRate:    cfg.FanoutConnectRate,
		ConnectBurst:   cfg.FanoutConnectBurst,
		MaxQueuedBytes: cfg.FanoutMaxQueuedBytes,
		TrustProxy:     cfg.FanoutTrustProxy,
		BindAttempts:   cfg.BindAttempts,
	}
}

// Server accepts consumer WebSocket connections on any path.
type Server struct {
	echo     *echo.Echo
	opts     Options
	registry Registry
	limits   *ConnectionLimits
	upgrader websocket.Upgrader
	clock    clockwork.Clock
	metrics  *metrics.Metrics

	mu      sync.Mutex
	ln      net.Listener
	serving bool
	closed  bool
}

func NewServer(opts Options, registry Registry, clock clockwork.Clock, m *metrics.Metrics) *Server {
	if opts.BindAttempts < 1 {
		opts.BindAttempts = 1
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Per-IP limits key on this address. Forwarding headers are client
	// controlled, so they are only honoured behind a trusted proxy.
	if opts.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	s := &Server{
		echo:     e,
		opts:     opts,
		registry: registry,
		limits:   NewConnectionLimits(clock, opts.MaxSubscribers, opts.MaxPerIP, opts.ConnectRate, opts.ConnectBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     NewCheckOrigin(opts.AllowedOrigins, opts.Development),
		},
		clock:   clock,
		metrics: m,
	}

	e.GET("/", s.handleWebSocket)
	e.GET("/*", s.handleWebSocket)

	return s
}

// Listen binds the fan-out address, retrying transient failures.
func (s *Server) Listen(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts:    s.opts.BindAttempts,
		InitialBackoff: bindInitialBackoff,
		MaxBackoff:     bindMaxBackoff,
		Clock:          s.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Fan-out bind failed, retrying", "addr", s.opts.Addr, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	ln, err := retry.Do(ctx, policy, retry.ClassifyNet, func() (net.Listener, error) {
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", s.opts.Addr)
	})
	if err != nil {
		return fmt.Errorf("failed to bind fan-out listener on %s: %w", s.opts.Addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = ln.Close()
		return ErrNotListening
	}
	s.ln = ln
	s.echo.Listener = ln
	slog.Info("Fan-out listener bound", "addr", ln.Addr().String())
	return nil
}

// Serve runs the HTTP server until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.serving = true
	s.mu.Unlock()

	if err := s.echo.Start(""); err != nil && !s.closedCleanly(err) {
		return fmt.Errorf("fan-out server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting new consumers. Established WebSocket connections
// are hijacked and stay open until the registry closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	serving := s.serving
	ln := s.ln
	s.mu.Unlock()

	// A running server owns the listener and closes it itself.
	if !serving && ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close fan-out listener: %w", err)
		}
	}

	if err := s.echo.Shutdown(ctx); err != nil && !s.closedCleanly(err) {
		return fmt.Errorf("failed to shutdown fan-out server: %w", err)
	}
	return nil
}

// closedCleanly reports whether err is the listener going away after Shutdown.
func (s *Server) closedCleanly(err error) bool {
	if errors.Is(err, http.ErrServerClosed) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && errors.Is(err, net.ErrClosed)
}

// Addr returns the bound address, or nil before Listen succeeds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Bound reports whether the server is accepting consumers.
func (s *Server) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil && !s.closed
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	if ok, reason := s.limits.Acquire(ip); !ok {
		s.metrics.FanoutConnections.WithLabelValues(string(reason)).Inc()
		slog.Warn("Consumer connection refused", "remote_ip", ip, "reason", reason)
		status := http.StatusTooManyRequests
		if reason == LimitReasonGlobal {
			status = http.StatusServiceUnavailable
		}
		return echo.NewHTTPError(status, string(reason))
	}
	defer s.limits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.metrics.FanoutConnections.WithLabelValues("upgrade_error").Inc()
		slog.Debug("WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return nil
	}

	id := uuid.NewString()
	ctx := correlation.WithConn(context.Background(), id, "fanout")
	cw := newClientWriter(ctx, id, conn, s.clock, s.metrics, s.opts.MaxQueuedBytes)

	if err := s.registry.Register(cw); err != nil {
		s.metrics.FanoutConnections.WithLabelValues("registry_full").Inc()
		slog.WarnContext(ctx, "Consumer registration failed", "remote_ip", ip, "error", err)
		cw.closeWith(websocket.CloseTryAgainLater, "subscriber limit reached")
		cw.wait()
		return nil
	}

	s.metrics.FanoutConnections.WithLabelValues("accepted").Inc()
	slog.InfoContext(ctx, "Consumer connected", "remote_ip", ip, "path", c.Request().URL.Path)

	s.readPump(ctx, conn)

	s.registry.Unregister(cw)
	cw.Close()
	cw.wait()
	slog.InfoContext(ctx, "Consumer disconnected")
	return nil
}

// readPump drains and discards inbound messages of any size until the
// connection fails. It also lets gorilla process control frames (pong, close).
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "Consumer read failed", "error", err)
			}
			return
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return
		}
	}
}
