package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/heartbeat"
	"github.com/pscheid92/wsrelay/internal/platform/config"
	"github.com/pscheid92/wsrelay/internal/upstream"
)

// ShutdownReason is the Close frame reason clients receive when the gateway stops.
const ShutdownReason = "server shutting down"

// Registry is the fan-out registry the gateway registers connections with.
type Registry interface {
	Register(id string, handle domain.Handle) error
	Unregister(id string)
	Count() int
	Stop(reason string)
}

// Upstream is the gateway's view of the upstream link.
type Upstream interface {
	domain.Forwarder
	Status() upstream.Status
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	registry  Registry
	upstream  Upstream
	limits    *ConnectionLimits
	clock     clockwork.Clock
	policy    heartbeat.Policy
	upgrader  websocket.Upgrader
	startTime time.Time

	conns sync.WaitGroup
}

func NewServer(cfg *config.Config, registry Registry, link Upstream, clock clockwork.Clock) (*Server, error) {
	policy := heartbeat.Policy{PingInterval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid heartbeat policy: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(correlationMiddleware)
	e.Use(requestLogger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:     e,
		config:   cfg,
		registry: registry,
		upstream: link,
		limits: NewConnectionLimits(clock, int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		clock:  clock,
		policy: policy,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // relay clients connect from anywhere
			},
		},
		startTime: clock.Now(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until the listener stops.
// It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	slog.Info("Starting gateway", "addr", s.config.Addr(), "ws_path", s.config.WebSocketPath)
	if err := s.echo.Start(s.config.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway listener: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, sends every client a going-away Close frame,
// and waits for the connections to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.registry.Stop(ShutdownReason)

	drained := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("Gateway shutdown timed out with connections still open")
		return errors.Join(err, ctx.Err())
	}
	return err
}
