package gateway

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/wsrelay/internal/metrics"
	"github.com/pscheid92/wsrelay/internal/supervisor"
)

func (s *Server) handleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()
	ip := c.RealIP()

	if ok, reason := s.limits.Acquire(ip); !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		slog.WarnContext(ctx, "Connection rejected", "remote_ip", ip, "reason", reason)
		return c.String(reason.HTTPStatus(), http.StatusText(reason.HTTPStatus()))
	}
	defer s.limits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		slog.DebugContext(ctx, "WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return nil
	}

	s.conns.Add(1)
	defer s.conns.Done()

	id := uuid.NewString()
	sup := supervisor.New(ctx, id, conn, supervisor.Config{
		Policy:    s.policy,
		QueueSize: s.config.ClientQueueSize,
		Clock:     s.clock,
		Forwarder: s.upstream,
		OnClosed:  s.registry.Unregister,
	})

	if err := s.registry.Register(id, sup); err != nil {
		slog.WarnContext(ctx, "Failed to register connection", "conn_id", id, "error", err)
		sup.Stop(ShutdownReason)
		return nil
	}

	sup.Start()
	// Read pump blocks until the connection closes
	sup.ReadPump()
	<-sup.Done()

	return nil
}
