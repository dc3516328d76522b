package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/wsrelay/internal/platform/version"
	"github.com/pscheid92/wsrelay/internal/upstream"
)

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.clock.Since(s.startTime).Seconds()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

// handleReadiness reports ready only while the upstream link is connected.
func (s *Server) handleReadiness(c echo.Context) error {
	status := s.upstream.Status()
	if status != upstream.Connected {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "unhealthy",
			"failed_check": "upstream",
			"upstream":     status.String(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ready",
		"upstream":    status.String(),
		"connections": s.registry.Count(),
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
