package gateway

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/wsrelay/internal/platform/correlation"
)

// correlationMiddleware tags each request context with a correlation ID,
// reusing X-Request-ID when the caller sent one.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		id := req.Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = correlation.NewID()
		}
		c.SetRequest(req.WithContext(correlation.WithID(req.Context(), id)))
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogRemoteIP: true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ctx := c.Request().Context()
			if v.Error != nil {
				slog.WarnContext(ctx, "Request failed",
					"method", v.Method, "uri", v.URI, "status", v.Status,
					"remote_ip", v.RemoteIP, "latency", v.Latency, "error", v.Error)
				return nil
			}
			slog.DebugContext(ctx, "Request",
				"method", v.Method, "uri", v.URI, "status", v.Status,
				"remote_ip", v.RemoteIP, "latency", v.Latency)
			return nil
		},
	})
}
