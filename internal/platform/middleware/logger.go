package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careforms/internal/platform/auth"
	"github.com/ehr/careforms/internal/platform/db"
)

// Logger writes one line per request. Tenant and user are read after the
// handler chain has run, since the auth and tenant middleware sit inside it.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			evt := logger.Info()
			if status >= 500 {
				evt = logger.Error().Err(err)
			} else if status >= 400 {
				evt = logger.Warn()
			}

			rid, _ := c.Get("request_id").(string)
			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			if tenant := db.TenantFromContext(req.Context()); tenant != "" {
				evt = evt.Str("tenant", tenant)
			}
			if user := auth.UserIDFromContext(req.Context()); user != "" {
				evt = evt.Str("user_id", user)
			}
			evt.Msg("request")
			return nil
		}
	}
}
