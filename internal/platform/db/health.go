package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Check is a named dependency check reported by the health endpoint.
type Check struct {
	Name     string
	Ping     func(ctx context.Context) error
	Optional bool
}

// HealthHandler pings every check. A failing required check turns the whole
// report unhealthy; optional ones (caches, brokers) only mark themselves degraded.
func HealthHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report, healthy := runChecks(ctx, checks)
		status := http.StatusOK
		overall := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
		}
		return c.JSON(status, map[string]interface{}{
			"status": overall,
			"checks": report,
		})
	}
}

func runChecks(ctx context.Context, checks []Check) (map[string]string, bool) {
	report := make(map[string]string, len(checks))
	healthy := true
	for _, chk := range checks {
		if err := chk.Ping(ctx); err != nil {
			if chk.Optional {
				report[chk.Name] = "degraded: " + err.Error()
				continue
			}
			report[chk.Name] = "down: " + err.Error()
			healthy = false
			continue
		}
		report[chk.Name] = "up"
	}
	return report, healthy
}

// PoolCheck adapts a pgx pool to a required health check.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "postgres", Ping: pool.Ping}
}
