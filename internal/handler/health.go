package handler // declare the package name; contains HTTP handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is a simple liveness endpoint used by load balancers. It returns a
// plain text "ok" with 200 while the process is serving.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Pinger is satisfied by *redis.Client and *sql.DB via small adapters.
type Pinger func(ctx context.Context) error

// Ready reports 503 until every dependency answers a ping.
func Ready(deps map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		status := make(map[string]string, len(deps))
		code := http.StatusOK
		for name, ping := range deps {
			if err := ping(ctx); err != nil {
				status[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		return c.JSON(code, status)
	}
}
