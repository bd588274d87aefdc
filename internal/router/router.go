// Package router wires HTTP routes to handlers and middleware.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/flash-sale/internal/handler"
	"github.com/iliyamo/flash-sale/internal/metrics"
	"github.com/iliyamo/flash-sale/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication:
// liveness, readiness and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, ready echo.HandlerFunc) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", ready)
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// RegisterSeckill registers the purchase endpoint. Callers must present a
// valid access token; the limiter runs after JWTAuth so per-user keys see
// the caller's id.
func RegisterSeckill(e *echo.Echo, h *handler.SeckillHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1/seckill",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole("OWNER", "CUSTOMER"),
		limiter,
	)
	g.POST("/:itemID", h.Purchase)
}

// RegisterCatalog registers item reads for everyone and item and activity
// writes for owners.
func RegisterCatalog(e *echo.Echo, items *handler.ItemHandler, activities *handler.ActivityHandler, jwtSecret string) {
	e.GET("/v1/items/:id", items.Get)

	owner := []echo.MiddlewareFunc{middleware.JWTAuth(jwtSecret), middleware.RequireRole("OWNER")}
	e.POST("/v1/items", items.Create, owner...)
	e.PUT("/v1/items/:id", items.Update, owner...)
	e.POST("/v1/activities", activities.Publish, owner...)
	e.GET("/v1/activities/:itemID/stock", activities.Stock, owner...)
}
