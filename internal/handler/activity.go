package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/flash-sale/internal/model"
)

// ActivityService is satisfied by *service.ActivityService.
type ActivityService interface {
	Publish(ctx context.Context, a *model.Activity) error
	Remaining(ctx context.Context, itemID uint64) (int64, error)
}

// ActivityHandler lets owners publish flash sales.
type ActivityHandler struct {
	svc ActivityService
	log zerolog.Logger
}

func NewActivityHandler(svc ActivityService, log zerolog.Logger) *ActivityHandler {
	return &ActivityHandler{svc: svc, log: log.With().Str("component", "activity_handler").Logger()}
}

// publishActivityRequest is the body of POST /v1/activities. Times are
// RFC3339.
type publishActivityRequest struct {
	ItemID  uint64    `json:"item_id"`
	Stock   int       `json:"stock"`
	BeginAt time.Time `json:"begin_at"`
	EndAt   time.Time `json:"end_at"`
}

// Publish stores the activity and seeds the admission stock counter.
// Publishing again for the same item replaces the window and total stock;
// users already admitted stay admitted and keep their units.
func (h *ActivityHandler) Publish(c echo.Context) error {
	var req publishActivityRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid JSON body"})
	}
	if req.ItemID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "item_id is required"})
	}
	if req.BeginAt.IsZero() || req.EndAt.IsZero() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "begin_at and end_at are required"})
	}
	a := &model.Activity{
		ItemID:  req.ItemID,
		Stock:   req.Stock,
		BeginAt: req.BeginAt.UTC(),
		EndAt:   req.EndAt.UTC(),
	}
	if err := h.svc.Publish(c.Request().Context(), a); err != nil {
		return writeError(c, h.log, err)
	}
	h.log.Info().Uint64("item_id", a.ItemID).Int("stock", a.Stock).Msg("activity published")
	return c.JSON(http.StatusCreated, a)
}

// Stock handles GET /v1/activities/:itemID/stock.
func (h *ActivityHandler) Stock(c echo.Context) error {
	itemID, err := parseID(c, "itemID")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid item id"})
	}
	n, err := h.svc.Remaining(c.Request().Context(), itemID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item_id": itemID, "remaining": n})
}
