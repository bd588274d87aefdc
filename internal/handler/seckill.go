package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/flash-sale/internal/middleware"
	"github.com/iliyamo/flash-sale/internal/seckill"
)

// Purchaser is satisfied by *service.PurchaseService.
type Purchaser interface {
	TryPurchase(ctx context.Context, itemID, userID uint64) (seckill.Result, error)
}

// SeckillHandler exposes the purchase attempt. The response is final for
// the caller: persistence happens asynchronously after acceptance.
type SeckillHandler struct {
	svc Purchaser
	log zerolog.Logger
}

// NewSeckillHandler returns a handler backed by svc.
func NewSeckillHandler(svc Purchaser, log zerolog.Logger) *SeckillHandler {
	return &SeckillHandler{svc: svc, log: log.With().Str("component", "seckill_handler").Logger()}
}

// Purchase handles POST /v1/seckill/:itemID.
//
//	200 {"order_id": "<id>"}
//	409 {"error": "out_of_stock" | "duplicate_attempt"}
//
// order_id is a decimal string because 64-bit ids exceed the integer range
// of JavaScript clients.
func (h *SeckillHandler) Purchase(c echo.Context) error {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	itemID, err := parseID(c, "itemID")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid item id"})
	}

	res, err := h.svc.TryPurchase(c.Request().Context(), itemID, userID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if res.Outcome != seckill.Accepted {
		return c.JSON(http.StatusConflict, echo.Map{"error": res.Outcome.String()})
	}
	return c.JSON(http.StatusOK, echo.Map{"order_id": strconv.FormatUint(res.OrderID, 10)})
}

func parseID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err == nil && id == 0 {
		err = strconv.ErrRange
	}
	return id, err
}
