package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/flash-sale/internal/model"
)

// ItemService is satisfied by *service.ItemService.
type ItemService interface {
	Get(ctx context.Context, id uint64) (model.Item, error)
	Create(ctx context.Context, it *model.Item) error
	Update(ctx context.Context, it *model.Item) error
}

// ItemHandler serves the hot item catalogue. Reads go through the cache
// guard; writes go to MySQL and then invalidate the cached entry.
type ItemHandler struct {
	svc ItemService
	log zerolog.Logger
}

func NewItemHandler(svc ItemService, log zerolog.Logger) *ItemHandler {
	return &ItemHandler{svc: svc, log: log.With().Str("component", "item_handler").Logger()}
}

type itemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceCents  uint32 `json:"price_cents"`
}

func (r itemRequest) validate() string {
	if strings.TrimSpace(r.Name) == "" {
		return "name is required"
	}
	if len(r.Name) > 255 {
		return "name is too long"
	}
	return ""
}

// Get handles GET /v1/items/:id.
func (h *ItemHandler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid item id"})
	}
	it, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, it)
}

// Create handles POST /v1/items.
func (h *ItemHandler) Create(c echo.Context) error {
	var req itemRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid JSON body"})
	}
	if msg := req.validate(); msg != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}
	it := &model.Item{Name: strings.TrimSpace(req.Name), Description: req.Description, PriceCents: req.PriceCents}
	if err := h.svc.Create(c.Request().Context(), it); err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, it)
}

// Update handles PUT /v1/items/:id.
func (h *ItemHandler) Update(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid item id"})
	}
	var req itemRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid JSON body"})
	}
	if msg := req.validate(); msg != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}
	it := &model.Item{ID: id, Name: strings.TrimSpace(req.Name), Description: req.Description, PriceCents: req.PriceCents}
	if err := h.svc.Update(c.Request().Context(), it); err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, it)
}
