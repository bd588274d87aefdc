package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/model"
	"github.com/iliyamo/flash-sale/internal/seckill"
)

type fakePurchaser struct {
	res    seckill.Result
	err    error
	itemID uint64
	userID uint64
}

func (f *fakePurchaser) TryPurchase(_ context.Context, itemID, userID uint64) (seckill.Result, error) {
	f.itemID, f.userID = itemID, userID
	return f.res, f.err
}

type fakeItems struct {
	items   map[uint64]model.Item
	getErr  error
	updated *model.Item
}

func (f *fakeItems) Get(_ context.Context, id uint64) (model.Item, error) {
	if f.getErr != nil {
		return model.Item{}, f.getErr
	}
	it, ok := f.items[id]
	if !ok {
		return model.Item{}, errors.Wrapf(apperr.ErrNotFound, "item %d", id)
	}
	return it, nil
}

func (f *fakeItems) Create(_ context.Context, it *model.Item) error {
	it.ID = 99
	return nil
}

func (f *fakeItems) Update(_ context.Context, it *model.Item) error {
	f.updated = it
	return nil
}

type fakeActivities struct {
	published *model.Activity
	err       error
	remaining int64
}

func (f *fakeActivities) Publish(_ context.Context, a *model.Activity) error {
	if f.err != nil {
		return f.err
	}
	f.published = a
	return nil
}

func (f *fakeActivities) Remaining(context.Context, uint64) (int64, error) {
	return f.remaining, f.err
}

// withUser stands in for JWTAuth.
func withUser(id uint64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", id)
			return next(c)
		}
	}
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPurchase(t *testing.T) {
	tests := []struct {
		name   string
		res    seckill.Result
		err    error
		status int
		body   string
	}{
		{
			name:   "accepted",
			res:    seckill.Result{Outcome: seckill.Accepted, OrderID: 1 << 40},
			status: http.StatusOK,
			body:   `{"order_id":"1099511627776"}`,
		},
		{
			name:   "out of stock",
			res:    seckill.Result{Outcome: seckill.OutOfStock},
			status: http.StatusConflict,
			body:   `{"error":"out_of_stock"}`,
		},
		{
			name:   "duplicate",
			res:    seckill.Result{Outcome: seckill.DuplicateAttempt},
			status: http.StatusConflict,
			body:   `{"error":"duplicate_attempt"}`,
		},
		{
			name:   "not open",
			err:    errors.Wrap(apperr.ErrActivityNotOpen, "item 7"),
			status: http.StatusForbidden,
			body:   `{"error":"not_open"}`,
		},
		{
			name:   "closed",
			err:    apperr.ErrActivityClosed,
			status: http.StatusForbidden,
			body:   `{"error":"closed"}`,
		},
		{
			name:   "no activity",
			err:    apperr.ErrActivityNotFound,
			status: http.StatusNotFound,
			body:   `{"error":"not_found"}`,
		},
		{
			name:   "redis down",
			err:    apperr.Transient(errors.New("dial tcp: refused"), "admit"),
			status: http.StatusServiceUnavailable,
			body:   `{"error":"temporarily_unavailable"}`,
		},
		{
			name:   "unexpected",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			body:   `{"error":"internal_error"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakePurchaser{res: tt.res, err: tt.err}
			h := NewSeckillHandler(svc, zerolog.Nop())
			e := echo.New()
			e.POST("/v1/seckill/:itemID", h.Purchase, withUser(42))

			rec := do(e, http.MethodPost, "/v1/seckill/7", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
			assert.Equal(t, uint64(7), svc.itemID)
			assert.Equal(t, uint64(42), svc.userID)
		})
	}
}

func TestPurchase_Rejects(t *testing.T) {
	svc := &fakePurchaser{res: seckill.Result{Outcome: seckill.Accepted, OrderID: 1}}
	h := NewSeckillHandler(svc, zerolog.Nop())
	e := echo.New()
	e.POST("/anon/:itemID", h.Purchase)
	e.POST("/v1/seckill/:itemID", h.Purchase, withUser(42))

	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodPost, "/anon/7", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/seckill/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/seckill/0", "").Code)
	assert.Zero(t, svc.userID, "service must not be called")
}

func TestItemHandler(t *testing.T) {
	svc := &fakeItems{items: map[uint64]model.Item{5: {ID: 5, Name: "phone", PriceCents: 19900}}}
	h := NewItemHandler(svc, zerolog.Nop())
	e := echo.New()
	e.GET("/v1/items/:id", h.Get)
	e.POST("/v1/items", h.Create)
	e.PUT("/v1/items/:id", h.Update)

	rec := do(e, http.MethodGet, "/v1/items/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"phone"`)

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/v1/items/6", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/v1/items/x", "").Code)

	rec = do(e, http.MethodPost, "/v1/items", `{"name":" tv ","price_cents":500}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":99`)
	assert.Contains(t, rec.Body.String(), `"name":"tv"`)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/items", `{"name":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/items", `{`).Code)

	rec = do(e, http.MethodPut, "/v1/items/5", `{"name":"phone 2","price_cents":18900}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.updated)
	assert.Equal(t, uint64(5), svc.updated.ID)
	assert.Equal(t, uint32(18900), svc.updated.PriceCents)
}

func TestItemHandler_Transient(t *testing.T) {
	svc := &fakeItems{getErr: errors.Wrap(apperr.ErrTransientUnavailable, "rebuild lock")}
	h := NewItemHandler(svc, zerolog.Nop())
	e := echo.New()
	e.GET("/v1/items/:id", h.Get)

	rec := do(e, http.MethodGet, "/v1/items/5", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestActivityHandler(t *testing.T) {
	svc := &fakeActivities{remaining: 3}
	h := NewActivityHandler(svc, zerolog.Nop())
	e := echo.New()
	e.POST("/v1/activities", h.Publish)
	e.GET("/v1/activities/:itemID/stock", h.Stock)

	body := `{"item_id":7,"stock":100,"begin_at":"2026-01-01T10:00:00Z","end_at":"2026-01-01T11:00:00Z"}`
	rec := do(e, http.MethodPost, "/v1/activities", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, svc.published)
	assert.Equal(t, uint64(7), svc.published.ItemID)
	assert.Equal(t, 100, svc.published.Stock)
	assert.Equal(t, 10, svc.published.BeginAt.Hour())

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/activities", `{"stock":1}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(e, http.MethodPost, "/v1/activities", `{"item_id":7,"stock":1}`).Code)

	rec = do(e, http.MethodGet, "/v1/activities/7/stock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"item_id":7,"remaining":3}`, rec.Body.String())

	svc.err = errors.Wrap(apperr.ErrInvalidArgument, "end_at must be after begin_at")
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/activities", body).Code)
}

func TestReady(t *testing.T) {
	e := echo.New()
	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	e.GET("/ok", Ready(map[string]Pinger{"redis": up, "mysql": up}))
	e.GET("/bad", Ready(map[string]Pinger{"redis": up, "mysql": down}))
	e.GET("/healthz", Health)

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/ok", "").Code)
	rec := do(e, http.MethodGet, "/bad", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"redis":"ok","mysql":"connection refused"}`, rec.Body.String())
	assert.Equal(t, "ok", do(e, http.MethodGet, "/healthz", "").Body.String())
}
