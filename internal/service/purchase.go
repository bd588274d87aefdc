// Package service composes the admission, cache and persistence layers
// into the operations exposed over HTTP.
package service

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/clock"
	"github.com/iliyamo/flash-sale/internal/model"
	"github.com/iliyamo/flash-sale/internal/seckill"
)

// EntityCache is the read side of a cacheguard.Cache.
type EntityCache[T any] interface {
	Get(ctx context.Context, id string) (T, error)
	Invalidate(ctx context.Context, id string) error
	Warm(ctx context.Context, id string) error
}

// Admitter is satisfied by *seckill.Admission.
type Admitter interface {
	TryAdmit(ctx context.Context, itemID, userID uint64) (seckill.Result, error)
}

// PurchaseService gates admission on the activity's sale window.
type PurchaseService struct {
	activities EntityCache[model.Activity]
	admission  Admitter
	clock      clock.Clock
}

// NewPurchaseService returns a PurchaseService. A nil clk uses the system
// clock.
func NewPurchaseService(activities EntityCache[model.Activity], admission Admitter, clk clock.Clock) *PurchaseService {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &PurchaseService{activities: activities, admission: admission, clock: clk}
}

// TryPurchase returns the admission result for userID on itemID. Window
// violations are reported as apperr.ErrActivityNotOpen or
// apperr.ErrActivityClosed before the admission script runs.
func (s *PurchaseService) TryPurchase(ctx context.Context, itemID, userID uint64) (seckill.Result, error) {
	act, err := s.activities.Get(ctx, strconv.FormatUint(itemID, 10))
	if errors.Is(err, apperr.ErrNotFound) {
		return seckill.Result{}, errors.Wrapf(apperr.ErrActivityNotFound, "item %d", itemID)
	}
	if err != nil {
		return seckill.Result{}, err
	}

	now := s.clock.Now()
	if now.Before(act.BeginAt) {
		return seckill.Result{}, errors.Wrapf(apperr.ErrActivityNotOpen, "item %d opens at %s", itemID, act.BeginAt)
	}
	if !act.Open(now) {
		return seckill.Result{}, errors.Wrapf(apperr.ErrActivityClosed, "item %d closed at %s", itemID, act.EndAt)
	}
	return s.admission.TryAdmit(ctx, itemID, userID)
}
