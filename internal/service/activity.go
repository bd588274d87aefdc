package service

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/flash-sale/internal/apperr"
	"github.com/iliyamo/flash-sale/internal/model"
)

// ActivityStore is the system of record for activities.
type ActivityStore interface {
	GetByItemID(ctx context.Context, itemID uint64) (*model.Activity, error)
	Upsert(ctx context.Context, a *model.Activity) error
}

// StockLoader seeds and reads the admission stock counter.
type StockLoader interface {
	LoadStock(ctx context.Context, itemID uint64, stock int) error
	Remaining(ctx context.Context, itemID uint64) (int64, error)
}

// ActivityLoader adapts an ActivityStore to the cache guard's loader
// signature.
func ActivityLoader(store ActivityStore) func(ctx context.Context, id string) (model.Activity, error) {
	return func(ctx context.Context, id string) (model.Activity, error) {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return model.Activity{}, errors.Wrapf(err, "activity id %q", id)
		}
		a, err := store.GetByItemID(ctx, n)
		if err != nil {
			return model.Activity{}, err
		}
		return *a, nil
	}
}

// ActivityService publishes flash-sale activities.
type ActivityService struct {
	store ActivityStore
	stock StockLoader
	cache EntityCache[model.Activity]
}

// NewActivityService returns an ActivityService. stock is usually the
// *seckill.Admission that admits buyers for the same activities.
func NewActivityService(store ActivityStore, stock StockLoader, cache EntityCache[model.Activity]) *ActivityService {
	return &ActivityService{store: store, stock: stock, cache: cache}
}

// Publish stores a, seeds the Redis stock counter and warms the activity
// cache so the first buyers never see a cold entry.
func (s *ActivityService) Publish(ctx context.Context, a *model.Activity) error {
	if a.Stock < 0 {
		return errors.Wrapf(apperr.ErrInvalidArgument, "stock must not be negative, got %d", a.Stock)
	}
	if !a.EndAt.After(a.BeginAt) {
		return errors.Wrap(apperr.ErrInvalidArgument, "end_at must be after begin_at")
	}
	if err := s.store.Upsert(ctx, a); err != nil {
		return err
	}
	if err := s.stock.LoadStock(ctx, a.ItemID, a.Stock); err != nil {
		return err
	}
	return s.cache.Warm(ctx, strconv.FormatUint(a.ItemID, 10))
}

// Remaining reports the unsold stock tracked by admission.
func (s *ActivityService) Remaining(ctx context.Context, itemID uint64) (int64, error) {
	return s.stock.Remaining(ctx, itemID)
}
