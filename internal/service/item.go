package service

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/iliyamo/flash-sale/internal/model"
)

// ItemStore is the system of record for items.
type ItemStore interface {
	GetByID(ctx context.Context, id uint64) (*model.Item, error)
	Create(ctx context.Context, it *model.Item) error
	Update(ctx context.Context, it *model.Item) error
}

// ItemLoader adapts an ItemStore to the cache guard's loader signature.
func ItemLoader(store ItemStore) func(ctx context.Context, id string) (model.Item, error) {
	return func(ctx context.Context, id string) (model.Item, error) {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return model.Item{}, errors.Wrapf(err, "item id %q", id)
		}
		it, err := store.GetByID(ctx, n)
		if err != nil {
			return model.Item{}, err
		}
		return *it, nil
	}
}

// ItemService serves items through the cache and keeps it coherent on
// writes.
type ItemService struct {
	store ItemStore
	cache EntityCache[model.Item]
}

func NewItemService(store ItemStore, cache EntityCache[model.Item]) *ItemService {
	return &ItemService{store: store, cache: cache}
}

// Get reads id through the cache.
func (s *ItemService) Get(ctx context.Context, id uint64) (model.Item, error) {
	return s.cache.Get(ctx, strconv.FormatUint(id, 10))
}

func (s *ItemService) Create(ctx context.Context, it *model.Item) error {
	if err := s.store.Create(ctx, it); err != nil {
		return err
	}
	// Drop a null marker left by lookups made before the row existed.
	return s.cache.Invalidate(ctx, strconv.FormatUint(it.ID, 10))
}

// Update writes the store first and then drops the cache entry. The cache
// is never written from this path, so a concurrent rebuild can at worst
// cache the new row.
func (s *ItemService) Update(ctx context.Context, it *model.Item) error {
	if err := s.store.Update(ctx, it); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, strconv.FormatUint(it.ID, 10))
}
