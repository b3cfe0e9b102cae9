package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pbulloch/swaprouter/internal/model"
)

// OrderStore is the cache-aside access layer over the durable store. Reads
// consult the cache first and repopulate it on miss; writes go to durable
// storage and then synchronously invalidate the cache entry, so a reader who
// re-fetches after a write returns never sees the pre-write snapshot.
//
// Any cache failure is logged and absorbed: the durable store remains the
// source of truth and the read path degrades to it.
type OrderStore struct {
	durable Store
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
}

// NewOrderStore wires the durable store and cache together. ttl bounds how
// stale a cached snapshot may get if an invalidation is ever missed.
func NewOrderStore(durable Store, cache Cache, ttl time.Duration, logger *slog.Logger) *OrderStore {
	return &OrderStore{
		durable: durable,
		cache:   cache,
		ttl:     ttl,
		logger:  logger,
	}
}

// Create inserts a new pending order built from the submission fields.
func (s *OrderStore) Create(ctx context.Context, tokenIn, tokenOut string, amount, slippage float64) (*model.Order, error) {
	now := time.Now().UTC()
	o := &model.Order{
		ID:        model.NewID(),
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		Amount:    amount,
		Slippage:  slippage,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.durable.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return o, nil
}

// Get retrieves an order by id via the cache-aside path. Malformed ids are
// rejected as not found before either backend is touched.
func (s *OrderStore) Get(ctx context.Context, id string) (*model.Order, error) {
	if !model.ValidID(id) {
		return nil, ErrNotFound
	}

	o, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		s.logger.Warn("cache read failed, falling back to durable store", "order_id", id, "error", err)
	}
	if ok {
		return o, nil
	}

	o, err = s.durable.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, id, o, s.ttl); err != nil {
		s.logger.Warn("cache populate failed", "order_id", id, "error", err)
	}
	return o, nil
}

// Recent returns up to limit orders, most recent first, straight from
// durable storage.
func (s *OrderStore) Recent(ctx context.Context, limit int) ([]*model.Order, error) {
	return s.durable.ListOrders(ctx, limit)
}

// UpdateStatus persists a status transition and then invalidates the cache
// entry for the order. Invalidation, not update: the next read repopulates
// from the durable row the transaction just wrote.
func (s *OrderStore) UpdateStatus(ctx context.Context, id, status string, details model.StatusDetails) error {
	if err := s.durable.UpdateOrderStatus(ctx, id, status, details); err != nil {
		return err
	}

	if err := s.cache.Delete(ctx, id); err != nil {
		s.logger.Warn("cache invalidation failed, entry expires by TTL", "order_id", id, "error", err)
	}
	return nil
}
