package store

import (
	"context"
	"errors"
	"time"

	"github.com/pbulloch/swaprouter/internal/model"
)

// ErrNotFound is returned when an order is not found.
var ErrNotFound = errors.New("order not found")

// ErrInvalidTransition is returned when an order status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrValidation is returned when an order violates a store invariant.
var ErrValidation = errors.New("invalid order")

// ErrCacheUnavailable is returned when a cache operation cannot be served.
// Read paths fall back to durable storage instead of surfacing it to callers.
var ErrCacheUnavailable = errors.New("cache unavailable")

// Job status constants. A job's identity is its order id, so the jobs table
// also acts as the dedup set for idempotent enqueue: a terminal row blocks
// re-enqueue permanently.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is the queue-level unit of work referencing one order.
type Job struct {
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// QueueCounts holds aggregate job statistics.
type QueueCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Store defines the durable persistence operations for orders and jobs.
type Store interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, limit int) ([]*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id, status string, details model.StatusDetails) error

	EnqueueJob(ctx context.Context, orderID string) (bool, error)
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	CompleteJob(ctx context.Context, orderID string) error
	FailJob(ctx context.Context, orderID string, attempts int) error
	RescheduleJob(ctx context.Context, orderID string, attempts int, nextAttemptAt time.Time) error
	ResetActiveJobs(ctx context.Context) (int, error)
	JobCounts(ctx context.Context) (*QueueCounts, error)

	Close() error
}

// Cache is a derived, non-authoritative view of order records keyed by id.
// Implementations hold serialized snapshots with a TTL as a staleness ceiling.
type Cache interface {
	Get(ctx context.Context, id string) (*model.Order, bool, error)
	Set(ctx context.Context, id string, o *model.Order, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}
