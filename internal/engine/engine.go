package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pbulloch/swaprouter/internal/model"
	"github.com/pbulloch/swaprouter/internal/queue"
	"github.com/pbulloch/swaprouter/internal/store"
	"github.com/pbulloch/swaprouter/internal/venue"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxWorkers   = 4
	DefaultMaxRetries   = 3
	DefaultOrderTimeout = 30 * time.Second
	DefaultBuildDelay   = 75 * time.Millisecond
)

var (
	ordersSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swaprouter_orders_submitted_total",
		Help: "Total number of orders accepted for processing.",
	})

	ordersConfirmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swaprouter_orders_confirmed_total",
		Help: "Total number of orders that reached confirmed.",
	})

	orderProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swaprouter_order_processing_duration_seconds",
		Help:    "Duration of one processing attempt for an order.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(ordersSubmittedTotal)
	prometheus.MustRegister(ordersConfirmedTotal)
	prometheus.MustRegister(orderProcessingDuration)
}

// Config holds engine tuning parameters.
type Config struct {
	MaxWorkers   int
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	// OrderTimeout bounds one processing attempt end to end, forcing a
	// failed transition instead of parking the order on a stalled dependency.
	OrderTimeout time.Duration
	// BuildDelay simulates transaction construction between building and
	// submitted.
	BuildDelay time.Duration
}

// Engine orchestrates asynchronous order processing.
type Engine struct {
	orders   *store.OrderStore
	queue    *queue.Queue
	quoter   venue.Quoter
	executor venue.Executor
	broker   *Broker
	logger   *slog.Logger
	cfg      Config
}

// New creates an engine over the cache-aside order store and the durable
// store backing the job queue. The quoter and executor are interfaces so
// tests can substitute deterministic or failing implementations.
func New(orders *store.OrderStore, durable store.Store, quoter venue.Quoter, executor venue.Executor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultOrderTimeout
	}
	if cfg.BuildDelay <= 0 {
		cfg.BuildDelay = DefaultBuildDelay
	}

	e := &Engine{
		orders:   orders,
		quoter:   quoter,
		executor: executor,
		broker:   NewBroker(),
		logger:   logger,
		cfg:      cfg,
	}
	e.queue = queue.New(durable, e.process, queue.Config{
		Workers:      cfg.MaxWorkers,
		MaxRetries:   cfg.MaxRetries,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
		PollInterval: cfg.PollInterval,
	}, logger)
	return e
}

// Broker returns the engine's status broker for event subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Run starts the job queue workers and blocks until ctx is cancelled and
// in-flight jobs drain.
func (e *Engine) Run(ctx context.Context) {
	e.queue.Run(ctx)
}

// QueueStats returns the job counts per state.
func (e *Engine) QueueStats(ctx context.Context) (*store.QueueCounts, error) {
	return e.queue.Stats(ctx)
}

// Submit creates a pending order and enqueues it for processing. It returns
// as soon as the order is durable and queued; it never waits on processing.
func (e *Engine) Submit(ctx context.Context, tokenIn, tokenOut string, amount, slippage float64) (*model.Order, error) {
	o, err := e.orders.Create(ctx, tokenIn, tokenOut, amount, slippage)
	if err != nil {
		return nil, err
	}

	if err := e.queue.Enqueue(ctx, o.ID); err != nil {
		return nil, fmt.Errorf("enqueue order %s: %w", o.ID, err)
	}

	ordersSubmittedTotal.Inc()
	return o, nil
}

// process runs one delivery of an order job: fetch, route, build, submit,
// execute, confirm. Any failure after the fetch records a failed transition
// before the error propagates to the queue's retry policy.
func (e *Engine) process(ctx context.Context, orderID string, attempt int) error {
	start := time.Now()
	defer func() {
		orderProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	o, err := e.orders.Get(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		// Data-integrity fault, not a business failure: no order row to
		// mutate and nothing a retry could repair.
		e.logger.Warn("job references missing order", "order_id", orderID)
		return queue.Fatal(err)
	}
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", orderID, err)
	}

	if err := e.transition(ctx, orderID, model.StatusRouting, model.RoutingDetails{}, nil); err != nil {
		return e.fail(orderID, attempt, err)
	}

	best, err := e.quoter.BestQuote(ctx, o.TokenIn, o.TokenOut, o.Amount)
	if err != nil {
		return e.fail(orderID, attempt, err)
	}

	err = e.transition(ctx, orderID, model.StatusBuilding, model.BuildingDetails{
		SelectedVenue:  best.Best.Venue,
		QuoteSnapshots: best.Quotes,
	}, map[string]any{
		"selectedVenue":    best.Best.Venue,
		"priceImprovement": best.PriceImprovement,
	})
	if err != nil {
		return e.fail(orderID, attempt, err)
	}

	select {
	case <-time.After(e.cfg.BuildDelay):
	case <-ctx.Done():
		return e.fail(orderID, attempt, fmt.Errorf("build transaction: %w", ctx.Err()))
	}

	if err := e.transition(ctx, orderID, model.StatusSubmitted, model.SubmittedDetails{}, nil); err != nil {
		return e.fail(orderID, attempt, err)
	}

	settlement, err := e.executor.ExecuteSwap(ctx, o, best.Best.Venue)
	if err != nil {
		return e.fail(orderID, attempt, err)
	}

	err = e.transition(ctx, orderID, model.StatusConfirmed, model.ConfirmedDetails{
		ExecutedPrice: settlement.ExecutedPrice,
		AmountOut:     settlement.AmountOut,
		SettlementRef: settlement.Reference,
	}, map[string]any{
		"settlementRef": settlement.Reference,
		"executedPrice": settlement.ExecutedPrice,
		"amountOut":     settlement.AmountOut,
	})
	if err != nil {
		return e.fail(orderID, attempt, err)
	}

	e.broker.Close(orderID)
	ordersConfirmedTotal.Inc()
	return nil
}

// transition persists a status change and then broadcasts it, in that order,
// so subscribers never observe a status that is not yet durable.
func (e *Engine) transition(ctx context.Context, orderID, status string, details model.StatusDetails, data map[string]any) error {
	if err := e.orders.UpdateStatus(ctx, orderID, status, details); err != nil {
		return fmt.Errorf("transition to %s: %w", status, err)
	}

	e.broker.Publish(StatusUpdate{
		OrderID:   orderID,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	return nil
}

// fail records the failed transition with the running retry count and
// broadcasts it before returning the cause, so external observers see the
// failure even when a later retry succeeds and overwrites it. The queue's
// policy decides whether this delivery is the last one.
//
// A fresh context is used for the write: the processing context may already
// be expired, and the failure must still land.
func (e *Engine) fail(orderID string, attempt int, cause error) error {
	failures := attempt + 1

	details := model.FailedDetails{
		ErrorMessage: cause.Error(),
		RetryCount:   failures,
	}
	if err := e.orders.UpdateStatus(context.Background(), orderID, model.StatusFailed, details); err != nil {
		e.logger.Error("failed to record failed status", "order_id", orderID, "error", err)
	}

	e.broker.Publish(StatusUpdate{
		OrderID:   orderID,
		Status:    model.StatusFailed,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"error":      cause.Error(),
			"retryCount": failures,
		},
	})

	if failures >= e.cfg.MaxRetries {
		e.broker.Close(orderID)
	}

	e.logger.Warn("order processing attempt failed",
		"order_id", orderID,
		"retry_count", failures,
		"error", cause,
	)
	return cause
}
