package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbulloch/swaprouter/internal/model"
	"github.com/pbulloch/swaprouter/internal/queue"
	"github.com/pbulloch/swaprouter/internal/store"
)

func newTestQueue(t *testing.T, h queue.Handler, cfg queue.Config) (*queue.Queue, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 5 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 20 * time.Millisecond
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return queue.New(s, h, cfg, logger), s
}

func runQueue(t *testing.T, q *queue.Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitForCounts polls until the predicate holds on the job counts.
func waitForCounts(t *testing.T, q *queue.Queue, pred func(*store.QueueCounts) bool, timeout time.Duration) *store.QueueCounts {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		counts, err := q.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if pred(counts) {
			return counts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job counts did not converge within %v", timeout)
	return nil
}

func TestQueueProcessesJob(t *testing.T) {
	var calls atomic.Int32
	q, _ := newTestQueue(t, func(ctx context.Context, orderID string, attempt int) error {
		calls.Add(1)
		return nil
	}, queue.Config{MaxRetries: 3})
	runQueue(t, q)

	if err := q.Enqueue(context.Background(), model.NewID()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	counts := waitForCounts(t, q, func(c *store.QueueCounts) bool { return c.Completed == 1 }, 5*time.Second)
	if counts.Total != 1 {
		t.Errorf("Total = %d, want 1", counts.Total)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler called %d times, want 1", got)
	}
}

func TestConcurrentEnqueueRunsHandlerOnce(t *testing.T) {
	var calls atomic.Int32
	q, _ := newTestQueue(t, func(ctx context.Context, orderID string, attempt int) error {
		calls.Add(1)
		return nil
	}, queue.Config{MaxRetries: 3})
	runQueue(t, q)

	id := model.NewID()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Enqueue(context.Background(), id); err != nil {
				t.Errorf("Enqueue: %v", err)
			}
		}()
	}
	wg.Wait()

	waitForCounts(t, q, func(c *store.QueueCounts) bool { return c.Completed == 1 }, 5*time.Second)

	// Give any erroneous duplicate delivery a chance to surface.
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("handler called %d times for 10 concurrent enqueues, want 1", got)
	}
}

func TestQueueRetriesUntilExhausted(t *testing.T) {
	var calls atomic.Int32
	attempts := make(chan int, 16)
	q, _ := newTestQueue(t, func(ctx context.Context, orderID string, attempt int) error {
		calls.Add(1)
		attempts <- attempt
		return errors.New("venue unavailable")
	}, queue.Config{MaxRetries: 3})
	runQueue(t, q)

	if err := q.Enqueue(context.Background(), model.NewID()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForCounts(t, q, func(c *store.QueueCounts) bool { return c.Failed == 1 }, 5*time.Second)

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Errorf("handler called %d times, want MaxRetries (3)", got)
	}

	// Deliveries carry the running failure count.
	for i, want := range []int{0, 1, 2} {
		if got := <-attempts; got != want {
			t.Errorf("delivery %d attempt = %d, want %d", i, got, want)
		}
	}
}

func TestQueueRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	q, _ := newTestQueue(t, func(ctx context.Context, orderID string, attempt int) error {
		if calls.Add(1) == 1 {
			return errors.New("first delivery fails")
		}
		return nil
	}, queue.Config{MaxRetries: 3})
	runQueue(t, q)

	if err := q.Enqueue(context.Background(), model.NewID()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForCounts(t, q, func(c *store.QueueCounts) bool { return c.Completed == 1 }, 5*time.Second)
	if got := calls.Load(); got != 2 {
		t.Errorf("handler called %d times, want 2", got)
	}
}

func TestQueueDropsFatalJob(t *testing.T) {
	var calls atomic.Int32
	q, _ := newTestQueue(t, func(ctx context.Context, orderID string, attempt int) error {
		calls.Add(1)
		return queue.Fatal(errors.New("order missing"))
	}, queue.Config{MaxRetries: 3})
	runQueue(t, q)

	if err := q.Enqueue(context.Background(), model.NewID()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForCounts(t, q, func(c *store.QueueCounts) bool { return c.Failed == 1 }, 5*time.Second)

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("handler called %d times for a fatal job, want 1", got)
	}
}

func TestIsFatal(t *testing.T) {
	base := errors.New("boom")
	if queue.IsFatal(base) {
		t.Error("plain error classified fatal")
	}
	if !queue.IsFatal(queue.Fatal(base)) {
		t.Error("Fatal-wrapped error not classified fatal")
	}

	wrapped := queue.Fatal(base)
	if !errors.Is(wrapped, base) {
		t.Error("Fatal should preserve the cause for errors.Is")
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, base},
		{1, base},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, maxDelay},
		{40, maxDelay},
	}

	for _, tt := range tests {
		if got := queue.Backoff(tt.attempt, base, maxDelay); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
