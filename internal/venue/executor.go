package venue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pbulloch/swaprouter/internal/model"
)

// Executor performs the final swap on a selected venue. The simulator below
// always succeeds, but the interface is fallible and callers must route
// errors into the failed transition.
type Executor interface {
	ExecuteSwap(ctx context.Context, o *model.Order, venueName string) (*model.Settlement, error)
}

// Compile-time interface satisfaction check.
var _ Executor = (*SimExecutor)(nil)

// SimExecutor simulates swap execution: submit/confirm latency, then a fill
// at the base price degraded by a random fraction of the order's slippage
// tolerance. Execution never beats the base price; it only consumes up to
// the tolerance, modeling worst-case slippage.
type SimExecutor struct {
	venues  [2]Venue
	latency time.Duration
}

// NewSimExecutor creates a simulator executing against the given venues.
func NewSimExecutor(venues [2]Venue, latency time.Duration) *SimExecutor {
	if latency <= 0 {
		latency = 120 * time.Millisecond
	}
	return &SimExecutor{venues: venues, latency: latency}
}

// ExecuteSwap fills the order on the named venue and returns the settlement.
func (e *SimExecutor) ExecuteSwap(ctx context.Context, o *model.Order, venueName string) (*model.Settlement, error) {
	var v *Venue
	for i := range e.venues {
		if e.venues[i].Name == venueName {
			v = &e.venues[i]
			break
		}
	}
	if v == nil {
		return nil, fmt.Errorf("execute swap: unknown venue %q", venueName)
	}

	select {
	case <-time.After(e.latency):
	case <-ctx.Done():
		return nil, fmt.Errorf("execute swap on %s: %w", venueName, ctx.Err())
	}

	base := BasePrice(o.TokenIn, o.TokenOut)
	executedPrice := base * (1 - rand.Float64()*o.Slippage)
	amountOut := o.Amount * executedPrice * (1 - v.FeeRate)

	return &model.Settlement{
		Reference:     "sim-" + strings.ToLower(model.NewID()),
		Venue:         venueName,
		ExecutedPrice: executedPrice,
		AmountIn:      o.Amount,
		AmountOut:     amountOut,
		Timestamp:     time.Now().UTC(),
	}, nil
}
