// Package venue simulates two liquidity venues: quoting with per-venue price
// variance and fees, and swap execution with worst-case slippage.
package venue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pbulloch/swaprouter/internal/model"
)

// Venue name constants.
const (
	Raydium = "raydium"
	Orca    = "orca"
)

// fallbackBasePrice is quoted for pairs missing from the price table.
const fallbackBasePrice = 1.0

// basePrices holds indicative mid prices per token pair.
var basePrices = map[string]float64{
	"SOL/USDC":  150.0,
	"SOL/USDT":  149.85,
	"ETH/USDC":  3200.0,
	"ETH/SOL":   21.3,
	"BTC/USDC":  97000.0,
	"USDC/USDT": 0.9998,
	"JUP/USDC":  0.92,
	"RAY/USDC":  4.85,
	"BONK/USDC": 0.000031,
}

// BasePrice returns the indicative price for a pair, falling back to a fixed
// constant for unknown pairs.
func BasePrice(tokenIn, tokenOut string) float64 {
	if p, ok := basePrices[tokenIn+"/"+tokenOut]; ok {
		return p
	}
	return fallbackBasePrice
}

// Venue describes one simulated liquidity source.
type Venue struct {
	Name     string
	FeeRate  float64
	Variance float64       // max fractional deviation from the base price, either direction
	Latency  time.Duration // simulated round-trip for a quote request
}

// DefaultVenues returns the two venues in tie-break priority order.
func DefaultVenues() [2]Venue {
	return [2]Venue{
		{Name: Raydium, FeeRate: 0.0025, Variance: 0.02, Latency: 40 * time.Millisecond},
		{Name: Orca, FeeRate: 0.0030, Variance: 0.015, Latency: 55 * time.Millisecond},
	}
}

// BestQuote is the outcome of quoting both venues for one swap.
type BestQuote struct {
	// Quotes holds both venue snapshots in priority order.
	Quotes []model.Quote
	// Best is the quote with the strictly greater estimated output; ties go
	// to the earlier venue in priority order.
	Best model.Quote
	// PriceImprovement is the percentage gain of the best output over the
	// worse one; 0 on a tie.
	PriceImprovement float64
}

// Quoter is the aggregation interface the orchestrator consumes.
type Quoter interface {
	BestQuote(ctx context.Context, tokenIn, tokenOut string, amount float64) (*BestQuote, error)
}

// Compile-time interface satisfaction check.
var _ Quoter = (*Aggregator)(nil)

// Aggregator quotes a fixed pair of venues concurrently and picks the better
// offer. The venue order given at construction is the documented tie-break
// priority.
type Aggregator struct {
	venues [2]Venue
}

// NewAggregator creates an aggregator over the two venues.
func NewAggregator(venues [2]Venue) *Aggregator {
	return &Aggregator{venues: venues}
}

// Quote fetches a single venue's offer: the pair's base price with the
// venue's bounded random variance applied, the venue's fee, and the estimated
// output amount * price * (1 - fee). The venue's latency is simulated before
// returning.
func (a *Aggregator) Quote(ctx context.Context, v Venue, tokenIn, tokenOut string, amount float64) (model.Quote, error) {
	base := BasePrice(tokenIn, tokenOut)
	price := base * (1 + (rand.Float64()*2-1)*v.Variance)

	select {
	case <-time.After(v.Latency):
	case <-ctx.Done():
		return model.Quote{}, fmt.Errorf("quote %s: %w", v.Name, ctx.Err())
	}

	return model.Quote{
		Venue:           v.Name,
		Price:           price,
		FeeRate:         v.FeeRate,
		EstimatedOutput: amount * price * (1 - v.FeeRate),
		Timestamp:       time.Now().UTC(),
	}, nil
}

// BestQuote issues both venue quotes concurrently and waits for both, so the
// total latency is bounded by the slower venue rather than their sum.
func (a *Aggregator) BestQuote(ctx context.Context, tokenIn, tokenOut string, amount float64) (*BestQuote, error) {
	var quotes [2]model.Quote

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range a.venues {
		g.Go(func() error {
			q, err := a.Quote(gctx, v, tokenIn, tokenOut, amount)
			if err != nil {
				return err
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregate quotes: %w", err)
	}

	// Strictly greater output wins; on an exact tie the first venue in
	// priority order is selected.
	best, worse := quotes[0], quotes[1]
	if quotes[1].EstimatedOutput > quotes[0].EstimatedOutput {
		best, worse = quotes[1], quotes[0]
	}

	improvement := 0.0
	if best.EstimatedOutput > worse.EstimatedOutput {
		improvement = (best.EstimatedOutput - worse.EstimatedOutput) / worse.EstimatedOutput * 100
	}

	return &BestQuote{
		Quotes:           quotes[:],
		Best:             best,
		PriceImprovement: improvement,
	}, nil
}
