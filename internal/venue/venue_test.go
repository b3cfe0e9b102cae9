package venue_test

import (
	"context"
	"testing"
	"time"

	"github.com/pbulloch/swaprouter/internal/venue"
)

// fastVenues returns venues with negligible latency for tests that do not
// exercise timing.
func fastVenues() [2]venue.Venue {
	return [2]venue.Venue{
		{Name: venue.Raydium, FeeRate: 0.0025, Variance: 0.02, Latency: time.Millisecond},
		{Name: venue.Orca, FeeRate: 0.0030, Variance: 0.015, Latency: time.Millisecond},
	}
}

func TestBasePrice(t *testing.T) {
	if p := venue.BasePrice("SOL", "USDC"); p != 150.0 {
		t.Errorf("BasePrice(SOL/USDC) = %v, want 150", p)
	}
	if p := venue.BasePrice("FOO", "BAR"); p != 1.0 {
		t.Errorf("BasePrice for unknown pair = %v, want fallback 1", p)
	}
}

func TestQuoteWithinVarianceBounds(t *testing.T) {
	v := venue.Venue{Name: venue.Raydium, FeeRate: 0.0025, Variance: 0.02, Latency: time.Millisecond}
	a := venue.NewAggregator(fastVenues())
	base := venue.BasePrice("SOL", "USDC")

	for range 50 {
		q, err := a.Quote(context.Background(), v, "SOL", "USDC", 1.5)
		if err != nil {
			t.Fatalf("Quote: %v", err)
		}
		lo, hi := base*(1-v.Variance), base*(1+v.Variance)
		if q.Price < lo || q.Price > hi {
			t.Fatalf("Price = %v, want within [%v, %v]", q.Price, lo, hi)
		}
		wantOut := 1.5 * q.Price * (1 - v.FeeRate)
		if q.EstimatedOutput != wantOut {
			t.Fatalf("EstimatedOutput = %v, want %v", q.EstimatedOutput, wantOut)
		}
		if q.Venue != venue.Raydium {
			t.Fatalf("Venue = %q, want raydium", q.Venue)
		}
	}
}

func TestQuoteZeroVarianceIsDeterministic(t *testing.T) {
	v := venue.Venue{Name: venue.Orca, FeeRate: 0.003, Variance: 0, Latency: time.Millisecond}
	a := venue.NewAggregator(fastVenues())

	q, err := a.Quote(context.Background(), v, "SOL", "USDC", 2.0)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Price != 150.0 {
		t.Errorf("Price = %v, want exactly the base price", q.Price)
	}
}

func TestQuoteHonorsContext(t *testing.T) {
	v := venue.Venue{Name: venue.Raydium, FeeRate: 0.0025, Variance: 0.02, Latency: time.Second}
	a := venue.NewAggregator(fastVenues())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Quote(ctx, v, "SOL", "USDC", 1.5)
	if err == nil {
		t.Fatal("expected an error from an expired context")
	}
}

func TestBestQuoteSelectsGreaterOutput(t *testing.T) {
	a := venue.NewAggregator(fastVenues())

	for range 25 {
		best, err := a.BestQuote(context.Background(), "SOL", "USDC", 1.5)
		if err != nil {
			t.Fatalf("BestQuote: %v", err)
		}
		if len(best.Quotes) != 2 {
			t.Fatalf("got %d quotes, want 2", len(best.Quotes))
		}

		lo := min(best.Quotes[0].EstimatedOutput, best.Quotes[1].EstimatedOutput)
		hi := max(best.Quotes[0].EstimatedOutput, best.Quotes[1].EstimatedOutput)
		if best.Best.EstimatedOutput < lo {
			t.Fatalf("Best output %v below worse quote %v", best.Best.EstimatedOutput, lo)
		}
		if best.Best.EstimatedOutput != hi {
			t.Fatalf("Best output %v is not the greater of %v and %v",
				best.Best.EstimatedOutput, best.Quotes[0].EstimatedOutput, best.Quotes[1].EstimatedOutput)
		}
		if best.PriceImprovement < 0 {
			t.Fatalf("PriceImprovement = %v, want >= 0", best.PriceImprovement)
		}
	}
}

func TestBestQuoteTieBreaksByPriority(t *testing.T) {
	// Identical fees and zero variance force an exact tie.
	tied := [2]venue.Venue{
		{Name: venue.Raydium, FeeRate: 0.0025, Variance: 0, Latency: time.Millisecond},
		{Name: venue.Orca, FeeRate: 0.0025, Variance: 0, Latency: time.Millisecond},
	}
	a := venue.NewAggregator(tied)

	for range 10 {
		best, err := a.BestQuote(context.Background(), "SOL", "USDC", 1.5)
		if err != nil {
			t.Fatalf("BestQuote: %v", err)
		}
		if best.Best.Venue != venue.Raydium {
			t.Fatalf("tie went to %q, want first-priority venue raydium", best.Best.Venue)
		}
		if best.PriceImprovement != 0 {
			t.Fatalf("PriceImprovement = %v on a tie, want 0", best.PriceImprovement)
		}
	}
}

func TestBestQuoteFetchesConcurrently(t *testing.T) {
	slow := [2]venue.Venue{
		{Name: venue.Raydium, FeeRate: 0.0025, Variance: 0.02, Latency: 60 * time.Millisecond},
		{Name: venue.Orca, FeeRate: 0.0030, Variance: 0.015, Latency: 60 * time.Millisecond},
	}
	a := venue.NewAggregator(slow)

	start := time.Now()
	if _, err := a.BestQuote(context.Background(), "SOL", "USDC", 1.5); err != nil {
		t.Fatalf("BestQuote: %v", err)
	}
	elapsed := time.Since(start)

	// Sequential fetches would take at least 120ms; concurrent ones are
	// bounded by the slower venue plus scheduling slack.
	if elapsed > 110*time.Millisecond {
		t.Errorf("BestQuote took %v, expected concurrent fetches bounded by the slower venue", elapsed)
	}
}

func TestBestQuoteHonorsContext(t *testing.T) {
	slow := [2]venue.Venue{
		{Name: venue.Raydium, FeeRate: 0.0025, Variance: 0.02, Latency: time.Second},
		{Name: venue.Orca, FeeRate: 0.0030, Variance: 0.015, Latency: time.Second},
	}
	a := venue.NewAggregator(slow)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := a.BestQuote(ctx, "SOL", "USDC", 1.5); err == nil {
		t.Fatal("expected an error from an expired context")
	}
}

func TestDefaultVenuesPriorityOrder(t *testing.T) {
	venues := venue.DefaultVenues()
	if venues[0].Name != venue.Raydium || venues[1].Name != venue.Orca {
		t.Errorf("venues = %q,%q, want raydium,orca", venues[0].Name, venues[1].Name)
	}
}
