package model

import "time"

// Order status constants.
const (
	StatusPending   = "pending"
	StatusRouting   = "routing"
	StatusBuilding  = "building"
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// "failed" may re-enter "routing" on retry; "confirmed" has no outgoing edges.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRouting: true,
	},
	StatusRouting: {
		StatusBuilding: true,
		StatusFailed:   true,
	},
	StatusBuilding: {
		StatusSubmitted: true,
		StatusFailed:    true,
	},
	StatusSubmitted: {
		StatusConfirmed: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusRouting: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether a status is one that clients should treat as
// the end of an order's lifecycle. A failed order may still be retried
// internally, but each failed event carries the full error detail, so
// observers can stop watching at either signal.
func TerminalStatus(s string) bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Quote is a single venue's offer for a hypothetical swap. Quotes are
// ephemeral; only the snapshots attached to an order at routing time persist.
type Quote struct {
	Venue           string    `json:"venue"`
	Price           float64   `json:"price"`
	FeeRate         float64   `json:"feeRate"`
	EstimatedOutput float64   `json:"estimatedOutput"`
	Timestamp       time.Time `json:"timestamp"`
}

// Settlement is the result of a (simulated) swap execution.
type Settlement struct {
	Reference     string    `json:"reference"`
	Venue         string    `json:"venue"`
	ExecutedPrice float64   `json:"executedPrice"`
	AmountIn      float64   `json:"amountIn"`
	AmountOut     float64   `json:"amountOut"`
	Timestamp     time.Time `json:"timestamp"`
}

// Order is the unit of work and the single source of truth for a swap request.
type Order struct {
	ID             string    `json:"id"`
	TokenIn        string    `json:"tokenIn"`
	TokenOut       string    `json:"tokenOut"`
	Amount         float64   `json:"amount"`
	Slippage       float64   `json:"slippage"`
	Status         string    `json:"status"`
	SelectedVenue  string    `json:"selectedVenue,omitempty"`
	QuoteSnapshots []Quote   `json:"quoteSnapshots,omitempty"`
	ExecutedPrice  *float64  `json:"executedPrice,omitempty"`
	AmountOut      *float64  `json:"amountOut,omitempty"`
	SettlementRef  string    `json:"settlementRef,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	RetryCount     int       `json:"retryCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// StatusDetails is the tagged payload accompanying a status transition. Each
// variant carries only the fields valid for its target status, so a caller
// cannot attach execution results to a routing transition or vice versa.
type StatusDetails interface {
	isStatusDetails()
}

// RoutingDetails accompanies the transition into "routing". It carries no
// fields; the transition only marks that quote aggregation has begun.
type RoutingDetails struct{}

// BuildingDetails accompanies the transition into "building" and records the
// routing decision: the winning venue plus the quote snapshots from both
// venues, in aggregator priority order.
type BuildingDetails struct {
	SelectedVenue  string
	QuoteSnapshots []Quote
}

// SubmittedDetails accompanies the transition into "submitted".
type SubmittedDetails struct{}

// ConfirmedDetails accompanies the transition into "confirmed" and records
// the settlement outcome.
type ConfirmedDetails struct {
	ExecutedPrice float64
	AmountOut     float64
	SettlementRef string
}

// FailedDetails accompanies the transition into "failed".
type FailedDetails struct {
	ErrorMessage string
	RetryCount   int
}

func (RoutingDetails) isStatusDetails()   {}
func (BuildingDetails) isStatusDetails()  {}
func (SubmittedDetails) isStatusDetails() {}
func (ConfirmedDetails) isStatusDetails() {}
func (FailedDetails) isStatusDetails()    {}
