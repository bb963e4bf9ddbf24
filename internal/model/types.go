package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operator compares a live price against a market's threshold.
type Operator string

const (
	// OpGreaterOrEqual fires once price >= threshold.
	OpGreaterOrEqual Operator = "gte"
	// OpLessOrEqual fires once price <= threshold.
	OpLessOrEqual Operator = "lte"
	// OpEqual is reserved; the evaluator never fires on it.
	OpEqual Operator = "eq"
)

// State is the lifecycle position of a market.
type State string

const (
	StateOpen      State = "open"
	StateResolving State = "resolving"
	StateResolved  State = "resolved"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Market is the unit being monitored and resolved.
type Market struct {
	ID          string
	Question    string
	FeedKey     string // empty when the market has no live feed and is not watchable
	Threshold   decimal.Decimal
	Operator    Operator
	ExpiresAt   time.Time
	AutoResolve bool
	State       State
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Watchable reports whether the market belongs in the streaming watch set.
func (m Market) Watchable() bool {
	return m.State == StateOpen && m.AutoResolve && m.FeedKey != ""
}

// Expired reports whether the market's expiry has passed.
func (m Market) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// PriceSample is one observation from an upstream price feed.
// The real price is Mantissa × 10^Exponent.
type PriceSample struct {
	FeedKey     string
	Mantissa    int64
	Exponent    int32
	PublishTime time.Time
	Proof       []byte // opaque attestation bytes, forwarded verbatim to the resolver
}

// Price converts the scaled integer representation into a decimal value.
func (s PriceSample) Price() decimal.Decimal {
	return decimal.New(s.Mantissa, s.Exponent)
}

// Resolution records one successful resolution for auditing and export.
type Resolution struct {
	ID              int64
	MarketID        string
	Outcome         Outcome
	Trigger         string // "price" or "expiry"
	Price           *decimal.Decimal
	ConfirmationRef *string
	SignerSlot      int
	ResolvedAt      time.Time
}
