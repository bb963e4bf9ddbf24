package monitor

import (
	"time"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
)

// Trigger names the condition that fired a resolution.
type Trigger string

const (
	TriggerPrice  Trigger = "price"
	TriggerExpiry Trigger = "expiry"
)

// Decision is the result of evaluating one market against one price sample.
// The zero value means no condition fired.
type Decision struct {
	Fire    bool
	Outcome model.Outcome
	Trigger Trigger
}

// ExpiryDecision is the fixed outcome applied when a market expires
// without its price condition having fired.
func ExpiryDecision() Decision {
	return Decision{Fire: true, Outcome: model.OutcomeNo, Trigger: TriggerExpiry}
}

// Evaluate decides whether the sample resolves the market. The expiry check
// runs first and short-circuits the price comparison; both threshold
// comparisons are inclusive. Evaluate has no side effects and is safe to
// call concurrently.
func Evaluate(m model.Market, sample model.PriceSample, now time.Time) Decision {
	if m.Expired(now) {
		return ExpiryDecision()
	}

	price := sample.Price()
	switch m.Operator {
	case model.OpGreaterOrEqual:
		if price.GreaterThanOrEqual(m.Threshold) {
			return Decision{Fire: true, Outcome: model.OutcomeYes, Trigger: TriggerPrice}
		}
	case model.OpLessOrEqual:
		if price.LessThanOrEqual(m.Threshold) {
			return Decision{Fire: true, Outcome: model.OutcomeYes, Trigger: TriggerPrice}
		}
	case model.OpEqual:
		// Reserved operator; live evaluation only activates on crossings.
	}

	return Decision{}
}
