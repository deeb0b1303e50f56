package tick

import (
	"context"

	"replicanet/server/logging"
)

const (
	// EventBudgetOverrun is emitted when a tick exceeds its interval.
	EventBudgetOverrun logging.EventType = "tick.budget_overrun"
)

// BudgetOverrunPayload captures timing details for a tick budget breach.
type BudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
}

// BudgetOverrun publishes a warning when the tick loop exceeds the configured budget.
func BudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload BudgetOverrunPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBudgetOverrun,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindPeer},
		Severity: logging.SeverityWarn,
		Category: logging.CategorySystem,
		Payload:  payload,
		Extra:    extra,
	})
}
