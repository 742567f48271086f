package rules

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lalithlochan/finwatch/internal/finance"
	"github.com/lalithlochan/finwatch/internal/notify"
)

// BudgetRule alerts when month-to-date spending crosses the user's threshold
// percentage of a budget, and again when it reaches the limit.
type BudgetRule struct {
	reader finance.Reader
}

func NewBudgetRule(reader finance.Reader) *BudgetRule {
	return &BudgetRule{reader: reader}
}

func (r *BudgetRule) Family() Family { return FamilyBudget }

func (r *BudgetRule) Evaluate(ctx context.Context, in Input) ([]notify.Candidate, error) {
	budgets, err := r.reader.ActiveBudgets(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("load budgets: %w", err)
	}

	from := MonthStart(in.Now)
	to := from.AddDate(0, 1, 0)
	threshold := decimal.NewFromInt(int64(in.Settings.BudgetThreshold))

	var out []notify.Candidate
	for _, b := range budgets {
		if !b.Limit.IsPositive() {
			continue
		}

		spent, err := r.reader.Spending(ctx, in.UserID, b.Category, from, to)
		if err != nil {
			return nil, fmt.Errorf("spending for budget %s: %w", b.ID, err)
		}
		usage := percentOf(spent, b.Limit)

		meta := notify.BudgetMetadata{
			BudgetID:  b.ID,
			Category:  b.Category,
			Spent:     spent,
			Limit:     b.Limit,
			Percent:   usage.Round(2),
			Threshold: in.Settings.BudgetThreshold,
		}

		switch {
		case usage.GreaterThanOrEqual(hundred):
			out = append(out, notify.Candidate{
				IdempotencyKey: newKey(),
				UserID:         in.UserID,
				Type:           notify.TypeBudget,
				Subtype:        notify.SubtypeExceeded,
				EntityKey:      b.ID,
				Title:          "Budget Exceeded: " + b.Category,
				Message: fmt.Sprintf("You've spent %s of your %s %s budget (%s%%).",
					money(spent), money(b.Limit), b.Category, usage.Round(0)),
				Priority: notify.PriorityHigh,
				Metadata: meta,
				Window:   notify.Window{Start: from},
			})
		case usage.GreaterThanOrEqual(threshold):
			out = append(out, notify.Candidate{
				IdempotencyKey: newKey(),
				UserID:         in.UserID,
				Type:           notify.TypeBudget,
				Subtype:        notify.SubtypeThreshold,
				EntityKey:      b.ID,
				Title:          "Budget Alert: " + b.Category,
				Message: fmt.Sprintf("You've used %s%% of your %s %s budget.",
					usage.Round(0), money(b.Limit), b.Category),
				Priority: notify.PriorityMedium,
				Metadata: meta,
				Window:   notify.Window{Start: from},
			})
		}
	}
	return out, nil
}
