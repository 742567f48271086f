// Package rules evaluates a user's financial state and produces candidate
// notifications. Evaluators only read; persistence is left to the dedup gate.
package rules

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lalithlochan/finwatch/internal/notify"
)

// Family identifies a rule family with its own cadence
type Family string

const (
	FamilyBudget      Family = "budget"
	FamilyGoal        Family = "goal"
	FamilyTransaction Family = "transaction"
	FamilyReport      Family = "report"
)

// Families lists every rule family in evaluation order
var Families = []Family{FamilyBudget, FamilyGoal, FamilyTransaction, FamilyReport}

// Category is the preference that gates the whole family at generation time
func (f Family) Category() notify.Category {
	switch f {
	case FamilyBudget:
		return notify.CategoryBudgetAlerts
	case FamilyGoal:
		return notify.CategoryGoalUpdates
	case FamilyTransaction:
		return notify.CategoryLargeTransactions
	case FamilyReport:
		return notify.CategoryMonthlyReports
	default:
		return notify.CategorySystemUpdates
	}
}

// Input is the evaluation context for one user at one instant
type Input struct {
	UserID   string
	Now      time.Time
	Settings notify.Settings
}

// Evaluator produces zero or more candidates, in rule-defined order
type Evaluator interface {
	Family() Family
	Evaluate(ctx context.Context, in Input) ([]notify.Candidate, error)
}

// MonthStart returns midnight on the first day of now's month, in now's location
func MonthStart(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
}

var hundred = decimal.NewFromInt(100)

// percentOf returns part/whole*100. whole must be positive.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	return part.Div(whole).Mul(hundred)
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func newKey() string {
	return uuid.NewString()
}
