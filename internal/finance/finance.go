// Package finance holds the financial records the rule evaluators read.
package finance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Budget is a monthly spending limit for one category
type Budget struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Category string          `json:"category"`
	Limit    decimal.Decimal `json:"limit"`
	Active   bool            `json:"active"`
}

// Goal status constants
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
)

// Goal is a savings target
type Goal struct {
	ID      string          `json:"id"`
	UserID  string          `json:"user_id"`
	Name    string          `json:"name"`
	Target  decimal.Decimal `json:"target"`
	Current decimal.Decimal `json:"current"`
	Status  string          `json:"status"`
}

// Transaction kind constants
const (
	KindExpense = "expense"
	KindIncome  = "income"
)

// Transaction is a single expense or income entry
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Date        time.Time       `json:"date"`
}

// Reader exposes the aggregates the evaluators need. Implementations only read.
type Reader interface {
	ActiveBudgets(ctx context.Context, userID string) ([]Budget, error)
	// Spending sums expenses in category with from <= date < to.
	Spending(ctx context.Context, userID, category string, from, to time.Time) (decimal.Decimal, error)
	Goals(ctx context.Context, userID string) ([]Goal, error)
	// Transactions returns expenses and incomes dated on or after since.
	Transactions(ctx context.Context, userID string, since time.Time) ([]Transaction, error)
}
