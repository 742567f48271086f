package db

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lalithlochan/finwatch/internal/finance"
)

// FinanceReader reads budgets, goals and transactions for the rule evaluators
type FinanceReader struct {
	db *DB
}

var _ finance.Reader = (*FinanceReader)(nil)

func NewFinanceReader(db *DB) *FinanceReader {
	return &FinanceReader{db: db}
}

func (f *FinanceReader) ActiveBudgets(ctx context.Context, userID string) ([]finance.Budget, error) {
	rows, err := f.db.pool.Query(ctx, `
		SELECT id, user_id, category, limit_amount::text, active
		FROM budgets
		WHERE user_id = $1 AND active
		ORDER BY category, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query budgets: %w", classify(err))
	}
	defer rows.Close()

	var out []finance.Budget
	for rows.Next() {
		var (
			b     finance.Budget
			limit string
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.Category, &limit, &b.Active); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		if b.Limit, err = decimal.NewFromString(limit); err != nil {
			return nil, fmt.Errorf("budget %s limit: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

func (f *FinanceReader) Spending(ctx context.Context, userID, category string, from, to time.Time) (decimal.Decimal, error) {
	var total string
	err := f.db.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text
		FROM transactions
		WHERE user_id = $1 AND kind = $2 AND category = $3
		  AND occurred_at >= $4 AND occurred_at < $5
	`, userID, finance.KindExpense, category, from, to).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum spending: %w", classify(err))
	}
	return decimal.NewFromString(total)
}

func (f *FinanceReader) Goals(ctx context.Context, userID string) ([]finance.Goal, error) {
	rows, err := f.db.pool.Query(ctx, `
		SELECT id, user_id, name, target_amount::text, current_amount::text, status
		FROM goals
		WHERE user_id = $1
		ORDER BY name, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", classify(err))
	}
	defer rows.Close()

	var out []finance.Goal
	for rows.Next() {
		var (
			g               finance.Goal
			target, current string
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &target, &current, &g.Status); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		if g.Target, err = decimal.NewFromString(target); err != nil {
			return nil, fmt.Errorf("goal %s target: %w", g.ID, err)
		}
		if g.Current, err = decimal.NewFromString(current); err != nil {
			return nil, fmt.Errorf("goal %s current: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, classify(rows.Err())
}

func (f *FinanceReader) Transactions(ctx context.Context, userID string, since time.Time) ([]finance.Transaction, error) {
	rows, err := f.db.pool.Query(ctx, `
		SELECT id, user_id, kind, amount::text, category, description, occurred_at
		FROM transactions
		WHERE user_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at, id
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", classify(err))
	}
	defer rows.Close()

	var out []finance.Transaction
	for rows.Next() {
		var (
			t      finance.Transaction
			amount string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &amount, &t.Category, &t.Description, &t.Date); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}
