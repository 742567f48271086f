package finance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger is an in-memory Reader used by the memory store driver and tests
type Ledger struct {
	mu           sync.RWMutex
	budgets      map[string]Budget
	goals        map[string]Goal
	transactions map[string]Transaction
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		budgets:      make(map[string]Budget),
		goals:        make(map[string]Goal),
		transactions: make(map[string]Transaction),
	}
}

// PutBudget inserts or replaces a budget
func (l *Ledger) PutBudget(b Budget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[b.ID] = b
}

// PutGoal inserts or replaces a goal
func (l *Ledger) PutGoal(g Goal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.goals[g.ID] = g
}

// PutTransaction inserts or replaces a transaction
func (l *Ledger) PutTransaction(t Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transactions[t.ID] = t
}

func (l *Ledger) ActiveBudgets(ctx context.Context, userID string) ([]Budget, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Budget
	for _, b := range l.budgets {
		if b.UserID == userID && b.Active {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *Ledger) Spending(ctx context.Context, userID, category string, from, to time.Time) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, t := range l.transactions {
		if t.UserID != userID || t.Kind != KindExpense || t.Category != category {
			continue
		}
		if t.Date.Before(from) || !t.Date.Before(to) {
			continue
		}
		total = total.Add(t.Amount)
	}
	return total, nil
}

func (l *Ledger) Goals(ctx context.Context, userID string) ([]Goal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Goal
	for _, g := range l.goals {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *Ledger) Transactions(ctx context.Context, userID string, since time.Time) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Transaction
	for _, t := range l.transactions {
		if t.UserID == userID && !t.Date.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
