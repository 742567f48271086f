package rules

import (
	"context"
	"fmt"

	"github.com/lalithlochan/finwatch/internal/finance"
	"github.com/lalithlochan/finwatch/internal/notify"
)

// TransactionLookbackDays bounds which transactions are inspected
const TransactionLookbackDays = 7

// TransactionRule flags recent expenses and incomes at or above the user's
// large-transaction threshold. Each transaction fires once ever.
type TransactionRule struct {
	reader finance.Reader
}

func NewTransactionRule(reader finance.Reader) *TransactionRule {
	return &TransactionRule{reader: reader}
}

func (r *TransactionRule) Family() Family { return FamilyTransaction }

func (r *TransactionRule) Evaluate(ctx context.Context, in Input) ([]notify.Candidate, error) {
	since := in.Now.AddDate(0, 0, -TransactionLookbackDays)
	txns, err := r.reader.Transactions(ctx, in.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	threshold := in.Settings.LargeTransactionThreshold

	var out []notify.Candidate
	for _, tx := range txns {
		if tx.Amount.LessThan(threshold) {
			continue
		}

		var (
			typ     notify.Type
			title   string
			message string
		)
		switch tx.Kind {
		case finance.KindExpense:
			typ = notify.TypeExpense
			title = "Large Expense"
			message = fmt.Sprintf("%s spent on %s", money(tx.Amount), describe(tx))
		case finance.KindIncome:
			typ = notify.TypeIncome
			title = "Large Income"
			message = fmt.Sprintf("%s received from %s", money(tx.Amount), describe(tx))
		default:
			continue
		}

		out = append(out, notify.Candidate{
			IdempotencyKey: newKey(),
			UserID:         in.UserID,
			Type:           typ,
			Subtype:        notify.SubtypeLargeTransaction,
			EntityKey:      tx.ID,
			Title:          title,
			Message:        message,
			Priority:       notify.PriorityMedium,
			Metadata: notify.TransactionMetadata{
				TransactionID: tx.ID,
				Amount:        tx.Amount,
				Threshold:     threshold,
				Category:      tx.Category,
				Description:   tx.Description,
				Date:          tx.Date,
			},
		})
	}
	return out, nil
}

func describe(tx finance.Transaction) string {
	switch {
	case tx.Description != "" && tx.Category != "":
		return fmt.Sprintf("%s (%s)", tx.Description, tx.Category)
	case tx.Description != "":
		return tx.Description
	case tx.Category != "":
		return tx.Category
	default:
		return "an uncategorized transaction"
	}
}
