package rules

import (
	"context"

	"github.com/lalithlochan/finwatch/internal/notify"
)

// ReportDay is the first day of the month the report reminder may fire
const ReportDay = 28

// ReportRule reminds the user once per calendar month, late in the month,
// that the monthly report is available.
type ReportRule struct{}

func NewReportRule() *ReportRule {
	return &ReportRule{}
}

func (r *ReportRule) Family() Family { return FamilyReport }

func (r *ReportRule) Evaluate(ctx context.Context, in Input) ([]notify.Candidate, error) {
	if in.Now.Day() < ReportDay {
		return nil, nil
	}

	start := MonthStart(in.Now)
	return []notify.Candidate{{
		IdempotencyKey: newKey(),
		UserID:         in.UserID,
		Type:           notify.TypeSystem,
		Subtype:        notify.SubtypeMonthlyReport,
		Title:          "Monthly Report Ready",
		Message:        "Your " + start.Format("January 2006") + " financial report is ready to review.",
		Priority:       notify.PriorityLow,
		Metadata:       notify.ReportMetadata{Month: start.Format("2006-01")},
		Window:         notify.Window{Start: start},
	}}, nil
}
