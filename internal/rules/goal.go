package rules

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lalithlochan/finwatch/internal/finance"
	"github.com/lalithlochan/finwatch/internal/notify"
)

// MilestoneWindowDays is the rolling span in which a milestone fires at most once
const MilestoneWindowDays = 30

var milestones = []struct {
	percent int
	subtype notify.Subtype
}{
	{25, notify.SubtypeProgress25},
	{50, notify.SubtypeProgress50},
	{75, notify.SubtypeProgress75},
}

// GoalRule announces completed goals once ever and progress milestones for
// active goals.
type GoalRule struct {
	reader finance.Reader
}

func NewGoalRule(reader finance.Reader) *GoalRule {
	return &GoalRule{reader: reader}
}

func (r *GoalRule) Family() Family { return FamilyGoal }

func (r *GoalRule) Evaluate(ctx context.Context, in Input) ([]notify.Candidate, error) {
	goals, err := r.reader.Goals(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("load goals: %w", err)
	}

	var out []notify.Candidate
	for _, g := range goals {
		switch g.Status {
		case finance.GoalCompleted:
			out = append(out, notify.Candidate{
				IdempotencyKey: newKey(),
				UserID:         in.UserID,
				Type:           notify.TypeGoal,
				Subtype:        notify.SubtypeCompleted,
				EntityKey:      g.ID,
				Title:          "Goal Completed: " + g.Name,
				Message:        fmt.Sprintf("Congratulations! You reached your %s goal for %s.", money(g.Target), g.Name),
				Priority:       notify.PriorityHigh,
				Metadata: notify.GoalMetadata{
					GoalID:  g.ID,
					Name:    g.Name,
					Current: g.Current,
					Target:  g.Target,
					Percent: hundred,
				},
			})
		case finance.GoalActive:
			if c, ok := milestoneCandidate(g, in); ok {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// milestoneCandidate tests the half-open buckets [m, m+25). Buckets are
// disjoint, so at most one fires per goal.
func milestoneCandidate(g finance.Goal, in Input) (notify.Candidate, bool) {
	if !g.Target.IsPositive() {
		return notify.Candidate{}, false
	}
	progress := percentOf(g.Current, g.Target)

	for _, m := range milestones {
		lo := decimal.NewFromInt(int64(m.percent))
		hi := lo.Add(decimal.NewFromInt(25))
		if progress.LessThan(lo) || progress.GreaterThanOrEqual(hi) {
			continue
		}
		return notify.Candidate{
			IdempotencyKey: newKey(),
			UserID:         in.UserID,
			Type:           notify.TypeGoal,
			Subtype:        m.subtype,
			EntityKey:      g.ID,
			Title:          fmt.Sprintf("Goal Progress: %s", g.Name),
			Message: fmt.Sprintf("You're %d%% of the way to %s (%s of %s).",
				m.percent, g.Name, money(g.Current), money(g.Target)),
			Priority: notify.PriorityMedium,
			Metadata: notify.GoalMetadata{
				GoalID:    g.ID,
				Name:      g.Name,
				Current:   g.Current,
				Target:    g.Target,
				Percent:   progress.Round(2),
				Milestone: m.percent,
			},
			Window: notify.Window{Start: in.Now.AddDate(0, 0, -MilestoneWindowDays)},
		}, true
	}
	return notify.Candidate{}, false
}
