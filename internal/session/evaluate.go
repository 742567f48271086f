package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/dedup"
	"github.com/lalithlochan/finwatch/internal/metrics"
	"github.com/lalithlochan/finwatch/internal/rules"
)

// FamilyReport summarizes one family within a pass
type FamilyReport struct {
	Family     rules.Family `json:"family"`
	Disabled   bool         `json:"disabled,omitempty"`
	Candidates int          `json:"candidates"`
	Emitted    int          `json:"emitted"`
	Suppressed int          `json:"suppressed"`
	Error      string       `json:"error,omitempty"`
}

// PassReport summarizes one evaluation pass
type PassReport struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Families  []FamilyReport `json:"families"`
}

// Refresh evaluates every registered family as one pass
func (s *Session) Refresh(ctx context.Context) (*PassReport, error) {
	return s.runPass(ctx, rules.Families)
}

// runPass evaluates families in order. Only one pass runs at a time, which
// keeps the dedup query-then-insert from racing itself within a session.
func (s *Session) runPass(ctx context.Context, families []rules.Family) (*PassReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrEvaluationInProgress
	}
	defer s.running.Store(false)

	began := time.Now()
	start := s.now()
	in := rules.Input{
		UserID:   s.cfg.UserID,
		Now:      start.In(s.loc),
		Settings: s.settings.Settings(),
	}
	prefs := s.settings.Preferences()

	report := &PassReport{StartedAt: start}
	for _, f := range families {
		ev, ok := s.evaluators[f]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !prefs.Enabled(f.Category()) {
			metrics.RecordEvaluation(string(f), "disabled", 0)
			report.Families = append(report.Families, FamilyReport{Family: f, Disabled: true})
			continue
		}
		report.Families = append(report.Families, s.evaluate(ctx, ev, in))
	}
	report.Duration = time.Since(began)
	return report, nil
}

// evaluate runs one family. A read or dedup failure ends the family for this
// pass; candidates persisted before it stay valid.
func (s *Session) evaluate(ctx context.Context, ev rules.Evaluator, in rules.Input) FamilyReport {
	f := ev.Family()
	fr := FamilyReport{Family: f}
	start := time.Now()

	candidates, err := ev.Evaluate(ctx, in)
	if err != nil {
		metrics.RecordEvaluation(string(f), "error", time.Since(start))
		s.logger.Warn("rule evaluation failed, skipping family this cycle",
			zap.String("family", string(f)),
			zap.Error(err),
		)
		fr.Error = err.Error()
		return fr
	}
	fr.Candidates = len(candidates)

	for _, c := range candidates {
		if ctx.Err() != nil {
			fr.Error = ctx.Err().Error()
			break
		}

		_, outcome, err := s.gate.Emit(ctx, c)
		if err != nil {
			metrics.RecordCandidate(string(f), "failed")
			s.logger.Warn("dedup gate failed, skipping rest of family",
				zap.String("family", string(f)),
				zap.String("subtype", string(c.Subtype)),
				zap.String("entity_key", c.EntityKey),
				zap.Error(err),
			)
			fr.Error = err.Error()
			break
		}

		metrics.RecordCandidate(string(f), string(outcome))
		switch outcome {
		case dedup.OutcomeEmitted:
			fr.Emitted++
		case dedup.OutcomeSuppressed:
			fr.Suppressed++
		}
	}

	result := "ok"
	if fr.Error != "" {
		result = "error"
	}
	metrics.RecordEvaluation(string(f), result, time.Since(start))
	s.logger.Debug("family evaluated",
		zap.String("family", string(f)),
		zap.Int("candidates", fr.Candidates),
		zap.Int("emitted", fr.Emitted),
		zap.Int("suppressed", fr.Suppressed),
	)
	return fr
}
