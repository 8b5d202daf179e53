package supervisor

import (
	"context"

	"github.com/flatlinehq/flatline/internal/diagnosis"
	"github.com/flatlinehq/flatline/internal/fixer"
	"github.com/flatlinehq/flatline/internal/patterns"
	"github.com/flatlinehq/flatline/internal/stats"
	"github.com/flatlinehq/flatline/internal/watcher"
)

// runDiagnosisFallback is only reached when the tick found anomalies but
// none of the nine named rules fired. A high- or medium-confidence result
// routes straight into the fixer as a restart proposal; low confidence (or
// no result at all) falls back to a plain alert.
func (s *Supervisor) runDiagnosisFallback(
	ctx context.Context,
	events []watcher.LogEvent,
	health watcher.HealthReport,
	commits []patterns.Commit,
	failingTools []stats.ToolFailure,
) {
	d, err := s.diag.Diagnose(ctx, diagnosis.Input{
		LogEvents: events,
		Health:    &health,
		RecentLog: commits,
		ToolStats: failingTools,
	})
	if err != nil {
		s.log.Warn("diagnosis failed", "error", err)
		return
	}
	if d == nil {
		return
	}

	m := patterns.Match{
		Kind: patterns.DiagnosisFallback,
		Evidence: patterns.Evidence{
			Summary: d.RootCause + ": " + d.RecommendedAction,
		},
		SuggestedAction: patterns.ActionRestartProcess,
		Severity:        patterns.SeverityMedium,
	}

	if s.reporter != nil {
		if err := s.reporter.SendAlert(ctx, m); err != nil {
			s.log.Warn("send diagnosis alert failed", "error", err)
		}
	}

	if d.Confidence != diagnosis.ConfidenceHigh && d.Confidence != diagnosis.ConfidenceMedium {
		return
	}
	if !s.cfg.AutoFix.Enabled || !s.cfg.AutoFix.RestartOnCrash {
		return
	}

	pattern := "diagnosis_fallback"
	action := fixer.ActionRestartProcess
	fixID, err := s.fixer.Propose(ctx, &pattern, &d.RootCause, &action)
	if err != nil {
		s.log.Error("propose diagnosis fix failed", "error", err)
		return
	}
	if err := s.fixer.Apply(ctx, fixID, action, ""); err != nil {
		s.log.Error("apply diagnosis fix failed", "fix_id", fixID, "error", err)
	}
}
