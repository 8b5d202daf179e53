package supervisor

import (
	"context"

	"github.com/flatlinehq/flatline/internal/reporter"
)

// runDailyDigest sends the configured daily operator summary.
func (s *Supervisor) runDailyDigest(ctx context.Context) {
	if s.reporter == nil {
		return
	}

	health, err := s.watcher.ReadHealth()
	if err != nil {
		s.log.Warn("daily digest: read health failed", "error", err)
		return
	}

	failing, err := s.stats.FailingTools(ctx, s.cfg.Thresholds.ToolFailureRate, int64(s.cfg.Thresholds.ToolFailureWindowHours))
	if err != nil {
		s.log.Warn("daily digest: failing tools query failed", "error", err)
	}

	issues := make([]reporter.ToolIssue, 0, len(failing))
	for _, f := range failing {
		issues = append(issues, reporter.ToolIssue{Tool: f.Tool, Rate: f.Rate})
	}

	if err := s.reporter.SendDailyHealth(ctx, health, issues); err != nil {
		s.log.Warn("send daily health failed", "error", err)
	}
}
