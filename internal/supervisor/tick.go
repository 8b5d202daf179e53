package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/flatlinehq/flatline/internal/fixer"
	"github.com/flatlinehq/flatline/internal/patterns"
	"github.com/flatlinehq/flatline/internal/stats"
	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/watcher"
)

// errFixNotFound is returned internally when a just-proposed fix id can't
// be found again in the recent-fixes window, which should not happen.
var errFixNotFound = errors.New("fix record not found")

// recentCommitLimit bounds how many commits RecentCommits reads per tick;
// the pattern matcher only ever needs enough history to correlate a
// recently-failing tool with a recent change.
const recentCommitLimit = 20

// runCheckTick executes one poll/ingest/evaluate/fix/report cycle. Errors
// from any one step are logged and do not abort the remaining steps: a
// missing health.json or an unreadable git history should degrade the
// tick, not skip it entirely.
func (s *Supervisor) runCheckTick(ctx context.Context) {
	events, err := s.watcher.PollLogs()
	if err != nil {
		s.log.Warn("poll logs failed", "error", err)
	}

	if err := s.stats.Ingest(ctx, events); err != nil {
		s.log.Warn("ingest events failed", "error", err)
	}

	health, healthErr := s.watcher.ReadHealth()
	if healthErr != nil {
		s.log.Warn("read health failed", "error", healthErr)
	}

	commits, err := patterns.RecentCommits(ctx, s.repoDir, recentCommitLimit)
	if err != nil {
		s.log.Warn("read recent commits failed", "error", err)
	}

	failingTools, err := s.stats.FailingTools(ctx, s.cfg.Thresholds.ToolFailureRate, int64(s.cfg.Thresholds.ToolFailureWindowHours))
	if err != nil {
		s.log.Warn("failing tools query failed", "error", err)
	}

	toolLastSeen, err := s.buildToolLastSeen(ctx)
	if err != nil {
		s.log.Warn("tool last-seen query failed", "error", err)
	}

	diskGB, err := directorySizeGB(s.paths.Root)
	if err != nil {
		s.log.Warn("disk usage check failed", "error", err)
	}

	s.mu.Lock()
	prevHealthy := s.previousContainerHealthy
	s.mu.Unlock()

	in := patterns.Input{
		Now:                      time.Now().UTC(),
		RecentEvents:             events,
		Health:                   health,
		PreviousContainerHealthy: prevHealthy,
		RecentCommits:            commits,
		FailingTools:             failingTools,
		ToolLastSeen:             toolLastSeen,
		DiskUsageGB:              diskGB,
		StaleThresholdSecs:       int64(s.cfg.Checks.HealthStaleThresholdSecs),
		BurnAlertThreshold:       s.cfg.Thresholds.BudgetBurnRateAlert,
		BudgetBurnRate:           stats.BudgetBurnRate(health),
		MaxToolCountWarning:      int64(s.cfg.Thresholds.MaxToolCountWarning),
		UnusedToolDays:           int64(s.cfg.Thresholds.UnusedToolDays),
		DiskWarningGB:            s.cfg.Thresholds.DiskWarningGB,
	}

	matches := patterns.Evaluate(in)

	healthyNow := health.ContainerHealthy
	s.mu.Lock()
	s.previousContainerHealthy = &healthyNow
	s.mu.Unlock()

	for _, m := range matches {
		s.handleMatch(ctx, m)
	}

	if len(matches) == 0 && s.diag != nil && hasAnomalies(health, failingTools) {
		s.runDiagnosisFallback(ctx, events, health, commits, failingTools)
	}
}

// handleMatch alerts the operator (cooldown-gated) and, when auto-fix is
// enabled for this action class, proposes and applies the suggested fix.
func (s *Supervisor) handleMatch(ctx context.Context, m patterns.Match) {
	suppressed, err := s.store.IsSuppressed(ctx, string(m.Kind))
	if err != nil {
		s.log.Warn("suppression check failed", "pattern", m.Kind, "error", err)
	}
	if suppressed {
		return
	}

	if s.reporter != nil {
		if err := s.reporter.SendAlert(ctx, m); err != nil {
			s.log.Warn("send alert failed", "pattern", m.Kind, "error", err)
		}
	}

	action, arg, fixable := fixerActionFor(m)
	if !fixable {
		return
	}

	pattern := string(m.Kind)
	summary := m.Evidence.Summary
	actionStr := string(action)
	fixID, err := s.fixer.Propose(ctx, &pattern, &summary, &action)
	if err != nil {
		s.log.Error("propose fix failed", "pattern", m.Kind, "error", err)
		return
	}

	if !s.autoFixEnabledFor(action) {
		return
	}

	applyErr := s.fixer.Apply(ctx, fixID, action, arg)
	if s.reporter != nil {
		fix, recentErr := s.recentFixByID(ctx, fixID)
		if recentErr == nil {
			if sendErr := s.reporter.SendFixApplied(ctx, fix); sendErr != nil {
				s.log.Warn("send fix-applied notice failed", "fix_id", fixID, "error", sendErr)
			}
		}
	}
	if applyErr != nil {
		s.log.Error("apply fix failed", "fix_id", fixID, "action", actionStr, "error", applyErr)
	}
}

// fixerActionFor translates a pattern match's suggested action into a
// fixer.Action plus the argument it needs, or reports fixable=false for
// report_only/reset_sandbox matches the fixer has no dispatcher for.
func fixerActionFor(m patterns.Match) (action fixer.Action, arg string, fixable bool) {
	switch m.SuggestedAction {
	case patterns.ActionRestartProcess:
		return fixer.ActionRestartProcess, "", true
	case patterns.ActionRevertCommit:
		if len(m.Evidence.RelatedCommitHashes) == 0 {
			return "", "", false
		}
		return fixer.ActionRevertCommit, m.Evidence.RelatedCommitHashes[0], true
	case patterns.ActionDisableFailingTask:
		if m.Evidence.Target == "" {
			return "", "", false
		}
		return fixer.ActionDisableFailingTask, m.Evidence.Target, true
	case patterns.ActionQuarantineTool:
		if m.Evidence.Target == "" {
			return "", "", false
		}
		return fixer.ActionQuarantineTool, m.Evidence.Target, true
	default:
		return "", "", false
	}
}

func (s *Supervisor) autoFixEnabledFor(action fixer.Action) bool {
	if !s.cfg.AutoFix.Enabled {
		return false
	}
	switch action {
	case fixer.ActionRestartProcess:
		return s.cfg.AutoFix.RestartOnCrash
	case fixer.ActionQuarantineTool:
		return s.cfg.AutoFix.QuarantineFailingTools
	case fixer.ActionDisableFailingTask:
		return s.cfg.AutoFix.DisableFailingTasks
	case fixer.ActionRevertCommit:
		return s.cfg.AutoFix.RevertRecentChanges
	default:
		return false
	}
}

func (s *Supervisor) recentFixByID(ctx context.Context, id string) (store.FixRecord, error) {
	recent, err := s.store.RecentFixes(ctx, 50)
	if err != nil {
		return store.FixRecord{}, err
	}
	for _, f := range recent {
		if f.ID == id {
			return f, nil
		}
	}
	return store.FixRecord{}, errFixNotFound
}

func hasAnomalies(health watcher.HealthReport, failingTools []stats.ToolFailure) bool {
	if !health.ContainerHealthy {
		return true
	}
	if health.LastError != nil && *health.LastError != "" {
		return true
	}
	return len(failingTools) > 0
}
