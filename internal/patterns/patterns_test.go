package patterns

import (
	"testing"
	"time"

	"github.com/flatlinehq/flatline/internal/stats"
	"github.com/flatlinehq/flatline/internal/watcher"
)

func ptrStr(s string) *string { return &s }
func ptrBool(b bool) *bool    { return &b }

func baseHealth(now time.Time) watcher.HealthReport {
	return watcher.HealthReport{
		Status:           "running",
		LastHeartbeat:    now.Format(time.RFC3339),
		ContainerHealthy: true,
		ActiveSessions:   1,
	}
}

func TestEvalToolFailingAfterChange(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	in := Input{
		Now:    now,
		Health: baseHealth(now),
		FailingTools: []stats.ToolFailure{
			{Tool: "deploy_check", Rate: 0.9},
		},
		RecentCommits: []Commit{
			{Hash: "abc1234", Timestamp: now.Add(-time.Hour), FilesChanged: []string{"tools/deploy_check.py"}},
		},
	}
	matches := Evaluate(in)
	if !containsKind(matches, ToolFailingAfterChange) {
		t.Fatalf("expected tool_failing_after_change, got %+v", matches)
	}
}

func TestEvalToolFailingAfterChangeNoRelatedCommit(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	in := Input{
		Now:    now,
		Health: baseHealth(now),
		FailingTools: []stats.ToolFailure{
			{Tool: "deploy_check", Rate: 0.9},
		},
		RecentCommits: []Commit{
			{Hash: "abc1234", Timestamp: now.Add(-time.Hour), FilesChanged: []string{"docs/readme.md"}},
		},
	}
	matches := Evaluate(in)
	if containsKind(matches, ToolFailingAfterChange) {
		t.Fatalf("expected no match for unrelated commit, got %+v", matches)
	}
}

func TestEvalContainerUnhealthyRequiresTwoConsecutivePolls(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	health := baseHealth(now)
	health.ContainerHealthy = false

	unhealthy := false
	healthy := true

	in1 := Input{Now: now, Health: health, PreviousContainerHealthy: &healthy}
	if containsKind(Evaluate(in1), ContainerUnhealthy) {
		t.Fatalf("single bad poll should not fire container_unhealthy")
	}

	in2 := Input{Now: now, Health: health, PreviousContainerHealthy: &unhealthy}
	if !containsKind(Evaluate(in2), ContainerUnhealthy) {
		t.Fatalf("two consecutive bad polls should fire container_unhealthy")
	}
}

func TestEvalHealthStale(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	health := baseHealth(now.Add(-10 * time.Minute))

	in := Input{Now: now, Health: health, StaleThresholdSecs: 180}
	if !containsKind(Evaluate(in), HealthStale) {
		t.Fatalf("expected health_stale to fire")
	}

	inFresh := Input{Now: now, Health: baseHealth(now), StaleThresholdSecs: 180}
	if containsKind(Evaluate(inFresh), HealthStale) {
		t.Fatalf("fresh heartbeat should not fire health_stale")
	}
}

func TestEvalBudgetBurnHigh(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	in := Input{Now: now, Health: baseHealth(now), BudgetBurnRate: 0.9, BurnAlertThreshold: 0.8}
	if !containsKind(Evaluate(in), BudgetBurnHigh) {
		t.Fatalf("expected budget_burn_high to fire at 0.9 >= 0.8")
	}

	inBelow := Input{Now: now, Health: baseHealth(now), BudgetBurnRate: 0.5, BurnAlertThreshold: 0.8}
	if containsKind(Evaluate(inBelow), BudgetBurnHigh) {
		t.Fatalf("0.5 < 0.8 should not fire")
	}
}

func TestEvalRepeatedCrash(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	health := baseHealth(now)
	health.ActiveSessions = 0

	var events []watcher.LogEvent
	for i := 0; i < 3; i++ {
		events = append(events, watcher.LogEvent{
			TS:    ptrStr(now.Add(-time.Duration(i) * time.Minute).Format(time.RFC3339)),
			Event: ptrStr("crash"),
		})
	}

	in := Input{Now: now, Health: health, RecentEvents: events}
	if !containsKind(Evaluate(in), RepeatedCrash) {
		t.Fatalf("expected repeated_crash with 3 crash events and no active sessions")
	}
}

func TestEvalRepeatedCrashRequiresHeartbeatLoss(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	health := baseHealth(now)
	health.ActiveSessions = 1

	var events []watcher.LogEvent
	for i := 0; i < 3; i++ {
		events = append(events, watcher.LogEvent{
			TS:    ptrStr(now.Add(-time.Duration(i) * time.Minute).Format(time.RFC3339)),
			Event: ptrStr("crash"),
		})
	}

	in := Input{Now: now, Health: health, RecentEvents: events}
	if containsKind(Evaluate(in), RepeatedCrash) {
		t.Fatalf("active sessions present should suppress repeated_crash")
	}
}

func TestEvalToolSprawl(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	health := baseHealth(now)
	health.DynamicToolsCount = 50

	in := Input{Now: now, Health: health, MaxToolCountWarning: 40}
	if !containsKind(Evaluate(in), ToolSprawl) {
		t.Fatalf("expected tool_sprawl with 50 > 40")
	}
}

func TestEvalTaskConsecutiveFailures(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	var events []watcher.LogEvent
	for i := 0; i < 3; i++ {
		events = append(events, watcher.LogEvent{
			TS:      ptrStr(now.Add(-time.Duration(3-i) * time.Hour).Format(time.RFC3339)),
			Event:   ptrStr("task_run"),
			Tool:    ptrStr("nightly_backup"),
			Success: ptrBool(false),
		})
	}

	in := Input{Now: now, Health: baseHealth(now), RecentEvents: events}
	if !containsKind(Evaluate(in), TaskConsecutiveFailures) {
		t.Fatalf("expected task_consecutive_failures with 3 consecutive failed runs")
	}
}

func TestEvalTaskConsecutiveFailuresBrokenByRecentSuccess(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	events := []watcher.LogEvent{
		{TS: ptrStr(now.Add(-3 * time.Hour).Format(time.RFC3339)), Event: ptrStr("task_run"), Tool: ptrStr("nightly_backup"), Success: ptrBool(false)},
		{TS: ptrStr(now.Add(-2 * time.Hour).Format(time.RFC3339)), Event: ptrStr("task_run"), Tool: ptrStr("nightly_backup"), Success: ptrBool(false)},
		{TS: ptrStr(now.Add(-1 * time.Hour).Format(time.RFC3339)), Event: ptrStr("task_run"), Tool: ptrStr("nightly_backup"), Success: ptrBool(true)},
	}

	in := Input{Now: now, Health: baseHealth(now), RecentEvents: events}
	if containsKind(Evaluate(in), TaskConsecutiveFailures) {
		t.Fatalf("most recent run succeeded, should not fire")
	}
}

func TestEvalUnusedTool(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	in := Input{
		Now:            now,
		Health:         baseHealth(now),
		UnusedToolDays: 30,
		ToolLastSeen: map[string]time.Time{
			"ancient_tool": now.AddDate(0, 0, -45),
		},
	}
	if !containsKind(Evaluate(in), UnusedTool) {
		t.Fatalf("expected unused_tool for a tool idle 45 days with a 30-day threshold")
	}
}

func TestEvalDiskPressure(t *testing.T) {
	now := time.Date(2026, 2, 19, 16, 0, 0, 0, time.UTC)
	in := Input{Now: now, Health: baseHealth(now), DiskUsageGB: 8.0, DiskWarningGB: 5.0}
	if !containsKind(Evaluate(in), DiskPressure) {
		t.Fatalf("expected disk_pressure with 8.0GB > 5.0GB threshold")
	}
}

func containsKind(matches []Match, kind Kind) bool {
	for _, m := range matches {
		if m.Kind == kind {
			return true
		}
	}
	return false
}
