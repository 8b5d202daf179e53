// Package patterns evaluates the supervisor's fixed, named rule set against
// the current tick's window of events, health, commits, and derived stats.
// Unlike a general rule engine, the rule set is closed: nine named kinds,
// each with its own trigger and evidence shape, plus a tenth synthetic kind
// (DiagnosisFallback) the supervisor attaches to an LLM diagnosis result so
// it shares the same cooldown and suppression bookkeeping as a rule match.
package patterns

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flatlinehq/flatline/internal/redact"
	"github.com/flatlinehq/flatline/internal/stats"
	"github.com/flatlinehq/flatline/internal/watcher"
)

// Kind identifies one of the nine fixed pattern rules, or the synthetic
// DiagnosisFallback kind the supervisor tags an LLM diagnosis result with
// so it shares the same cooldown/suppression bookkeeping as a rule match.
type Kind string

const (
	ToolFailingAfterChange  Kind = "tool_failing_after_change"
	ContainerUnhealthy      Kind = "container_unhealthy"
	HealthStale             Kind = "health_stale"
	BudgetBurnHigh          Kind = "budget_burn_high"
	RepeatedCrash           Kind = "repeated_crash"
	ToolSprawl              Kind = "tool_sprawl"
	TaskConsecutiveFailures Kind = "task_consecutive_failures"
	UnusedTool              Kind = "unused_tool"
	DiskPressure            Kind = "disk_pressure"
	DiagnosisFallback       Kind = "diagnosis_fallback"
)

// Severity ranks how urgently a match should be surfaced.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ActionTag is a compiled-in action class. The fixer only ever dispatches on
// one of these; there is no free-form command execution.
type ActionTag string

const (
	ActionRestartProcess     ActionTag = "restart_process"
	ActionQuarantineTool     ActionTag = "quarantine_tool"
	ActionDisableFailingTask ActionTag = "disable_failing_task"
	ActionRevertCommit       ActionTag = "revert_commit"
	ActionResetSandbox       ActionTag = "reset_sandbox"
	ActionReportOnly         ActionTag = "report_only"
)

// evidenceMaxErrorLen caps how much free-text error payload from an event
// survives into a rendered evidence summary.
const evidenceMaxErrorLen = 200

// Evidence is the rendered, single-line justification for a Match.
type Evidence struct {
	Summary             string
	RelatedCommitHashes []string
	// Target identifies the tool or task name the SuggestedAction applies
	// to, when that action needs one (disable_failing_task). Empty when
	// the action is untargeted (restart_process) or targets a commit
	// (revert_commit uses RelatedCommitHashes instead).
	Target string
}

// Match is one fired rule, ready for suppression filtering and reporting.
type Match struct {
	Kind            Kind
	Evidence        Evidence
	SuggestedAction ActionTag
	Severity        Severity
}

// Commit is one entry from the agent's git history, as surfaced by
// RecentCommits (this package's own git-log reader, one of the few call
// sites in the repository permitted to shell out).
type Commit struct {
	Hash         string
	Timestamp    time.Time
	FilesChanged []string
}

// Input bundles everything a tick needs to evaluate the rule set. The
// supervisor loop assembles this fresh each tick; the matcher itself holds
// no state beyond what the caller hands it, except where the rule
// definition explicitly needs history across polls (container_unhealthy),
// which the caller supplies via PreviousContainerHealthy.
type Input struct {
	Now                      time.Time
	RecentEvents             []watcher.LogEvent
	Health                   watcher.HealthReport
	PreviousContainerHealthy *bool
	RecentCommits            []Commit
	FailingTools             []stats.ToolFailure
	ToolLastSeen             map[string]time.Time
	DiskUsageGB              float64

	StaleThresholdSecs  int64
	BurnAlertThreshold  float64
	BudgetBurnRate      float64
	MaxToolCountWarning int64
	UnusedToolDays      int64
	DiskWarningGB       float64
}

// Fixed rule constants not exposed in the configuration table: the number
// of crash events that constitutes "repeated" within the cooldown window,
// that window's width, and the number of consecutive task failures that
// constitutes a pattern.
const (
	crashCountThreshold         = 3
	crashCooldownWindow         = 10 * time.Minute
	consecutiveFailureThreshold = 3
)

// Evaluate runs every rule against in and returns every rule that fired, in
// the table's fixed order. Suppression is applied by the caller (the store
// is the sole owner of suppression state), not here.
func Evaluate(in Input) []Match {
	var matches []Match

	if m := evalToolFailingAfterChange(in); m != nil {
		matches = append(matches, *m)
	}
	if m := evalContainerUnhealthy(in); m != nil {
		matches = append(matches, *m)
	}
	if m := evalHealthStale(in); m != nil {
		matches = append(matches, *m)
	}
	if m := evalBudgetBurnHigh(in); m != nil {
		matches = append(matches, *m)
	}
	if m := evalRepeatedCrash(in); m != nil {
		matches = append(matches, *m)
	}
	if m := evalToolSprawl(in); m != nil {
		matches = append(matches, *m)
	}
	if m := evalTaskConsecutiveFailures(in); m != nil {
		matches = append(matches, *m)
	}
	if m := evalUnusedTool(in); m != nil {
		matches = append(matches, *m)
	}
	if m := evalDiskPressure(in); m != nil {
		matches = append(matches, *m)
	}

	return matches
}

// commitTouchesTool reports whether a changed path is "related" to a tool:
// its base name (without extension) contains the tool name as a
// case-insensitive substring, or the tool name appears as a path segment.
func commitTouchesTool(c Commit, tool string) bool {
	toolLower := strings.ToLower(tool)
	for _, path := range c.FilesChanged {
		segments := strings.Split(strings.ToLower(path), "/")
		for _, seg := range segments {
			if seg == toolLower {
				return true
			}
		}
		base := segments[len(segments)-1]
		if idx := strings.LastIndex(base, "."); idx >= 0 {
			base = base[:idx]
		}
		if strings.Contains(base, toolLower) {
			return true
		}
	}
	return false
}

func evalToolFailingAfterChange(in Input) *Match {
	for _, tf := range in.FailingTools {
		for _, c := range in.RecentCommits {
			if in.Now.Sub(c.Timestamp) < 0 {
				continue
			}
			if !commitTouchesTool(c, tf.Tool) {
				continue
			}
			return &Match{
				Kind: ToolFailingAfterChange,
				Evidence: Evidence{
					Summary:             fmt.Sprintf("tool %q failing (rate=%.2f) after related commit %s", tf.Tool, tf.Rate, c.Hash),
					RelatedCommitHashes: []string{c.Hash},
					Target:              tf.Tool,
				},
				SuggestedAction: ActionRevertCommit,
				Severity:        SeverityHigh,
			}
		}
	}
	return nil
}

func evalContainerUnhealthy(in Input) *Match {
	if in.Health.ContainerHealthy {
		return nil
	}
	if in.PreviousContainerHealthy == nil || *in.PreviousContainerHealthy {
		return nil
	}
	return &Match{
		Kind:            ContainerUnhealthy,
		Evidence:        Evidence{Summary: "container reported unhealthy on two consecutive polls"},
		SuggestedAction: ActionRestartProcess,
		Severity:        SeverityHigh,
	}
}

func evalHealthStale(in Input) *Match {
	lastHeartbeat, err := time.Parse(time.RFC3339, in.Health.LastHeartbeat)
	if err != nil {
		return nil
	}
	elapsed := in.Now.Sub(lastHeartbeat)
	if elapsed < 0 || int64(elapsed.Seconds()) <= in.StaleThresholdSecs {
		return nil
	}
	return &Match{
		Kind:            HealthStale,
		Evidence:        Evidence{Summary: fmt.Sprintf("last heartbeat %s ago exceeds %ds threshold", elapsed.Round(time.Second), in.StaleThresholdSecs)},
		SuggestedAction: ActionRestartProcess,
		Severity:        SeverityHigh,
	}
}

func evalBudgetBurnHigh(in Input) *Match {
	if in.BudgetBurnRate < in.BurnAlertThreshold {
		return nil
	}
	return &Match{
		Kind:            BudgetBurnHigh,
		Evidence:        Evidence{Summary: fmt.Sprintf("budget burn rate %.2f at/above alert threshold %.2f", in.BudgetBurnRate, in.BurnAlertThreshold)},
		SuggestedAction: ActionReportOnly,
		Severity:        SeverityMedium,
	}
}

func evalRepeatedCrash(in Input) *Match {
	cutoff := in.Now.Add(-crashCooldownWindow)
	count := 0
	var lastTS string
	for _, e := range in.RecentEvents {
		if e.Event == nil || *e.Event != "crash" {
			continue
		}
		if e.TS == nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, *e.TS)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		count++
		lastTS = *e.TS
	}
	if count < crashCountThreshold {
		return nil
	}
	heartbeatLost := in.Health.ActiveSessions == 0
	if !heartbeatLost {
		return nil
	}
	return &Match{
		Kind:            RepeatedCrash,
		Evidence:        Evidence{Summary: fmt.Sprintf("%d crash events within %s (most recent %s), heartbeat lost", count, crashCooldownWindow, lastTS)},
		SuggestedAction: ActionRestartProcess,
		Severity:        SeverityHigh,
	}
}

func evalToolSprawl(in Input) *Match {
	if in.Health.DynamicToolsCount <= in.MaxToolCountWarning {
		return nil
	}
	return &Match{
		Kind:            ToolSprawl,
		Evidence:        Evidence{Summary: fmt.Sprintf("dynamic tool count %d exceeds warning threshold %d", in.Health.DynamicToolsCount, in.MaxToolCountWarning)},
		SuggestedAction: ActionReportOnly,
		Severity:        SeverityLow,
	}
}

// evalTaskConsecutiveFailures treats task_run events as identified by the
// Tool field (the event schema has no separate task-id field; scheduled
// tasks are logged as event="task_run" with Tool set to the task id).
func evalTaskConsecutiveFailures(in Input) *Match {
	type run struct {
		ts      time.Time
		success bool
	}
	byTask := make(map[string][]run)
	var order []string
	for _, e := range in.RecentEvents {
		if e.Event == nil || *e.Event != "task_run" {
			continue
		}
		if e.Tool == nil || *e.Tool == "" {
			continue
		}
		ts := time.Time{}
		if e.TS != nil {
			if parsed, err := time.Parse(time.RFC3339, *e.TS); err == nil {
				ts = parsed
			}
		}
		if _, seen := byTask[*e.Tool]; !seen {
			order = append(order, *e.Tool)
		}
		byTask[*e.Tool] = append(byTask[*e.Tool], run{ts: ts, success: e.Success != nil && *e.Success})
	}

	for _, taskID := range order {
		runs := byTask[taskID]
		sort.Slice(runs, func(i, j int) bool { return runs[i].ts.Before(runs[j].ts) })

		consecutive := 0
		for i := len(runs) - 1; i >= 0; i-- {
			if runs[i].success {
				break
			}
			consecutive++
		}
		if consecutive >= consecutiveFailureThreshold {
			return &Match{
				Kind:            TaskConsecutiveFailures,
				Evidence:        Evidence{Summary: fmt.Sprintf("task %q failed %d consecutive runs", taskID, consecutive), Target: taskID},
				SuggestedAction: ActionDisableFailingTask,
				Severity:        SeverityMedium,
			}
		}
	}
	return nil
}

func evalUnusedTool(in Input) *Match {
	cutoff := in.Now.AddDate(0, 0, -int(in.UnusedToolDays))

	var unused []string
	for tool, lastSeen := range in.ToolLastSeen {
		if lastSeen.Before(cutoff) {
			unused = append(unused, tool)
		}
	}
	if len(unused) == 0 {
		return nil
	}
	sort.Strings(unused)
	tool := unused[0]

	return &Match{
		Kind:            UnusedTool,
		Evidence:        Evidence{Summary: fmt.Sprintf("tool %q not invoked in >= %d days", tool, in.UnusedToolDays)},
		SuggestedAction: ActionReportOnly,
		Severity:        SeverityLow,
	}
}

func evalDiskPressure(in Input) *Match {
	if in.DiskUsageGB <= in.DiskWarningGB {
		return nil
	}
	return &Match{
		Kind:            DiskPressure,
		Evidence:        Evidence{Summary: fmt.Sprintf("state directory usage %.1fGB exceeds warning threshold %.1fGB", in.DiskUsageGB, in.DiskWarningGB)},
		SuggestedAction: ActionReportOnly,
		Severity:        SeverityMedium,
	}
}

// RedactEvidence applies secret redaction and the evidence length cap to an
// error payload before it is embedded in a rendered summary.
func RedactEvidence(r *redact.Redactor, errText string) string {
	text := r.Redact(errText)
	if len(text) > evidenceMaxErrorLen {
		return text[:evidenceMaxErrorLen] + "...(truncated)"
	}
	return text
}
