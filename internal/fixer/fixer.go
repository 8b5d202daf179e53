// Package fixer executes the closed set of auto-fix actions the pattern
// matcher and diagnostician can propose: restart the agent process,
// quarantine a tool, disable a scheduled task, or revert a commit. Every
// action passes through internal/validate before it has any side effect,
// every application is idempotent per fix id, and a successful application
// is re-checked by a short post-action probe before the fix record is
// marked verified.
package fixer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flatlinehq/flatline/internal/ferrors"
	"github.com/flatlinehq/flatline/internal/flpaths"
	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/validate"
	"github.com/flatlinehq/flatline/internal/watcher"
)

// Action identifies one of the closed set of side-effecting operations the
// fixer knows how to perform.
type Action string

const (
	ActionRestartProcess     Action = "restart_process"
	ActionQuarantineTool     Action = "quarantine_tool"
	ActionDisableFailingTask Action = "disable_failing_task"
	ActionRevertCommit       Action = "revert_commit"
)

// ServiceRestarter is the narrow capability the fixer needs to restart the
// agent process; internal/svcmgr.Manager satisfies this via Stop+Start.
type ServiceRestarter interface {
	Stop(name string) error
	Start(name string) error
}

// HealthReader is the narrow capability the fixer needs to re-check the
// agent's container health after a restart_process fix; internal/watcher.Watcher
// satisfies this via ReadHealth.
type HealthReader interface {
	ReadHealth() (watcher.HealthReport, error)
}

// ScheduledTask is one entry in the scheduled-task config file the fixer
// writes to when disabling a task.
type ScheduledTask struct {
	ID       string `json:"id"`
	Disabled bool   `json:"disabled"`
}

const execTimeout = 30 * time.Second

// defaultProbeDelay is how long Apply waits after a successful action before
// re-checking whether the triggering condition actually cleared, giving the
// agent a moment to report fresh state.
const defaultProbeDelay = 5 * time.Second

// Fixer dispatches and records fix actions.
type Fixer struct {
	svc             ServiceRestarter
	health          HealthReader
	store           *store.Store
	paths           flpaths.Paths
	toolsDir        string
	tasksConfigPath string
	workDir         string
	maxRestartsHour int
	probeDelay      time.Duration
	log             *slog.Logger

	mu              sync.Mutex
	restartAttempts []time.Time
}

// New builds a Fixer. toolsDir is the agent's active tool directory;
// workDir is the agent's git workspace revert_commit operates against.
// health is used to re-check container health after restart_process; a nil
// health leaves that one probe unable to run (verified falls back to
// whether the action itself errored).
func New(svc ServiceRestarter, health HealthReader, s *store.Store, paths flpaths.Paths, toolsDir, tasksConfigPath, workDir string, maxRestartsPerHour int, log *slog.Logger) *Fixer {
	if log == nil {
		log = slog.Default()
	}
	return &Fixer{
		svc:             svc,
		health:          health,
		store:           s,
		paths:           paths,
		toolsDir:        toolsDir,
		tasksConfigPath: tasksConfigPath,
		workDir:         workDir,
		maxRestartsHour: maxRestartsPerHour,
		probeDelay:      defaultProbeDelay,
		log:             log,
	}
}

// Propose writes a pending FixRecord for a detected pattern without
// applying anything, returning the generated fix id.
func (f *Fixer) Propose(ctx context.Context, pattern *string, diagnosisText *string, action *Action) (string, error) {
	id := "fix-" + uuid.New().String()
	rec := store.FixRecord{
		ID:         id,
		DetectedAt: time.Now().UTC(),
		Pattern:    pattern,
		Diagnosis:  diagnosisText,
	}
	if action != nil {
		actionStr := string(*action)
		rec.Action = &actionStr
	}
	if err := f.store.InsertFix(ctx, rec); err != nil {
		return "", fmt.Errorf("insert fix record: %w", err)
	}
	return id, nil
}

// Apply performs the named action for an already-proposed fix id,
// idempotently: a fix id that already has AppliedAt set is a no-op. The
// record is mutated at most twice: once here to record applied_at (and
// verified=false if the action itself errored), and once more after the
// post-action probe to record the real verified outcome.
func (f *Fixer) Apply(ctx context.Context, fixID string, action Action, arg string) error {
	existing, err := f.alreadyApplied(ctx, fixID)
	if err != nil {
		return err
	}
	if existing {
		f.log.Debug("fix already applied, skipping", "fix_id", fixID)
		return nil
	}

	applyErr := f.dispatch(ctx, action, arg)

	appliedAt := time.Now().UTC()
	if applyErr != nil {
		failed := false
		if err := f.store.UpdateFix(ctx, fixID, &appliedAt, &failed, nil); err != nil {
			f.log.Warn("failed to record fix application", "fix_id", fixID, "error", err)
		}
		return fmt.Errorf("apply fix %s (%s): %w", fixID, action, applyErr)
	}
	if err := f.store.UpdateFix(ctx, fixID, &appliedAt, nil, nil); err != nil {
		f.log.Warn("failed to record fix application", "fix_id", fixID, "error", err)
	}

	verified := f.probe(ctx, action, arg)
	if err := f.store.UpdateFix(ctx, fixID, nil, &verified, nil); err != nil {
		f.log.Warn("failed to record fix verification", "fix_id", fixID, "error", err)
	}
	if !verified {
		return fmt.Errorf("apply fix %s (%s): action reported success but the post-action probe found the triggering condition still present", fixID, action)
	}
	return nil
}

// probe waits probeDelay for the action's effect to settle, then
// re-evaluates the specific condition that action is meant to resolve. It
// does not re-run the full pattern matcher — only the narrow check relevant
// to the action just applied.
func (f *Fixer) probe(ctx context.Context, action Action, arg string) bool {
	select {
	case <-time.After(f.probeDelay):
	case <-ctx.Done():
		return false
	}

	switch action {
	case ActionRestartProcess:
		if f.health == nil {
			return true
		}
		report, err := f.health.ReadHealth()
		if err != nil {
			f.log.Warn("probe: read health failed", "error", err)
			return false
		}
		return report.ContainerHealthy
	case ActionQuarantineTool:
		_, err := os.Stat(filepath.Join(f.toolsDir, arg))
		return os.IsNotExist(err)
	case ActionDisableFailingTask:
		tasks, err := f.loadTasks()
		if err != nil {
			f.log.Warn("probe: reload tasks config failed", "error", err)
			return false
		}
		for _, t := range tasks {
			if t.ID == arg {
				return t.Disabled
			}
		}
		return false
	case ActionRevertCommit:
		return f.revertLanded(ctx)
	default:
		return false
	}
}

// revertLanded checks that the most recent commit in workDir is the revert
// itself, rather than re-deriving the original hash (the fixer has already
// moved past it by the time the probe runs).
func (f *Fixer) revertLanded(ctx context.Context) bool {
	runCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", "log", "-1", "--format=%s")
	cmd.Dir = f.workDir
	out, err := cmd.Output()
	if err != nil {
		f.log.Warn("probe: read HEAD commit message failed", "error", err)
		return false
	}
	return strings.Contains(string(out), "Revert")
}

func (f *Fixer) alreadyApplied(ctx context.Context, fixID string) (bool, error) {
	recent, err := f.store.RecentFixes(ctx, 500)
	if err != nil {
		return false, fmt.Errorf("look up recent fixes: %w", err)
	}
	for _, r := range recent {
		if r.ID == fixID {
			return r.AppliedAt != nil, nil
		}
	}
	return false, nil
}

func (f *Fixer) dispatch(ctx context.Context, action Action, arg string) error {
	switch action {
	case ActionRestartProcess:
		return f.restartProcess(ctx)
	case ActionQuarantineTool:
		return f.quarantineTool(arg)
	case ActionDisableFailingTask:
		return f.disableFailingTask(arg)
	case ActionRevertCommit:
		return f.revertCommit(ctx, arg)
	default:
		return fmt.Errorf("unknown fix action %q", action)
	}
}

// restartProcess restarts the agent, refusing (and letting the caller
// escalate to an alert instead) once max restarts per rolling hour is hit.
func (f *Fixer) restartProcess(ctx context.Context) error {
	f.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-time.Hour)
	kept := f.restartAttempts[:0]
	for _, t := range f.restartAttempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.restartAttempts = kept
	if len(f.restartAttempts) >= f.maxRestartsHour {
		f.mu.Unlock()
		return fmt.Errorf("restart budget exhausted: %d restarts in the last hour (limit %d)", len(f.restartAttempts), f.maxRestartsHour)
	}
	f.restartAttempts = append(f.restartAttempts, now)
	f.mu.Unlock()

	if err := f.svc.Stop("agent"); err != nil {
		f.log.Warn("agent stop returned error during restart, continuing", "error", err)
	}
	if err := f.svc.Start("agent"); err != nil {
		return fmt.Errorf("restart agent: %w", err)
	}
	return nil
}

// quarantineTool moves a tool's definition file out of the active tool
// directory into the quarantine directory, preserving it for inspection.
func (f *Fixer) quarantineTool(name string) error {
	if err := validate.ToolName(name); err != nil {
		return fmt.Errorf("%w: quarantine tool: %s", ferrors.ErrActionArgumentInvalid, err)
	}

	src := filepath.Join(f.toolsDir, name)
	if err := os.MkdirAll(f.paths.QuarantineDir(), 0o750); err != nil {
		return fmt.Errorf("create quarantine directory: %w", err)
	}
	dst := filepath.Join(f.paths.QuarantineDir(), name)

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("quarantine tool %s: %w", name, err)
	}
	return nil
}

// disableFailingTask marks a scheduled task disabled in the task config
// file via an atomic write-then-rename.
func (f *Fixer) disableFailingTask(taskID string) error {
	tasks, err := f.loadTasks()
	if err != nil {
		return err
	}

	found := false
	for i := range tasks {
		if tasks[i].ID == taskID {
			tasks[i].Disabled = true
			found = true
			break
		}
	}
	if !found {
		tasks = append(tasks, ScheduledTask{ID: taskID, Disabled: true})
	}

	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.tasksConfigPath), 0o750); err != nil {
		return fmt.Errorf("create tasks config dir: %w", err)
	}

	tmp := f.tasksConfigPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write tasks config: %w", err)
	}
	return os.Rename(tmp, f.tasksConfigPath)
}

func (f *Fixer) loadTasks() ([]ScheduledTask, error) {
	data, err := os.ReadFile(f.tasksConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks config: %w", err)
	}
	var tasks []ScheduledTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse tasks config: %w", err)
	}
	return tasks, nil
}

// revertCommit reverts hash as a new commit in workDir, never rewriting
// history.
func (f *Fixer) revertCommit(ctx context.Context, hash string) error {
	if err := validate.CommitHash(hash); err != nil {
		return fmt.Errorf("%w: revert commit: %s", ferrors.ErrActionArgumentInvalid, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", "revert", "--no-edit", hash)
	cmd.Dir = f.workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git revert %s: %w (%s)", hash, err, string(out))
	}
	return nil
}
