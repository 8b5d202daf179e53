// Package watcher polls the agent's JSONL event logs and health.json file on
// the local filesystem. Reads are synchronous, since both are small local
// files and polling happens on a multi-second cadence.
package watcher

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flatlinehq/flatline/internal/ferrors"
)

// maxLineLen bounds a single JSONL line; anything longer is skipped rather
// than buffered in full, guarding against a runaway or corrupt log line.
const maxLineLen = 1_048_576

// LogEvent is one parsed line from the agent's structured JSONL logs. Fields
// are optional since different event kinds populate different subsets.
type LogEvent struct {
	TS         *string `json:"ts,omitempty"`
	Level      *string `json:"level,omitempty"`
	Event      *string `json:"event,omitempty"`
	Tool       *string `json:"tool,omitempty"`
	DurationMS *int64  `json:"duration_ms,omitempty"`
	Success    *bool   `json:"success,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// Budget is the agent's reported token budget usage for the current day.
type Budget struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// HealthReport mirrors the agent's health.json heartbeat document.
type HealthReport struct {
	Status            string   `json:"status"`
	UptimeSecs        int64    `json:"uptime_secs"`
	LastHeartbeat     string   `json:"last_heartbeat"`
	Executor          string   `json:"executor"`
	ContainerHealthy  bool     `json:"container_healthy"`
	ActiveSessions    int64    `json:"active_sessions"`
	MemoryDBSizeMB    float64  `json:"memory_db_size_mb"`
	ScriptsCount      int64    `json:"scripts_count"`
	DynamicToolsCount int64    `json:"dynamic_tools_count"`
	BudgetToday       Budget   `json:"budget_today"`
	LastError         *string `json:"last_error"`
}

// Watcher tracks a cursor into the agent's rotating JSONL log directory and
// reads its health.json file on demand.
type Watcher struct {
	logDir      string
	healthPath  string
	lastOffset  int64
	lastLogFile string
}

// New creates a Watcher over the given log directory and health file path.
func New(logDir, healthPath string) *Watcher {
	return &Watcher{logDir: logDir, healthPath: healthPath}
}

// PollLogs returns events written since the last call. It finds the most
// recently modified *.jsonl file in the log directory, seeks to the last
// known byte offset, and parses new lines. Lines that fail to parse as JSON
// are silently skipped. A missing log directory yields no events, not an
// error.
func (w *Watcher) PollLogs() ([]LogEvent, error) {
	latest, err := findLatestJSONL(w.logDir)
	if err != nil {
		return nil, err
	}
	if latest == "" {
		return nil, nil
	}

	if w.lastLogFile != latest {
		w.lastOffset = 0
		w.lastLogFile = latest
	}

	f, err := os.Open(latest)
	if err != nil {
		return nil, fmt.Errorf("%w: open log file %s: %s", ferrors.ErrLogReadFailure, latest, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat log file %s: %s", ferrors.ErrLogReadFailure, latest, err)
	}
	fileLen := info.Size()

	if fileLen < w.lastOffset {
		w.lastOffset = 0
	}
	if fileLen == w.lastOffset {
		return nil, nil
	}

	if _, err := f.Seek(w.lastOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek in log file %s: %s", ferrors.ErrLogReadFailure, latest, err)
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	var events []LogEvent
	offset := w.lastOffset

	for {
		line, err := reader.ReadString('\n')
		offset += int64(len(line))
		if len(line) > 0 {
			if len(line) <= maxLineLen {
				if trimmed := strings.TrimSpace(line); trimmed != "" {
					var event LogEvent
					if jsonErr := json.Unmarshal([]byte(trimmed), &event); jsonErr == nil {
						events = append(events, event)
					}
				}
			}
		}
		if err != nil {
			break
		}
	}

	w.lastOffset = offset
	return events, nil
}

// ReadHealth reads and parses the current health.json document.
func (w *Watcher) ReadHealth() (HealthReport, error) {
	data, err := os.ReadFile(w.healthPath)
	if err != nil {
		return HealthReport{}, fmt.Errorf("%w: read health file %s: %s", ferrors.ErrLogReadFailure, w.healthPath, err)
	}
	var report HealthReport
	if err := json.Unmarshal(data, &report); err != nil {
		return HealthReport{}, fmt.Errorf("%w: parse health file %s: %s", ferrors.ErrHealthParseFailure, w.healthPath, err)
	}
	return report, nil
}

// IsHealthStale reports whether the health file's last_heartbeat is older
// than thresholdSecs. Clock skew that puts the heartbeat in the future is
// treated as fresh, not stale.
func (w *Watcher) IsHealthStale(thresholdSecs int64) (bool, error) {
	report, err := w.ReadHealth()
	if err != nil {
		return false, err
	}
	lastHeartbeat, err := time.Parse(time.RFC3339, report.LastHeartbeat)
	if err != nil {
		return false, fmt.Errorf("%w: parse last_heartbeat %q: %s", ferrors.ErrHealthParseFailure, report.LastHeartbeat, err)
	}

	elapsed := time.Since(lastHeartbeat)
	if elapsed < 0 {
		return false, nil
	}
	return int64(elapsed.Seconds()) > thresholdSecs, nil
}

// findLatestJSONL returns the most recently modified *.jsonl file in dir, or
// "" if dir does not exist or holds no matching file.
func findLatestJSONL(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read log directory %s: %w", dir, err)
	}

	var best string
	var bestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, entry.Name())
			bestMod = info.ModTime()
		}
	}
	return best, nil
}
