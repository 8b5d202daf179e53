package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestPollLogsParsesJSONL(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		t.Fatal(err)
	}

	logFile := filepath.Join(logDir, "agent.log.2026-02-19.jsonl")
	content := `{"ts":"2026-02-19T14:30:00Z","level":"info","event":"tool_call","tool":"news_digest","duration_ms":1200,"success":true}
{"ts":"2026-02-19T14:30:05Z","level":"error","event":"tool_call","tool":"deploy_check","duration_ms":30000,"success":false,"error":"timeout"}
`
	if err := os.WriteFile(logFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	w := New(logDir, filepath.Join(dir, "health.json"))
	events, err := w.PollLogs()
	if err != nil {
		t.Fatalf("PollLogs: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Tool == nil || *events[0].Tool != "news_digest" {
		t.Errorf("events[0].Tool = %v, want news_digest", events[0].Tool)
	}
	if events[0].Success == nil || !*events[0].Success {
		t.Errorf("events[0].Success = %v, want true", events[0].Success)
	}
	if events[0].DurationMS == nil || *events[0].DurationMS != 1200 {
		t.Errorf("events[0].DurationMS = %v, want 1200", events[0].DurationMS)
	}
	if events[1].Tool == nil || *events[1].Tool != "deploy_check" {
		t.Errorf("events[1].Tool = %v, want deploy_check", events[1].Tool)
	}
	if events[1].Success == nil || *events[1].Success {
		t.Errorf("events[1].Success = %v, want false", events[1].Success)
	}
	if events[1].Error == nil || *events[1].Error != "timeout" {
		t.Errorf("events[1].Error = %v, want timeout", events[1].Error)
	}
}

func TestPollLogsSkipsUnparsableLines(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		t.Fatal(err)
	}

	logFile := filepath.Join(logDir, "test.jsonl")
	content := "this is not json\n" +
		`{"ts":"2026-01-01T00:00:00Z","level":"info"}` + "\n" +
		"another bad line\n"
	if err := os.WriteFile(logFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	w := New(logDir, filepath.Join(dir, "health.json"))
	events, err := w.PollLogs()
	if err != nil {
		t.Fatalf("PollLogs: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].TS == nil || *events[0].TS != "2026-01-01T00:00:00Z" {
		t.Errorf("events[0].TS = %v, want 2026-01-01T00:00:00Z", events[0].TS)
	}
}

func TestPollLogsIncrementalReads(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		t.Fatal(err)
	}
	logFile := filepath.Join(logDir, "test.jsonl")

	if err := os.WriteFile(logFile, []byte(`{"ts":"2026-01-01T00:00:00Z","level":"info","event":"first"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := New(logDir, filepath.Join(dir, "health.json"))
	events1, err := w.PollLogs()
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if len(events1) != 1 || events1[0].Event == nil || *events1[0].Event != "first" {
		t.Fatalf("poll 1 events = %+v", events1)
	}

	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"ts":"2026-01-01T01:00:00Z","level":"info","event":"second"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	events2, err := w.PollLogs()
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if len(events2) != 1 || events2[0].Event == nil || *events2[0].Event != "second" {
		t.Fatalf("poll 2 events = %+v", events2)
	}
}

func TestPollLogsEmptyDirReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		t.Fatal(err)
	}

	w := New(logDir, filepath.Join(dir, "health.json"))
	events, err := w.PollLogs()
	if err != nil {
		t.Fatalf("PollLogs: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestPollLogsNonexistentDirReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "does_not_exist")

	w := New(logDir, filepath.Join(dir, "health.json"))
	events, err := w.PollLogs()
	if err != nil {
		t.Fatalf("PollLogs: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestReadHealthParsesJSON(t *testing.T) {
	dir := t.TempDir()
	healthPath := filepath.Join(dir, "health.json")
	healthJSON := `{
		"status": "running",
		"uptime_secs": 86400,
		"last_heartbeat": "2026-02-19T14:30:00Z",
		"executor": "docker",
		"container_healthy": true,
		"active_sessions": 1,
		"memory_db_size_mb": 12.0,
		"scripts_count": 23,
		"dynamic_tools_count": 23,
		"budget_today": { "used": 120000, "limit": 5000000 },
		"last_error": null
	}`
	if err := os.WriteFile(healthPath, []byte(healthJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	w := New(filepath.Join(dir, "logs"), healthPath)
	report, err := w.ReadHealth()
	if err != nil {
		t.Fatalf("ReadHealth: %v", err)
	}
	if report.Status != "running" {
		t.Errorf("Status = %q, want running", report.Status)
	}
	if report.UptimeSecs != 86400 {
		t.Errorf("UptimeSecs = %d, want 86400", report.UptimeSecs)
	}
	if !report.ContainerHealthy {
		t.Errorf("ContainerHealthy = false, want true")
	}
	if report.BudgetToday.Used != 120000 || report.BudgetToday.Limit != 5000000 {
		t.Errorf("BudgetToday = %+v, want used=120000 limit=5000000", report.BudgetToday)
	}
}

func writeHealthAt(t *testing.T, path string, heartbeat time.Time) {
	t.Helper()
	healthJSON := `{
		"status": "running",
		"uptime_secs": 100,
		"last_heartbeat": "` + heartbeat.Format(time.RFC3339) + `",
		"executor": "docker",
		"container_healthy": true,
		"active_sessions": 0,
		"memory_db_size_mb": 0.0,
		"scripts_count": 0,
		"dynamic_tools_count": 0,
		"budget_today": { "used": 0, "limit": 100000 },
		"last_error": null
	}`
	if err := os.WriteFile(path, []byte(healthJSON), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestIsHealthStaleWithOldTimestamp(t *testing.T) {
	dir := t.TempDir()
	healthPath := filepath.Join(dir, "health.json")
	writeHealthAt(t, healthPath, time.Now().UTC().Add(-600*time.Second))

	w := New(filepath.Join(dir, "logs"), healthPath)

	stale, err := w.IsHealthStale(180)
	if err != nil || !stale {
		t.Fatalf("expected stale at 180s threshold, got %v err=%v", stale, err)
	}

	stale, err = w.IsHealthStale(900)
	if err != nil || stale {
		t.Fatalf("expected not stale at 900s threshold, got %v err=%v", stale, err)
	}
}

func TestIsHealthStaleWithFreshTimestamp(t *testing.T) {
	dir := t.TempDir()
	healthPath := filepath.Join(dir, "health.json")
	writeHealthAt(t, healthPath, time.Now().UTC())

	w := New(filepath.Join(dir, "logs"), healthPath)
	stale, err := w.IsHealthStale(180)
	if err != nil || stale {
		t.Fatalf("expected fresh heartbeat not stale, got %v err=%v", stale, err)
	}
}
