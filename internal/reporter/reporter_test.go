package reporter

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/flatlinehq/flatline/internal/patterns"
	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/watcher"
)

type mockClient struct {
	calls  int
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockClient) Do(req *http.Request) (*http.Response, error) {
	m.calls++
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}, nil
}

func TestSendAlertRespectsCooldown(t *testing.T) {
	mc := &mockClient{}
	r := NewWithClient("tok", []int64{1}, "Flatline", time.Minute, mc)

	match := patterns.Match{Kind: patterns.HealthStale, Evidence: patterns.Evidence{Summary: "health.json is stale"}}

	if err := r.SendAlert(context.Background(), match); err != nil {
		t.Fatalf("first SendAlert: %v", err)
	}
	if err := r.SendAlert(context.Background(), match); err != nil {
		t.Fatalf("second SendAlert: %v", err)
	}
	if mc.calls != 1 {
		t.Errorf("calls = %d, want 1 (second alert should be suppressed by cooldown)", mc.calls)
	}
}

func TestSendAlertSendsAfterCooldownExpires(t *testing.T) {
	mc := &mockClient{}
	r := NewWithClient("tok", []int64{1}, "Flatline", time.Millisecond, mc)
	match := patterns.Match{Kind: patterns.DiskPressure, Evidence: patterns.Evidence{Summary: "disk low"}}

	if err := r.SendAlert(context.Background(), match); err != nil {
		t.Fatalf("first SendAlert: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := r.SendAlert(context.Background(), match); err != nil {
		t.Fatalf("second SendAlert: %v", err)
	}
	if mc.calls != 2 {
		t.Errorf("calls = %d, want 2 after cooldown expired", mc.calls)
	}
}

func TestSendAlertNoRecipientsIsNoop(t *testing.T) {
	mc := &mockClient{}
	r := NewWithClient("tok", nil, "Flatline", time.Minute, mc)
	match := patterns.Match{Kind: patterns.ToolSprawl, Evidence: patterns.Evidence{Summary: "too many tools"}}

	if err := r.SendAlert(context.Background(), match); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	if mc.calls != 0 {
		t.Errorf("calls = %d, want 0 with no configured recipients", mc.calls)
	}
}

func TestSendAlertFailsWhenEveryRecipientFails(t *testing.T) {
	mc := &mockClient{doFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(strings.NewReader("err"))}, nil
	}}
	r := NewWithClient("tok", []int64{1, 2}, "Flatline", time.Minute, mc)
	match := patterns.Match{Kind: patterns.RepeatedCrash, Evidence: patterns.Evidence{Summary: "crashing"}}

	if err := r.SendAlert(context.Background(), match); err == nil {
		t.Error("expected error when every recipient send fails")
	}
}

func TestSendProposalIncludesDiagnosisAndAction(t *testing.T) {
	var captured string
	mc := &mockClient{doFunc: func(req *http.Request) (*http.Response, error) {
		captured = req.URL.Query().Get("text")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}, nil
	}}
	r := NewWithClient("tok", []int64{1}, "Flatline", time.Minute, mc)

	diagnosis := "deploy_check keeps failing"
	action := "quarantine_tool"
	fix := store.FixRecord{ID: "fix-1", Diagnosis: &diagnosis, Action: &action}

	if err := r.SendProposal(context.Background(), fix); err != nil {
		t.Fatalf("SendProposal: %v", err)
	}
	if !strings.Contains(captured, "Proposal") || !strings.Contains(captured, "quarantine_tool") {
		t.Errorf("query = %q, missing expected content", captured)
	}
}

func TestSendFixAppliedReportsVerificationStatus(t *testing.T) {
	var captured string
	mc := &mockClient{doFunc: func(req *http.Request) (*http.Response, error) {
		captured = req.URL.Query().Get("text")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}, nil
	}}
	r := NewWithClient("tok", []int64{1}, "Flatline", time.Minute, mc)

	verified := true
	fix := store.FixRecord{ID: "fix-2", Verified: &verified}

	if err := r.SendFixApplied(context.Background(), fix); err != nil {
		t.Fatalf("SendFixApplied: %v", err)
	}
	if !strings.Contains(captured, "verified") {
		t.Errorf("query = %q, expected verified status", captured)
	}
}

func TestSendDailyHealthReportsToolIssues(t *testing.T) {
	var captured string
	mc := &mockClient{doFunc: func(req *http.Request) (*http.Response, error) {
		captured = req.URL.Query().Get("text")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}, nil
	}}
	r := NewWithClient("tok", []int64{1}, "Flatline", time.Minute, mc)

	health := watcher.HealthReport{
		Status:            "running",
		UptimeSecs:        90000,
		ContainerHealthy:  true,
		DynamicToolsCount: 12,
		BudgetToday:       watcher.Budget{Used: 500, Limit: 1000},
	}

	err := r.SendDailyHealth(context.Background(), health, []ToolIssue{{Tool: "deploy_check", Rate: 0.6}})
	if err != nil {
		t.Fatalf("SendDailyHealth: %v", err)
	}
	if !strings.Contains(captured, "deploy_check") || !strings.Contains(captured, "50%") {
		t.Errorf("query = %q, missing expected digest content", captured)
	}
}

func TestHTMLEscape(t *testing.T) {
	got := htmlEscape("a & b <c> d")
	want := "a &amp; b &lt;c&gt; d"
	if got != want {
		t.Errorf("htmlEscape = %q, want %q", got, want)
	}
}

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		secs int64
		want string
	}{
		{30, "0m"},
		{90, "1m"},
		{3700, "1h 1m"},
		{90000, "1d 1h"},
	}
	for _, c := range cases {
		if got := formatUptime(c.secs); got != c.want {
			t.Errorf("formatUptime(%d) = %q, want %q", c.secs, got, c.want)
		}
	}
}
