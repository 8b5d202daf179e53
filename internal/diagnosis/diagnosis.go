// Package diagnosis provides the LLM-based fallback path for problems the
// pattern matcher's fixed rule set does not recognize. Rules run first;
// diagnosis only runs when anomalies exist but no rule fired.
package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flatlinehq/flatline/internal/ferrors"
	"github.com/flatlinehq/flatline/internal/patterns"
	"github.com/flatlinehq/flatline/internal/redact"
	"github.com/flatlinehq/flatline/internal/stats"
	"github.com/flatlinehq/flatline/internal/watcher"
)

const (
	estimatedDiagnosisTokens = 1000
	maxLogEvents             = 50
	maxEvidenceChars         = 8000
)

const systemPrompt = `You are a system diagnostician. Analyze these events and identify the likely root cause.

Respond with a JSON object:
{
  "root_cause": "one sentence",
  "confidence": "high" | "medium" | "low",
  "recommended_action": "revert_commit" | "quarantine_tool" | "restart_process" | "reset_sandbox" | "report_only",
  "details": "what specifically to do"
}

Output ONLY the JSON object, no other text.`

// Confidence is how sure the model is about its own diagnosis.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Diagnosis is the structured output the diagnostician extracts from the
// model's response.
type Diagnosis struct {
	RootCause         string     `json:"root_cause"`
	Confidence        Confidence `json:"confidence"`
	RecommendedAction string     `json:"recommended_action"`
	Details           string     `json:"details"`
}

func (d Diagnosis) valid() bool {
	if d.RootCause == "" || d.Details == "" || d.RecommendedAction == "" {
		return false
	}
	switch d.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	default:
		return false
	}
}

// Engine runs the LLM diagnosis fallback against a single resolved
// provider, gated by a daily token budget and redacting every response
// before it is parsed or logged.
type Engine struct {
	provider Provider
	redactor *redact.Redactor
	budget   DailyBudget
	log      *slog.Logger
}

// New builds a diagnosis Engine.
func New(provider Provider, redactor *redact.Redactor, budget DailyBudget, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{provider: provider, redactor: redactor, budget: budget, log: log}
}

// Input bundles everything the diagnostician has available about the
// current episode.
type Input struct {
	LogEvents []watcher.LogEvent
	Health    *watcher.HealthReport
	RecentLog []patterns.Commit
	ToolStats []stats.ToolFailure
}

// Diagnose asks the LLM for a root-cause analysis. It returns (nil, nil)
// when the budget is unavailable, the response can't be parsed, or the
// model's own confidence is low — in every one of those cases the caller
// should fall back to reporting rather than acting.
func (e *Engine) Diagnose(ctx context.Context, in Input) (*Diagnosis, error) {
	if err := e.budget.Check(ctx, estimatedDiagnosisTokens); err != nil {
		return nil, fmt.Errorf("%w: %s", ferrors.ErrBudgetExceeded, err)
	}

	evidence := buildEvidence(in)

	e.log.Debug("diagnosis starting", "provider", e.provider.Name())

	resp, err := e.provider.Chat(ctx, ChatRequest{
		System:    systemPrompt,
		Messages:  []ChatMessage{{Role: "user", Content: evidence}},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ferrors.ErrProviderUnavailable, e.provider.Name(), err)
	}

	e.budget.Record(ctx, resp.TokensInput+resp.TokensOutput)

	if resp.Content == "" {
		e.log.Debug("diagnosis received empty response")
		return nil, nil
	}

	redacted := e.redactor.Redact(resp.Content)

	d, ok := ParseDiagnosis(redacted)
	if !ok {
		e.log.Debug("diagnosis could not parse response", "error", ferrors.ErrDiagnosisParseFailure)
		return nil, nil
	}

	if d.Confidence == ConfidenceLow {
		e.log.Debug("low-confidence diagnosis, skipping action", "root_cause", d.RootCause)
		return nil, nil
	}

	return &d, nil
}

// ParseDiagnosis extracts a Diagnosis JSON object embedded anywhere in
// text, tolerating surrounding prose the model added despite instructions.
func ParseDiagnosis(text string) (Diagnosis, bool) {
	trimmed := strings.TrimSpace(text)

	jsonText := trimmed
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			jsonText = trimmed[start : end+1]
		}
	}

	var d Diagnosis
	if err := json.Unmarshal([]byte(jsonText), &d); err != nil {
		return Diagnosis{}, false
	}
	if !d.valid() {
		return Diagnosis{}, false
	}
	return d, true
}

func buildEvidence(in Input) string {
	var b strings.Builder
	b.Grow(maxEvidenceChars)

	b.WriteString("## Recent Events\n")
	events := in.LogEvents
	if len(events) > maxLogEvents {
		events = events[len(events)-maxLogEvents:]
	}
	for _, ev := range events {
		level := derefOr(ev.Level, "?")
		ts := derefOr(ev.TS, "?")
		name := derefOr(ev.Event, "?")
		tool := derefOr(ev.Tool, "-")
		errSuffix := ""
		if ev.Error != nil {
			errSuffix = " error=" + *ev.Error
		}
		fmt.Fprintf(&b, "[%s] %s %s tool=%s%s\n", ts, level, name, tool, errSuffix)
		if b.Len() > maxEvidenceChars {
			b.WriteString("...[truncated]\n")
			break
		}
	}

	b.WriteString("\n## Recent Changes\n")
	for i, c := range in.RecentLog {
		if i >= 10 {
			break
		}
		short := c.Hash
		if len(short) > 7 {
			short = short[:7]
		}
		fmt.Fprintf(&b, "%s %s %s\n", short, c.Timestamp.Format("2006-01-02T15:04:05Z"), strings.Join(c.FilesChanged, ","))
	}

	b.WriteString("\n## Current Health\n")
	if in.Health != nil {
		h := in.Health
		fmt.Fprintf(&b, "status: %s\n", h.Status)
		fmt.Fprintf(&b, "uptime: %ds\n", h.UptimeSecs)
		fmt.Fprintf(&b, "container_healthy: %t\n", h.ContainerHealthy)
		fmt.Fprintf(&b, "budget: %d/%d\n", h.BudgetToday.Used, h.BudgetToday.Limit)
		if h.LastError != nil {
			fmt.Fprintf(&b, "last_error: %s\n", *h.LastError)
		}
	} else {
		b.WriteString("health.json not available\n")
	}

	b.WriteString("\n## Tool Stats\n")
	if len(in.ToolStats) == 0 {
		b.WriteString("no tool failure data\n")
	} else {
		for _, ts := range in.ToolStats {
			fmt.Fprintf(&b, "%s: %.0f%% failure rate\n", ts.Tool, ts.Rate*100)
		}
	}

	out := b.String()
	if len(out) > maxEvidenceChars {
		out = out[:maxEvidenceChars] + "\n...[truncated]"
	}
	return out
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
