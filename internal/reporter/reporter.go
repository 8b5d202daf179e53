// Package reporter sends alert, proposal, applied-fix, and daily-digest
// notifications to the operator over the Telegram Bot API, matching the
// cooldown and message shapes the supervisor has always used.
package reporter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flatlinehq/flatline/internal/ferrors"
	"github.com/flatlinehq/flatline/internal/patterns"
	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/watcher"
)

const telegramAPIURL = "https://api.telegram.org/bot"

// HTTPClient is the interface Reporter needs from an HTTP client, narrow
// enough to fake in tests without standing up a real server.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type defaultHTTPClient struct {
	client *http.Client
}

func (d *defaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req)
}

// Reporter sends operator-facing notifications over Telegram, gating
// repeat alerts for the same pattern behind a cooldown window.
type Reporter struct {
	botToken    string
	notifyUsers []int64
	prefix      string
	cooldown    time.Duration
	client      HTTPClient

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// New builds a Reporter using the default 70-second-timeout HTTP client.
func New(botToken string, notifyUsers []int64, prefix string, cooldown time.Duration) *Reporter {
	return NewWithClient(botToken, notifyUsers, prefix, cooldown, &defaultHTTPClient{
		client: &http.Client{Timeout: 70 * time.Second},
	})
}

// NewWithClient builds a Reporter with a caller-supplied HTTPClient, for
// testing without a real network call.
func NewWithClient(botToken string, notifyUsers []int64, prefix string, cooldown time.Duration, client HTTPClient) *Reporter {
	return &Reporter{
		botToken:    botToken,
		notifyUsers: notifyUsers,
		prefix:      prefix,
		cooldown:    cooldown,
		client:      client,
		cooldowns:   make(map[string]time.Time),
	}
}

// SendAlert notifies about a detected pattern match, unless this pattern
// kind is currently in cooldown.
func (r *Reporter) SendAlert(ctx context.Context, match patterns.Match) error {
	key := string(match.Kind)
	if r.inCooldown(key) {
		return nil
	}

	text := fmt.Sprintf("<b>%s — Alert</b>\n\n%s", htmlEscape(r.prefix), htmlEscape(match.Evidence.Summary))

	if err := r.sendToAll(ctx, text); err != nil {
		return err
	}
	r.recordCooldown(key)
	return nil
}

// SendProposal notifies about a fix awaiting approval.
func (r *Reporter) SendProposal(ctx context.Context, fix store.FixRecord) error {
	diagnosis := derefOr(fix.Diagnosis, "unknown issue")
	action := derefOr(fix.Action, "unknown action")

	text := fmt.Sprintf(
		"<b>%s — Proposal</b>\n\n%s\n\nProposed action: <code>%s</code>",
		htmlEscape(r.prefix), htmlEscape(diagnosis), htmlEscape(action),
	)
	return r.sendToAll(ctx, text)
}

// SendFixApplied notifies that a fix has been applied, including its
// verification status.
func (r *Reporter) SendFixApplied(ctx context.Context, fix store.FixRecord) error {
	diagnosis := derefOr(fix.Diagnosis, "unknown issue")
	action := derefOr(fix.Action, "unknown action")

	status := "pending verification"
	if fix.Verified != nil {
		if *fix.Verified {
			status = "verified"
		} else {
			status = "verification failed"
		}
	}

	text := fmt.Sprintf(
		"<b>%s — Fix Applied</b>\n\n%s\n\nAction: <code>%s</code>\nStatus: %s",
		htmlEscape(r.prefix), htmlEscape(diagnosis), htmlEscape(action), htmlEscape(status),
	)
	return r.sendToAll(ctx, text)
}

// SendDailyHealth sends the daily operator digest.
func (r *Reporter) SendDailyHealth(ctx context.Context, health watcher.HealthReport, toolIssues []ToolIssue) error {
	statusIcon := "✅"
	if health.Status != "running" {
		statusIcon = "⚠️"
	}
	containerIcon := "✅"
	containerWord := "healthy"
	if !health.ContainerHealthy {
		containerIcon = "❌"
		containerWord = "unhealthy"
	}

	budgetPct := 0.0
	if health.BudgetToday.Limit > 0 {
		budgetPct = float64(health.BudgetToday.Used) / float64(health.BudgetToday.Limit) * 100
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s — Daily Health Report</b>\n\n", htmlEscape(r.prefix))
	fmt.Fprintf(&b, "%s Agent: %s (uptime %s)\n", statusIcon, htmlEscape(health.Status), formatUptime(health.UptimeSecs))
	fmt.Fprintf(&b, "%s Container: %s\n", containerIcon, containerWord)
	fmt.Fprintf(&b, "✅ Budget: %.0f%% used today", budgetPct)

	for _, issue := range toolIssues {
		fmt.Fprintf(&b, "\n⚠️ %s: %.0f%% failure rate", htmlEscape(issue.Tool), issue.Rate*100)
	}

	fmt.Fprintf(&b, "\n✅ %d tools active", health.DynamicToolsCount)

	return r.sendToAll(ctx, b.String())
}

// ToolIssue is the (tool, failure rate) pair the daily digest lists.
type ToolIssue struct {
	Tool string
	Rate float64
}

func (r *Reporter) inCooldown(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.cooldowns[key]
	if !ok {
		return false
	}
	return time.Since(last) < r.cooldown
}

func (r *Reporter) recordCooldown(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[key] = time.Now()
}

func (r *Reporter) sendToAll(ctx context.Context, text string) error {
	if len(r.notifyUsers) == 0 {
		return nil
	}

	var anySent bool
	var lastErr error
	for _, userID := range r.notifyUsers {
		if err := r.sendOne(ctx, userID, text); err != nil {
			lastErr = err
			continue
		}
		anySent = true
	}
	if !anySent {
		return fmt.Errorf("failed to send Telegram message to any configured user: %w", lastErr)
	}
	return nil
}

func (r *Reporter) sendOne(ctx context.Context, userID int64, text string) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(userID, 10))
	params.Set("text", text)
	params.Set("parse_mode", "HTML")

	apiURL := fmt.Sprintf("%s%s/sendMessage", telegramAPIURL, r.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.URL.RawQuery = params.Encode()

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send message: %s", ferrors.ErrSinkDeliveryFailure, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: telegram api status %d", ferrors.ErrSinkDeliveryFailure, resp.StatusCode)
	}
	return nil
}

func formatUptime(secs int64) string {
	days := secs / 86400
	hours := (secs % 86400) / 3600
	minutes := (secs % 3600) / 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

func htmlEscape(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
