// Package stats aggregates watched tool_call log events into hourly buckets
// and derives failure-rate and budget-burn signals the pattern matcher
// consumes.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flatlinehq/flatline/internal/store"
	"github.com/flatlinehq/flatline/internal/watcher"
)

// secondsPerDay is used by dayFractionElapsed's burn-rate denominator.
const secondsPerDay = 86400

// Engine aggregates LogEvents into the store and answers derived queries.
type Engine struct {
	store *store.Store
}

// New creates a stats Engine backed by the given store.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Ingest records every tool_call event in events into its hourly bucket.
// Events with no event type of "tool_call" or an empty tool name are
// skipped.
func (e *Engine) Ingest(ctx context.Context, events []watcher.LogEvent) error {
	type bucketKey struct {
		tool   string
		window time.Time
	}

	type sample struct {
		success bool
		ms      *int64
	}

	buckets := make(map[bucketKey][]sample)
	var order []bucketKey

	for _, event := range events {
		if event.Event == nil || *event.Event != "tool_call" {
			continue
		}
		if event.Tool == nil || *event.Tool == "" {
			continue
		}
		if event.TS == nil {
			continue
		}
		window, ok := truncateToHour(*event.TS)
		if !ok {
			continue
		}

		key := bucketKey{tool: *event.Tool, window: window}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		success := event.Success != nil && *event.Success
		buckets[key] = append(buckets[key], sample{success: success, ms: event.DurationMS})
	}

	for _, key := range order {
		for _, s := range buckets[key] {
			if err := e.store.RecordToolStat(ctx, key.tool, key.window, s.success, s.ms); err != nil {
				return fmt.Errorf("record stat for tool=%s bucket=%s: %w", key.tool, key.window, err)
			}
		}
	}

	return nil
}

// ToolFailureRate returns the fraction of failed calls for tool over the
// trailing windowHours, or 0.0 if no events were recorded in that window.
func (e *Engine) ToolFailureRate(ctx context.Context, tool string, windowHours int64) (float64, error) {
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	rows, err := e.store.ToolStats(ctx, tool, since)
	if err != nil {
		return 0, err
	}

	var totalSuccess, totalFailure int64
	for _, row := range rows {
		totalSuccess += row.SuccessCount
		totalFailure += row.FailureCount
	}

	total := totalSuccess + totalFailure
	if total == 0 {
		return 0.0, nil
	}
	return float64(totalFailure) / float64(total), nil
}

// ToolFailure pairs a tool name with its computed failure rate.
type ToolFailure struct {
	Tool string
	Rate float64
}

// FailingTools returns every tool whose failure rate over windowHours
// exceeds threshold, sorted by rate descending.
func (e *Engine) FailingTools(ctx context.Context, threshold float64, windowHours int64) ([]ToolFailure, error) {
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	names, err := e.store.DistinctToolNames(ctx, since)
	if err != nil {
		return nil, err
	}

	var failing []ToolFailure
	for _, name := range names {
		rate, err := e.ToolFailureRate(ctx, name, windowHours)
		if err != nil {
			return nil, err
		}
		if rate > threshold {
			failing = append(failing, ToolFailure{Tool: name, Rate: rate})
		}
	}

	sort.Slice(failing, func(i, j int) bool { return failing[i].Rate > failing[j].Rate })
	return failing, nil
}

// BudgetBurnRate compares the fraction of the daily token budget already
// used against the fraction of the UTC day elapsed. A result above 1.0
// means the budget is burning faster than a uniform daily pace. Returns
// 0.0 if the budget limit is zero.
func BudgetBurnRate(health watcher.HealthReport) float64 {
	used := health.BudgetToday.Used
	limit := health.BudgetToday.Limit

	if limit == 0 {
		return 0.0
	}

	budgetFraction := float64(used) / float64(limit)

	dayFraction := dayFractionElapsed()
	if dayFraction <= 0.0 {
		return budgetFraction
	}

	return budgetFraction / dayFraction
}

// dayFractionElapsed is the fraction of the current UTC day elapsed so far.
func dayFractionElapsed() float64 {
	now := time.Now().UTC()
	secondsIntoDay := now.Hour()*3600 + now.Minute()*60 + now.Second()
	if secondsIntoDay <= 0 {
		return 0.0
	}
	return float64(secondsIntoDay) / float64(secondsPerDay)
}

// truncateToHour zeroes the minute/second/nanosecond fields of an RFC 3339
// timestamp. Falls back to a string-prefix truncation if ts does not parse
// as RFC 3339, and to ts itself if even that is too short.
func truncateToHour(ts string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()), true
	}
	if len(ts) >= 13 {
		if t, err := time.Parse(time.RFC3339, ts[:13]+":00:00Z"); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
