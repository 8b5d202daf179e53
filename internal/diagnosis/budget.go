package diagnosis

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DailyBudget gates and tracks token spend on a rolling UTC-day basis.
// Diagnosis checks before every LLM call and records actual usage after.
type DailyBudget interface {
	Check(ctx context.Context, estimatedTokens int) error
	Record(ctx context.Context, actualTokens int)
	Remaining() int
}

// InMemoryBudget is a process-local DailyBudget keyed by UTC calendar day;
// it resets silently the first time Check or Record observes a new day.
type InMemoryBudget struct {
	mu        sync.Mutex
	maxPerDay int
	day       string
	used      int
	now       func() time.Time
}

// NewInMemoryBudget builds a DailyBudget capped at maxPerDay tokens per UTC
// day.
func NewInMemoryBudget(maxPerDay int) *InMemoryBudget {
	return &InMemoryBudget{maxPerDay: maxPerDay, now: time.Now}
}

func (b *InMemoryBudget) rolloverLocked() {
	today := b.now().UTC().Format("2006-01-02")
	if today != b.day {
		b.day = today
		b.used = 0
	}
}

// Check returns an error if spending estimatedTokens would exceed the
// day's remaining budget.
func (b *InMemoryBudget) Check(_ context.Context, estimatedTokens int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	if b.used+estimatedTokens > b.maxPerDay {
		return fmt.Errorf("daily diagnosis budget exceeded: %d used, %d requested, %d limit", b.used, estimatedTokens, b.maxPerDay)
	}
	return nil
}

// Record adds actualTokens to today's running total.
func (b *InMemoryBudget) Record(_ context.Context, actualTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	b.used += actualTokens
}

// Remaining reports the token budget left for the current UTC day.
func (b *InMemoryBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	if remaining := b.maxPerDay - b.used; remaining > 0 {
		return remaining
	}
	return 0
}
