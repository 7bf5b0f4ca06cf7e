// Package budget tracks remote spend over a rolling 24-hour window.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/tracker"
	"github.com/shopspring/decimal"
)

// Window is how long spend accumulates before it resets.
const Window = 24 * time.Hour

// Ledger accumulates spend against a daily cap. All methods are safe for
// concurrent use.
type Ledger struct {
	mu          sync.Mutex
	spent       decimal.Decimal
	windowStart time.Time
	cap         decimal.Decimal
	now         func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger with the given daily cap. The window starts now.
func NewLedger(dailyCap float64, opts ...Option) *Ledger {
	l := &Ledger{
		cap: decimal.NewFromFloat(dailyCap),
		now: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.windowStart = l.now()
	return l
}

// Update adds delta to the window's spend, first resetting the window when
// it is older than 24h. It returns the new total. Negative deltas are ignored.
func (l *Ledger) Update(delta float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked()
	if delta > 0 {
		l.spent = l.spent.Add(decimal.NewFromFloat(delta))
	}
	return l.spent.InexactFloat64()
}

// Spent returns the spend of the current window.
func (l *Ledger) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked()
	return l.spent.InexactFloat64()
}

// UnderCap reports whether the current window's spend is below the cap.
func (l *Ledger) UnderCap() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked()
	return l.spent.LessThan(l.cap)
}

// Status returns a snapshot of the ledger.
func (l *Ledger) Status() models.BudgetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked()
	remaining := l.cap.Sub(l.spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return models.BudgetStatus{
		Spent:       l.spent.InexactFloat64(),
		Cap:         l.cap.InexactFloat64(),
		Remaining:   remaining.InexactFloat64(),
		WindowStart: l.windowStart,
		ResetsAt:    l.windowStart.Add(Window),
	}
}

// Seed replaces the ledger state, used to carry spend across restarts.
func (l *Ledger) Seed(amount float64, windowStart time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.spent = decimal.NewFromFloat(amount)
	l.windowStart = windowStart
}

// Restore seeds the ledger from remote usage recorded during the last 24h.
func (l *Ledger) Restore(ctx context.Context, t tracker.Tracker) error {
	total, first, err := t.SpendSince(ctx, models.ProviderRemote, l.now().Add(-Window))
	if err != nil {
		return fmt.Errorf("restore budget: %w", err)
	}
	if first.IsZero() {
		return nil
	}
	l.Seed(total, first)
	return nil
}

// rollLocked resets the window when it has expired. Callers hold l.mu.
func (l *Ledger) rollLocked() {
	now := l.now()
	if now.Sub(l.windowStart) > Window {
		l.spent = decimal.Zero
		l.windowStart = now
	}
}
