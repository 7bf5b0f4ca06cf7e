package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/tracker"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestUpdateAccumulates(t *testing.T) {
	clock := newClock()
	l := NewLedger(10, WithClock(clock.Now))

	l.Update(1.5)
	clock.Advance(time.Hour)
	if got := l.Update(2.25); got != 3.75 {
		t.Errorf("expected 3.75, got %v", got)
	}
	if !l.UnderCap() {
		t.Error("expected under cap")
	}
}

func TestUpdateResetsAfterWindow(t *testing.T) {
	clock := newClock()
	l := NewLedger(10, WithClock(clock.Now))

	l.Update(7)
	clock.Advance(Window + time.Second)

	if got := l.Update(5); got != 5 {
		t.Errorf("fresh delta must survive the reset: expected 5, got %v", got)
	}
	st := l.Status()
	if !st.WindowStart.Equal(clock.Now()) {
		t.Errorf("expected window to restart at %v, got %v", clock.Now(), st.WindowStart)
	}
}

func TestUpdateAtExactBoundaryDoesNotReset(t *testing.T) {
	clock := newClock()
	l := NewLedger(10, WithClock(clock.Now))

	l.Update(3)
	clock.Advance(Window)
	if got := l.Update(1); got != 4 {
		t.Errorf("reset requires strictly more than 24h: expected 4, got %v", got)
	}
}

func TestSpentRollsOverWithoutUpdate(t *testing.T) {
	clock := newClock()
	l := NewLedger(10, WithClock(clock.Now))

	l.Update(12)
	if l.UnderCap() {
		t.Fatal("expected over cap")
	}
	clock.Advance(Window + time.Minute)
	if !l.UnderCap() {
		t.Error("expected an expired window to stop blocking")
	}
	if l.Spent() != 0 {
		t.Errorf("expected 0, got %v", l.Spent())
	}
}

func TestNegativeDeltaIgnored(t *testing.T) {
	l := NewLedger(10)
	l.Update(2)
	if got := l.Update(-5); got != 2 {
		t.Errorf("expected 2, got %v", got)
	}
}

func TestStatus(t *testing.T) {
	clock := newClock()
	l := NewLedger(10, WithClock(clock.Now))
	l.Update(12.5)

	st := l.Status()
	if st.Spent != 12.5 || st.Cap != 10 || st.Remaining != 0 {
		t.Errorf("unexpected status: %+v", st)
	}
	if !st.ResetsAt.Equal(clock.Now().Add(Window)) {
		t.Errorf("unexpected reset time %v", st.ResetsAt)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	l := NewLedger(1000)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Update(0.01)
		}()
	}
	wg.Wait()
	if got := l.Spent(); got != 1 {
		t.Errorf("expected exactly 1, got %v", got)
	}
}

func TestRestore(t *testing.T) {
	tr, err := tracker.New(filepath.Join(t.TempDir(), "budget_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	ctx := context.Background()

	now := time.Now().UTC()
	first := now.Add(-3 * time.Hour)
	records := []models.UsageRecord{
		{RequestID: "old", Provider: models.ProviderRemote, Model: "m", Cost: 100, CreatedAt: now.Add(-30 * time.Hour)},
		{RequestID: "a", Provider: models.ProviderRemote, Model: "m", Cost: 1.25, CreatedAt: first},
		{RequestID: "b", Provider: models.ProviderRemote, Model: "m", Cost: 0.75, CreatedAt: now.Add(-time.Hour)},
		{RequestID: "c", Provider: models.ProviderLocal, Model: "l", Cost: 0, CreatedAt: now},
	}
	for _, r := range records {
		if err := tr.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	l := NewLedger(10)
	if err := l.Restore(ctx, tr); err != nil {
		t.Fatal(err)
	}
	st := l.Status()
	if st.Spent != 2 {
		t.Errorf("expected restored spend 2, got %v", st.Spent)
	}
	if !st.WindowStart.Equal(first) {
		t.Errorf("expected window start %v, got %v", first, st.WindowStart)
	}
}
