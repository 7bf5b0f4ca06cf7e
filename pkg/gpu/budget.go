// Package gpu holds the GPU memory budget shared by local model registries.
package gpu

import (
	"fmt"
	"math"
	"sync"

	"github.com/pario-ai/relay/pkg/models"
	"golang.org/x/sync/semaphore"
)

// Budget is a fixed amount of device memory. Fits is an advisory check;
// Reserve takes a real share of the budget until Release.
type Budget struct {
	totalGB    float64
	totalMB    int64
	sem        *semaphore.Weighted
	mu         sync.Mutex
	reservedMB int64
}

// NewBudget creates a Budget of totalGB gigabytes.
func NewBudget(totalGB float64) *Budget {
	mb := toMB(totalGB)
	return &Budget{
		totalGB: totalGB,
		totalMB: mb,
		sem:     semaphore.NewWeighted(mb),
	}
}

// TotalGB returns the size of the budget.
func (b *Budget) TotalGB() float64 { return b.totalGB }

// Fits reports whether a model needing gb gigabytes could run on this device
// at all, ignoring current reservations.
func (b *Budget) Fits(gb float64) bool {
	return gb <= b.totalGB
}

// Reserve claims gb gigabytes without blocking. It fails with
// ErrInsufficientVRAM when the free share is too small.
func (b *Budget) Reserve(gb float64) error {
	mb := toMB(gb)
	if mb == 0 {
		return nil
	}
	if !b.sem.TryAcquire(mb) {
		b.mu.Lock()
		free := b.totalMB - b.reservedMB
		b.mu.Unlock()
		return fmt.Errorf("%w: need %.1f GB, %.1f GB free of %.1f GB",
			models.ErrInsufficientVRAM, gb, float64(free)/1024, b.totalGB)
	}
	b.mu.Lock()
	b.reservedMB += mb
	b.mu.Unlock()
	return nil
}

// Release returns a reservation made with Reserve.
func (b *Budget) Release(gb float64) {
	mb := toMB(gb)
	if mb == 0 {
		return
	}
	b.mu.Lock()
	b.reservedMB -= mb
	b.mu.Unlock()
	b.sem.Release(mb)
}

// ReservedGB returns the amount currently reserved.
func (b *Budget) ReservedGB() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.reservedMB) / 1024
}

func toMB(gb float64) int64 {
	if gb <= 0 {
		return 0
	}
	return int64(math.Ceil(gb * 1024))
}
