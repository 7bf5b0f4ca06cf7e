package gpu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/pario-ai/relay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetFits(t *testing.T) {
	b := NewBudget(24)
	assert.True(t, b.Fits(24))
	assert.True(t, b.Fits(0))
	assert.False(t, b.Fits(24.5))
}

func TestBudgetReserve(t *testing.T) {
	b := NewBudget(24)

	require.NoError(t, b.Reserve(16))
	assert.InDelta(t, 16, b.ReservedGB(), 0.01)

	err := b.Reserve(10)
	require.ErrorIs(t, err, models.ErrInsufficientVRAM)
	assert.InDelta(t, 16, b.ReservedGB(), 0.01, "failed reserve must not change state")

	require.NoError(t, b.Reserve(8))
	b.Release(16)
	assert.InDelta(t, 8, b.ReservedGB(), 0.01)

	require.NoError(t, b.Reserve(10))
}

func TestBudgetReserveLargerThanTotal(t *testing.T) {
	b := NewBudget(8)
	assert.ErrorIs(t, b.Reserve(9), models.ErrInsufficientVRAM)
}

func TestBudgetZeroRequirement(t *testing.T) {
	b := NewBudget(0)
	require.NoError(t, b.Reserve(0))
	b.Release(0)
	assert.Zero(t, b.ReservedGB())
}

func TestParseMemory(t *testing.T) {
	gb, err := parseMemory([]byte("81920\n40960\n"))
	require.NoError(t, err)
	assert.InDelta(t, 80, gb, 0.001)

	_, err = parseMemory([]byte(""))
	assert.Error(t, err)

	_, err = parseMemory([]byte("N/A"))
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orig := queryFunc
	t.Cleanup(func() { queryFunc = orig })

	queryFunc = func(context.Context) ([]byte, error) { return nil, errors.New("not found") }
	assert.Equal(t, float64(FallbackGB), Resolve(context.Background(), 0, logger))
	assert.Equal(t, 40.0, Resolve(context.Background(), 40, logger))

	queryFunc = func(context.Context) ([]byte, error) { return []byte("24576"), nil }
	assert.InDelta(t, 24, Resolve(context.Background(), 0, logger), 0.001)
}
