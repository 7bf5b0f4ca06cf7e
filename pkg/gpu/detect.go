package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FallbackGB is assumed when no GPU can be queried and no override is set.
const FallbackGB = 80

const detectTimeout = 5 * time.Second

// queryFunc runs nvidia-smi; replaced in tests.
var queryFunc = func(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.total",
		"--format=csv,noheader,nounits").Output()
}

// Detect returns the total memory of the first NVIDIA GPU in gigabytes.
func Detect(ctx context.Context) (float64, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, detectTimeout)
		defer cancel()
	}

	out, err := queryFunc(ctx)
	if err != nil {
		return 0, fmt.Errorf("query nvidia-smi: %w", err)
	}
	return parseMemory(out)
}

func parseMemory(out []byte) (float64, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0])
	if line == "" {
		return 0, errors.New("nvidia-smi: no devices reported")
	}
	mib, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: parse memory %q: %w", line, err)
	}
	return mib / 1024, nil
}

// Resolve picks the budget size: override when positive, otherwise the
// detected device memory, otherwise FallbackGB.
func Resolve(ctx context.Context, overrideGB float64, logger *slog.Logger) float64 {
	if overrideGB > 0 {
		return overrideGB
	}
	gb, err := Detect(ctx)
	if err != nil {
		logger.Warn("gpu detection failed, assuming fallback budget", "fallback_gb", FallbackGB, "error", err)
		return FallbackGB
	}
	logger.Info("gpu detected", "memory_gb", gb)
	return gb
}
