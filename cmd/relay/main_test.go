package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pario-ai/relay/pkg/app"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/models"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "model", "qwen-7b")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"model":"qwen-7b"`) {
		t.Errorf("expected json output, got: %s", out)
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestPreloadModels(t *testing.T) {
	cfg, err := config.Parse([]byte(`
local:
  gpu_memory_gb: 16
  engine: echo
  models:
    text:
      - name: a
        vram_required_gb: 6
      - name: b
        vram_required_gb: 6
      - name: c
        vram_required_gb: 6
`), config.Env{})
	if err != nil {
		t.Fatal(err)
	}
	cfg.DBPath = filepath.Join(t.TempDir(), "relay.db")

	ctx := context.Background()
	a, err := app.New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)

	if err := preloadModels(ctx, a, []string{"a", "b"}); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if !a.Local.IsLoaded("a") || !a.Local.IsLoaded("b") {
		t.Error("expected both models resident")
	}

	err = preloadModels(ctx, a, []string{"c"})
	if !errors.Is(err, models.ErrInsufficientVRAM) {
		t.Errorf("expected ErrInsufficientVRAM, got %v", err)
	}
}
