package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/relay/pkg/models"
)

const sampleConfig = `
listen: ":9090"
db_path: "test.db"
local:
  gpu_memory_gb: 24
  models:
    text:
      - name: llama-8b
        path: llama3.1:8b
        vram_required_gb: 16
        quantization: int8
    vision:
      - name: llava
        path: llava:13b
        vram_required_gb: 20
remote:
  api_key: ${TEST_API_KEY}
  models:
    - name: llama-70b
      model_id: meta-llama/Llama-3.3-70B-Instruct-Turbo
      cost_per_1m_tokens: 0.88
restricted:
  default_model: dolphin
  models:
    - name: dolphin
      path: dolphin-mixtral
      vram_required_gb: 20
routing:
  prefer_local: false
  max_daily_api_budget: 5
  token_threshold_for_api: 100
  task_mapping:
    chat:
      - provider: local
        model: llama-8b
      - provider: remote
        model: llama-70b
    vision:
      - provider: local
        model: llava
cache:
  enabled: true
  ttl: 30m
`

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8000" {
		t.Errorf("expected :8000, got %s", cfg.Listen)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("expected 1h TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Remote.Timeout != 60*time.Second {
		t.Errorf("expected 60s remote timeout, got %v", cfg.Remote.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "tk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Remote.APIKey != "tk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Remote.APIKey)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Routing.PreferLocal {
		t.Error("expected prefer_local false")
	}

	locals := cfg.LocalModels()
	if len(locals) != 2 {
		t.Fatalf("expected 2 local models, got %d", len(locals))
	}
	if locals[0].Name != "llama-8b" || locals[0].Modality != models.ModalityText {
		t.Errorf("unexpected first local model: %+v", locals[0])
	}
	if locals[1].Modality != models.ModalityVision {
		t.Errorf("expected modality filled from section, got %q", locals[1].Modality)
	}
	if locals[0].Engine != "ollama" {
		t.Errorf("expected default engine, got %q", locals[0].Engine)
	}
	if got := cfg.Candidates(models.TaskChat); len(got) != 2 || got[1].Provider != models.ProviderRemote {
		t.Errorf("unexpected chat candidates: %+v", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEnvToggles(t *testing.T) {
	enabled := true
	gpu := 48.0
	cfg, err := Parse([]byte(sampleConfig), Env{
		EnableRestricted: &enabled,
		GPUMemoryGB:      &gpu,
		TogetherAPIKey:   "tk-env",
		LogLevel:         "debug",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Restricted.Enabled {
		t.Error("expected restricted gateway enabled by env")
	}
	if cfg.Local.GPUMemoryGB != 48 {
		t.Errorf("expected gpu override 48, got %v", cfg.Local.GPUMemoryGB)
	}
	// TEST_API_KEY is unset here, so the file leaves api_key empty.
	if cfg.Remote.APIKey != "tk-env" {
		t.Errorf("expected api key from env, got %q", cfg.Remote.APIKey)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "unknown modality",
			yaml: `
local:
  models:
    hologram:
      - name: x
`,
			wantErr: `unknown modality "hologram"`,
		},
		{
			name: "restricted enabled without models",
			yaml: `
restricted:
  enabled: true
`,
			wantErr: "enabled but no models",
		},
		{
			name: "restricted default missing",
			yaml: `
restricted:
  models:
    - name: a
    - name: b
`,
			wantErr: "default_model is required",
		},
		{
			name: "restricted default unknown",
			yaml: `
restricted:
  default_model: c
  models:
    - name: a
`,
			wantErr: `default_model "c" is not configured`,
		},
		{
			name: "mapping to unknown model",
			yaml: `
routing:
  task_mapping:
    chat:
      - provider: local
        model: ghost
`,
			wantErr: `local model "ghost" is not configured`,
		},
		{
			name: "mapping to unknown provider",
			yaml: `
routing:
  task_mapping:
    chat:
      - provider: cloud
        model: x
`,
			wantErr: "unsupported provider",
		},
		{
			name: "unknown task",
			yaml: `
routing:
  task_mapping:
    poetry: []
`,
			wantErr: `unknown task category "poetry"`,
		},
		{
			name: "remote without model id",
			yaml: `
remote:
  models:
    - name: r
`,
			wantErr: "model_id is required",
		},
		{
			name: "bad quantization",
			yaml: `
local:
  models:
    text:
      - name: q
        quantization: int2
`,
			wantErr: `unknown quantization "int2"`,
		},
		{
			name: "unknown engine",
			yaml: `
local:
  models:
    text:
      - name: v
        engine: vllm
`,
			wantErr: `unknown engine "vllm"`,
		},
		{
			name: "unknown embedder",
			yaml: `
memory:
  embedder: magic
`,
			wantErr: `unknown embedder "magic"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), Env{})
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateUnsupportedProviderIs(t *testing.T) {
	_, err := Parse([]byte("routing:\n  task_mapping:\n    chat:\n      - provider: cloud\n        model: x\n"), Env{})
	if !errors.Is(err, models.ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}
