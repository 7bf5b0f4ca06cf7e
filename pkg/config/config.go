package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pario-ai/relay/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	Listen      string             `yaml:"listen"`
	CORSOrigins []string           `yaml:"cors_origins"`
	DBPath      string             `yaml:"db_path"`
	Log         LogConfig          `yaml:"log"`
	Local       LocalConfig        `yaml:"local"`
	Remote      RemoteConfig       `yaml:"remote"`
	Restricted  RestrictedConfig   `yaml:"restricted"`
	Routing     RoutingConfig      `yaml:"routing"`
	Cache       CacheConfig        `yaml:"cache"`
	Audit       models.AuditConfig `yaml:"audit"`
	Memory      MemoryConfig       `yaml:"memory"`
}

// LogConfig controls the process logger.
// Format is "text" (default) or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LocalConfig describes on-device models and the backends that serve them.
// A zero GPUMemoryGB means the budget is detected at startup.
type LocalConfig struct {
	GPUMemoryGB     float64                                     `yaml:"gpu_memory_gb"`
	Engine          string                                      `yaml:"engine"`
	OllamaURL       string                                      `yaml:"ollama_url"`
	SidecarURL      string                                      `yaml:"sidecar_url"`
	ArtifactDir     string                                      `yaml:"artifact_dir"`
	GenerateTimeout time.Duration                               `yaml:"generate_timeout"`
	Models          map[models.Modality][]models.ModelDescriptor `yaml:"models"`
}

// RemoteConfig describes the remote inference provider.
type RemoteConfig struct {
	BaseURL      string                   `yaml:"base_url"`
	APIKey       string                   `yaml:"api_key"`
	Timeout      time.Duration            `yaml:"timeout"`
	RateLimitRPS float64                  `yaml:"rate_limit_rps"`
	RateBurst    int                      `yaml:"rate_burst"`
	Models       []models.ModelDescriptor `yaml:"models"`
}

// RestrictedConfig describes the restricted local gateway.
type RestrictedConfig struct {
	Enabled      bool                     `yaml:"enabled"`
	DefaultModel string                   `yaml:"default_model"`
	Models       []models.ModelDescriptor `yaml:"models"`
}

// RoutingConfig holds the routing policy parameters.
type RoutingConfig struct {
	PreferLocal          bool                                  `yaml:"prefer_local"`
	MaxDailyAPIBudget    float64                               `yaml:"max_daily_api_budget"`
	TokenThresholdForAPI int                                   `yaml:"token_threshold_for_api"`
	TaskMapping          map[models.TaskCategory][]RouteTarget `yaml:"task_mapping"`
}

// RouteTarget identifies a candidate provider and model for a task category.
type RouteTarget struct {
	Provider models.Provider `yaml:"provider"`
	Model    string          `yaml:"model"`
}

// CacheConfig controls the remote response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// MemoryConfig controls the memory store.
// Embedder is "hash" or "ollama".
type MemoryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DBPath      string `yaml:"db_path"`
	Embedder    string `yaml:"embedder"`
	Dimensions  int    `yaml:"dimensions"`
	OllamaModel string `yaml:"ollama_model"`
}

// Env holds environment toggles applied over the file.
type Env struct {
	EnableRestricted *bool    `env:"RELAY_ENABLE_RESTRICTED"`
	GPUMemoryGB      *float64 `env:"RELAY_GPU_MEMORY_GB"`
	TogetherAPIKey   string   `env:"TOGETHER_API_KEY"`
	LogLevel         string   `env:"RELAY_LOG_LEVEL"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:      ":8000",
		CORSOrigins: []string{"*"},
		DBPath:      "relay.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Local: LocalConfig{
			Engine:          "ollama",
			OllamaURL:       "http://localhost:11434",
			SidecarURL:      "http://localhost:8001",
			ArtifactDir:     "artifacts",
			GenerateTimeout: 5 * time.Minute,
		},
		Remote: RemoteConfig{
			BaseURL: "https://api.together.xyz/v1",
			Timeout: 60 * time.Second,
		},
		Routing: RoutingConfig{
			PreferLocal:          true,
			MaxDailyAPIBudget:    10,
			TokenThresholdForAPI: 4000,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		Audit: models.AuditConfig{
			DBPath:        "relay-audit.db",
			RetentionDays: 30,
			Include:       []string{"prompts", "responses"},
			MaxBodySize:   64 * 1024,
		},
		Memory: MemoryConfig{
			Enabled:     true,
			Embedder:    "hash",
			Dimensions:  384,
			OllamaModel: "nomic-embed-text",
		},
	}
}

// Load reads a YAML config file, expands environment variables, applies
// environment toggles and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return Parse(data, e)
}

// Parse builds a validated Config from YAML bytes and environment toggles.
func Parse(data []byte, e Env) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.apply(e)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(e Env) {
	if e.EnableRestricted != nil {
		c.Restricted.Enabled = *e.EnableRestricted
	}
	if e.GPUMemoryGB != nil {
		c.Local.GPUMemoryGB = *e.GPUMemoryGB
	}
	if c.Remote.APIKey == "" {
		c.Remote.APIKey = e.TogetherAPIKey
	}
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
}

// normalize fills descriptor fields implied by their position in the file.
func (c *Config) normalize() {
	for modality, descs := range c.Local.Models {
		for i := range descs {
			descs[i].Modality = modality
			if descs[i].Engine == "" {
				descs[i].Engine = c.Local.Engine
			}
		}
	}
	for i := range c.Restricted.Models {
		if c.Restricted.Models[i].Modality == "" {
			c.Restricted.Models[i].Modality = models.ModalityText
		}
		if c.Restricted.Models[i].Engine == "" {
			c.Restricted.Models[i].Engine = c.Local.Engine
		}
	}
	for i := range c.Remote.Models {
		if c.Remote.Models[i].Modality == "" {
			c.Remote.Models[i].Modality = models.ModalityText
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	local := make(map[string]bool)
	for modality := range c.Local.Models {
		if !modality.Valid() {
			errs = append(errs, fmt.Errorf("local: unknown modality %q", modality))
		}
	}
	for _, d := range c.LocalModels() {
		errs = append(errs, checkLocal("local", d, local)...)
	}

	restricted := make(map[string]bool)
	for _, d := range c.Restricted.Models {
		if !d.Modality.Valid() {
			errs = append(errs, fmt.Errorf("restricted model %q: unknown modality %q", d.Name, d.Modality))
		}
		errs = append(errs, checkLocal("restricted", d, restricted)...)
	}
	if c.Restricted.Enabled && len(c.Restricted.Models) == 0 {
		errs = append(errs, errors.New("restricted: enabled but no models configured"))
	}
	if len(c.Restricted.Models) > 0 {
		switch {
		case c.Restricted.DefaultModel == "":
			errs = append(errs, errors.New("restricted: default_model is required"))
		case !restricted[c.Restricted.DefaultModel]:
			errs = append(errs, fmt.Errorf("restricted: default_model %q is not configured", c.Restricted.DefaultModel))
		}
	}

	remote := make(map[string]bool)
	for _, d := range c.Remote.Models {
		switch {
		case d.Name == "":
			errs = append(errs, errors.New("remote: model with empty name"))
		case remote[d.Name]:
			errs = append(errs, fmt.Errorf("remote: duplicate model %q", d.Name))
		case d.ModelID == "":
			errs = append(errs, fmt.Errorf("remote model %q: model_id is required", d.Name))
		case d.CostPerMillion < 0:
			errs = append(errs, fmt.Errorf("remote model %q: negative cost", d.Name))
		}
		remote[d.Name] = true
	}

	known := map[models.Provider]map[string]bool{
		models.ProviderLocal:      local,
		models.ProviderRemote:     remote,
		models.ProviderRestricted: restricted,
	}
	for task, targets := range c.Routing.TaskMapping {
		if !task.Valid() {
			errs = append(errs, fmt.Errorf("routing: unknown task category %q", task))
			continue
		}
		for _, t := range targets {
			names, ok := known[t.Provider]
			if !ok {
				errs = append(errs, fmt.Errorf("routing %s: %w: %q", task, models.ErrUnsupportedProvider, t.Provider))
				continue
			}
			if !names[t.Model] {
				errs = append(errs, fmt.Errorf("routing %s: %s model %q is not configured", task, t.Provider, t.Model))
			}
		}
	}
	if c.Routing.MaxDailyAPIBudget < 0 {
		errs = append(errs, errors.New("routing: max_daily_api_budget must not be negative"))
	}

	if c.Local.GPUMemoryGB < 0 {
		errs = append(errs, errors.New("local: gpu_memory_gb must not be negative"))
	}

	switch c.Memory.Embedder {
	case "hash", "ollama":
	default:
		errs = append(errs, fmt.Errorf("memory: unknown embedder %q", c.Memory.Embedder))
	}
	if c.Memory.Dimensions <= 0 {
		errs = append(errs, errors.New("memory: dimensions must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func checkLocal(section string, d models.ModelDescriptor, seen map[string]bool) []error {
	var errs []error
	if d.Name == "" {
		return []error{fmt.Errorf("%s: model with empty name", section)}
	}
	if seen[d.Name] {
		errs = append(errs, fmt.Errorf("%s: duplicate model %q", section, d.Name))
	}
	seen[d.Name] = true
	if d.VRAMRequiredGB < 0 {
		errs = append(errs, fmt.Errorf("%s model %q: negative vram_required_gb", section, d.Name))
	}
	if !d.Quantization.Valid() {
		errs = append(errs, fmt.Errorf("%s model %q: unknown quantization %q", section, d.Name, d.Quantization))
	}
	switch d.Engine {
	case "ollama", "sidecar", "echo":
	default:
		errs = append(errs, fmt.Errorf("%s model %q: unknown engine %q", section, d.Name, d.Engine))
	}
	return errs
}

// LocalModels returns local descriptors ordered by modality, then by file order.
func (c *Config) LocalModels() []models.ModelDescriptor {
	var out []models.ModelDescriptor
	for _, m := range models.Modalities() {
		out = append(out, c.Local.Models[m]...)
	}
	return out
}

// Candidates returns the ordered candidate list for a task category.
func (c *Config) Candidates(task models.TaskCategory) []RouteTarget {
	return c.Routing.TaskMapping[task]
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}
