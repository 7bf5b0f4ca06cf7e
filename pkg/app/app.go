// Package app assembles every relay component from a configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pario-ai/relay/pkg/audit"
	"github.com/pario-ai/relay/pkg/backend"
	"github.com/pario-ai/relay/pkg/budget"
	"github.com/pario-ai/relay/pkg/cache/sqlite"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/gpu"
	"github.com/pario-ai/relay/pkg/memory"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/registry"
	"github.com/pario-ai/relay/pkg/remote"
	"github.com/pario-ai/relay/pkg/restricted"
	"github.com/pario-ai/relay/pkg/router"
	"github.com/pario-ai/relay/pkg/tracker"
)

// App is the application context. It is built once and shared by the HTTP
// API, the MCP server and the CLI. Cache, Audit and Memory are nil when
// disabled.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	VRAM       *gpu.Budget
	Local      *registry.Registry
	Restricted *restricted.Gateway
	Remote     *remote.Gateway
	Ledger     *budget.Ledger
	Tracker    *tracker.SQLiteTracker
	Cache      *sqlite.Cache
	Audit      *audit.Logger
	Memory     *memory.Store
	Router     *router.Engine
}

type options struct {
	backend  backend.Backend
	client   *http.Client
	embedder memory.Embedder
}

// Option customizes New.
type Option func(*options)

// WithBackend replaces the local inference backends.
func WithBackend(b backend.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithHTTPClient sets the client used for every outbound HTTP call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithEmbedder replaces the configured memory embedder.
func WithEmbedder(e memory.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// New builds every component described by cfg. On error, everything opened
// so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	o := options{client: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	ollama := backend.NewOllama(cfg.Local.OllamaURL, o.client)
	b := o.backend
	if b == nil {
		b = backend.Mux{
			"ollama":  ollama,
			"sidecar": backend.NewSidecar(cfg.Local.SidecarURL, cfg.Local.ArtifactDir, o.client),
			"echo":    backend.Echo{},
		}
	}

	a.VRAM = gpu.NewBudget(gpu.Resolve(ctx, cfg.Local.GPUMemoryGB, logger))
	timeout := registry.WithTimeout(cfg.Local.GenerateTimeout)
	a.Local = registry.New("local", cfg.LocalModels(), b, a.VRAM, logger, timeout)
	a.Restricted, err = restricted.New(
		registry.New("restricted", cfg.Restricted.Models, b, a.VRAM, logger, timeout),
		cfg.Restricted.Enabled, cfg.Restricted.DefaultModel)
	if err != nil {
		return nil, err
	}
	a.Remote = remote.New(cfg.Remote, o.client, logger)

	a.Tracker, err = tracker.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.Ledger = budget.NewLedger(cfg.Routing.MaxDailyAPIBudget)
	if err := a.Ledger.Restore(ctx, a.Tracker); err != nil {
		logger.Warn("starting with an empty budget window", "error", err)
	}

	routerOpts := []router.Option{router.WithTracker(a.Tracker)}
	if cfg.Cache.Enabled {
		a.Cache, err = sqlite.New(cfg.DBPath, cfg.Cache.TTL)
		if err != nil {
			return nil, err
		}
		routerOpts = append(routerOpts, router.WithCache(a.Cache))
	}
	if cfg.Audit.Enabled {
		a.Audit, err = audit.New(cfg.Audit, logger)
		if err != nil {
			return nil, err
		}
		routerOpts = append(routerOpts, router.WithAuditLog(a.Audit))
	}
	if cfg.Memory.Enabled {
		emb := o.embedder
		if emb == nil {
			emb, err = memory.NewEmbedder(cfg.Memory, ollama)
			if err != nil {
				return nil, fmt.Errorf("memory embedder: %w", err)
			}
		}
		path := cfg.Memory.DBPath
		if path == "" {
			path = cfg.DBPath
		}
		a.Memory, err = memory.New(path, emb)
		if err != nil {
			return nil, err
		}
	}

	a.Router = router.New(cfg.Routing, a.Local, a.Remote, a.Restricted, a.Ledger, logger, routerOpts...)

	logger.Info("relay initialized",
		"local_models", len(a.Local.Names()),
		"restricted_enabled", a.Restricted.Enabled(),
		"remote_models", len(a.Remote.Status()),
		"gpu_memory_gb", a.VRAM.TotalGB(),
		"budget_spent", a.Ledger.Spent())
	return a, nil
}

// Close unloads every resident model and closes every store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Local != nil {
		errs = append(errs, a.Local.Close(ctx))
	}
	if a.Restricted != nil {
		errs = append(errs, a.Restricted.Close(ctx))
	}
	if a.Memory != nil {
		errs = append(errs, a.Memory.Close())
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Tracker != nil {
		errs = append(errs, a.Tracker.Close())
	}
	return errors.Join(errs...)
}

// Models reports every configured model across all providers.
func (a *App) Models() []models.ModelStatus {
	out := a.Local.Status(models.ProviderLocal)
	out = append(out, a.Restricted.Status()...)
	return append(out, a.Remote.Status()...)
}

// LoadModel makes a local or restricted model resident.
func (a *App) LoadModel(ctx context.Context, name string) error {
	switch {
	case a.Local.Has(name):
		return a.Local.Load(ctx, name)
	case a.Restricted.Has(name):
		return a.Restricted.Load(ctx, name)
	case a.Remote.Has(name):
		return fmt.Errorf("%w: remote model %s cannot be loaded", models.ErrInvalidInput, name)
	default:
		return fmt.Errorf("%w: %s", models.ErrModelNotFound, name)
	}
}

// UnloadModel releases a local or restricted model.
func (a *App) UnloadModel(ctx context.Context, name string) error {
	switch {
	case a.Local.Has(name):
		return a.Local.Unload(ctx, name)
	case a.Restricted.Has(name):
		return a.Restricted.Unload(ctx, name)
	case a.Remote.Has(name):
		return fmt.Errorf("%w: remote model %s cannot be unloaded", models.ErrInvalidInput, name)
	default:
		return fmt.Errorf("%w: %s", models.ErrModelNotFound, name)
	}
}
