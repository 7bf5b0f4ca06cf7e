package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pario-ai/relay/pkg/audit"
	"github.com/pario-ai/relay/pkg/budget"
	"github.com/pario-ai/relay/pkg/cache/sqlite"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/tracker"
)

// Local is the local model registry as seen by the engine.
type Local interface {
	Has(name string) bool
	CanRun(name string) bool
	Generate(ctx context.Context, name string, req models.GenerationRequest) (models.GenerationResult, error)
}

// Remote is the remote provider gateway as seen by the engine.
type Remote interface {
	Has(name string) bool
	Generate(ctx context.Context, name string, req models.GenerationRequest) (models.GenerationResult, error)
}

// Restricted is the restricted gateway as seen by the engine.
type Restricted interface {
	Enabled() bool
	DefaultModel() string
	Has(name string) bool
	Generate(ctx context.Context, name string, req models.GenerationRequest) (models.GenerationResult, error)
}

// Engine picks a provider and model for each request and dispatches it.
type Engine struct {
	cfg        config.RoutingConfig
	local      Local
	remote     Remote
	restricted Restricted
	ledger     *budget.Ledger
	cache      *sqlite.Cache
	tracker    tracker.Tracker
	audit      *audit.Logger
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache serves repeated remote calls from c.
func WithCache(c *sqlite.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithTracker records every routed call in t.
func WithTracker(t tracker.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithAuditLog writes every routed call to l.
func WithAuditLog(l *audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// New creates an Engine. restricted may be nil when no restricted models
// are configured.
func New(cfg config.RoutingConfig, local Local, remote Remote, restricted Restricted, ledger *budget.Ledger, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		local:      local,
		remote:     remote,
		restricted: restricted,
		ledger:     ledger,
		logger:     logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Decide resolves a request to a provider and model. It evaluates, in order:
// an explicit override, unrestricted tasks on an enabled restricted gateway,
// a runnable local candidate when local is preferred, a remote candidate for
// long prompts while under budget, then any local and finally any remote
// candidate.
func (e *Engine) Decide(req models.RoutingRequest) (models.Decision, error) {
	task := req.Task
	if task == "" {
		task = models.TaskChat
	}
	if !task.Valid() {
		return models.Decision{}, fmt.Errorf("%w: unknown task category %q", models.ErrInvalidInput, task)
	}

	if req.Provider != "" {
		return e.override(task, req.Provider)
	}

	if task == models.TaskUnrestricted && e.restricted != nil && e.restricted.Enabled() {
		if m := e.bestRestricted(task); m != "" {
			return models.Decision{Model: m, Provider: models.ProviderRestricted, Reason: "unrestricted task"}, nil
		}
	}

	local := e.best(task, models.ProviderLocal)
	if e.cfg.PreferLocal && local != "" && e.local.CanRun(local) {
		return models.Decision{Model: local, Provider: models.ProviderLocal, Reason: "local preferred"}, nil
	}

	remote := e.best(task, models.ProviderRemote)
	if e.ledger.UnderCap() && utf8.RuneCountInString(req.Prompt) > e.cfg.TokenThresholdForAPI && remote != "" {
		return models.Decision{Model: remote, Provider: models.ProviderRemote, Reason: "long prompt under budget"}, nil
	}

	if local != "" {
		return models.Decision{Model: local, Provider: models.ProviderLocal, Reason: "local fallback"}, nil
	}
	if remote != "" {
		return models.Decision{Model: remote, Provider: models.ProviderRemote, Reason: "remote fallback"}, nil
	}
	return models.Decision{}, fmt.Errorf("%w: task %s", models.ErrNoModelAvailable, task)
}

func (e *Engine) override(task models.TaskCategory, p models.Provider) (models.Decision, error) {
	var m string
	switch p {
	case models.ProviderLocal, models.ProviderRemote:
		m = e.best(task, p)
	case models.ProviderRestricted:
		m = e.bestRestricted(task)
	default:
		return models.Decision{}, fmt.Errorf("%w: %q", models.ErrUnsupportedProvider, p)
	}
	if m == "" {
		return models.Decision{}, fmt.Errorf("%w: no %s candidate for task %s", models.ErrNoModelAvailable, p, task)
	}
	return models.Decision{Model: m, Provider: p, Reason: "provider override"}, nil
}

// best returns the first mapped candidate of provider p for task.
func (e *Engine) best(task models.TaskCategory, p models.Provider) string {
	for _, t := range e.cfg.TaskMapping[task] {
		if t.Provider != p {
			continue
		}
		switch {
		case p == models.ProviderLocal && e.local != nil && e.local.Has(t.Model):
			return t.Model
		case p == models.ProviderRemote && e.remote != nil && e.remote.Has(t.Model):
			return t.Model
		case p == models.ProviderRestricted && e.restricted != nil && e.restricted.Has(t.Model):
			return t.Model
		}
	}
	return ""
}

// bestRestricted prefers a mapped restricted candidate over the configured
// default model.
func (e *Engine) bestRestricted(task models.TaskCategory) string {
	if e.restricted == nil {
		return ""
	}
	if m := e.best(task, models.ProviderRestricted); m != "" {
		return m
	}
	return e.restricted.DefaultModel()
}

// Route decides, dispatches and records one request. Usage tracking and
// audit logging never fail the call.
func (e *Engine) Route(ctx context.Context, req models.RoutingRequest) (models.Response, error) {
	start := time.Now()
	requestID := uuid.NewString()
	if req.Task == "" {
		req.Task = models.TaskChat
	}
	if req.Params == (models.GenerationParams{}) {
		req.Params = models.DefaultParams()
	}

	d, err := e.Decide(req)
	if err != nil {
		e.logger.Warn("routing failed", "request_id", requestID, "task", req.Task, "error", err)
		return models.Response{}, err
	}
	e.logger.Info("routing request", "request_id", requestID, "task", req.Task,
		"provider", d.Provider, "model", d.Model, "reason", d.Reason)

	res, cached, err := e.dispatch(ctx, d, req.GenerationRequest)
	latency := time.Since(start)
	e.record(ctx, requestID, req, d, res, latency, err)
	if err != nil {
		return models.Response{}, err
	}

	return models.Response{
		Text:       res.Text,
		ModelUsed:  d.Model,
		Provider:   d.Provider,
		TokensUsed: res.TokensUsed,
		Cost:       res.Cost,
		LatencyMs:  latency.Milliseconds(),
		Outcome:    res.Outcome,
		Error:      res.Error,
		Metadata: map[string]any{
			"request_id":     requestID,
			"task_type":      req.Task,
			"model_source":   d.Provider,
			"reason":         d.Reason,
			"daily_api_cost": e.ledger.Spent(),
			"cached":         cached,
			"artifact_path":  res.ArtifactPath,
		},
	}, nil
}

func (e *Engine) dispatch(ctx context.Context, d models.Decision, req models.GenerationRequest) (models.GenerationResult, bool, error) {
	switch d.Provider {
	case models.ProviderLocal:
		res, err := e.local.Generate(ctx, d.Model, req)
		return res, false, err
	case models.ProviderRestricted:
		res, err := e.restricted.Generate(ctx, d.Model, req)
		return res, false, err
	case models.ProviderRemote:
		return e.remoteCall(ctx, d.Model, req)
	default:
		return models.GenerationResult{}, false, fmt.Errorf("%w: %q", models.ErrUnsupportedProvider, d.Provider)
	}
}

// remoteCall consults the cache, calls the gateway and charges the ledger.
// Cache hits cost nothing.
func (e *Engine) remoteCall(ctx context.Context, model string, req models.GenerationRequest) (models.GenerationResult, bool, error) {
	useCache := e.cache != nil && !req.Params.Stream
	var key string
	if useCache {
		key = sqlite.HashPrompt(model, req)
		if res, ok := e.cache.Get(ctx, key, model); ok {
			res.Cost = 0
			res.Latency = 0
			return res, true, nil
		}
	}

	res, err := e.remote.Generate(ctx, model, req)
	if err != nil {
		return res, false, err
	}
	spent := e.ledger.Update(res.Cost)
	e.logger.Debug("remote spend", "model", model, "cost", res.Cost, "daily_api_cost", spent)

	if useCache && res.Outcome == models.OutcomeOK {
		if err := e.cache.Put(ctx, key, model, res); err != nil {
			e.logger.Warn("cache put failed", "model", model, "error", err)
		}
	}
	return res, false, nil
}

func (e *Engine) record(ctx context.Context, requestID string, req models.RoutingRequest, d models.Decision, res models.GenerationResult, latency time.Duration, callErr error) {
	ctx = context.WithoutCancel(ctx)
	outcome, errText := res.Outcome, res.Error
	if callErr != nil {
		outcome, errText = models.OutcomeFailed, callErr.Error()
	}

	if e.tracker != nil {
		err := e.tracker.Record(ctx, models.UsageRecord{
			RequestID: requestID,
			UserID:    req.UserID,
			Task:      req.Task,
			Provider:  d.Provider,
			Model:     d.Model,
			Tokens:    res.TokensUsed,
			Cost:      res.Cost,
			LatencyMs: latency.Milliseconds(),
			Outcome:   outcome,
			CreatedAt: time.Now(),
		})
		if err != nil {
			e.logger.Warn("usage tracking failed", "request_id", requestID, "error", err)
		}
	}

	if e.audit != nil {
		hash, prefix := audit.HashUserID(req.UserID)
		err := e.audit.Log(ctx, models.AuditEntry{
			RequestID:  requestID,
			UserHash:   hash,
			UserPrefix: prefix,
			Task:       req.Task,
			Model:      d.Model,
			Provider:   d.Provider,
			Reason:     d.Reason,
			Prompt:     req.Prompt,
			Response:   res.Text,
			Outcome:    outcome,
			Error:      errText,
			TokensUsed: res.TokensUsed,
			Cost:       res.Cost,
			LatencyMs:  latency.Milliseconds(),
			CreatedAt:  time.Now(),
		})
		if err != nil {
			e.logger.Warn("audit log failed", "request_id", requestID, "error", err)
		}
	}
}
