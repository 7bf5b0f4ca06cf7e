// Package registry manages the lifecycle of locally hosted models: lazy
// loading, per-model exclusive access, explicit unloading and GPU memory
// admission.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pario-ai/relay/pkg/backend"
	"github.com/pario-ai/relay/pkg/gpu"
	"github.com/pario-ai/relay/pkg/models"
	"golang.org/x/sync/semaphore"
)

// Registry owns a fixed set of local models. Calls for the same model are
// serialized; calls for different models run concurrently.
type Registry struct {
	name    string
	models  map[string]models.ModelDescriptor
	locks   map[string]*semaphore.Weighted
	backend backend.Backend
	vram    *gpu.Budget
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	loaded map[string]*backend.Handle
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout bounds each load and generation call.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// New creates a Registry over descs. Every model gets its lock here, before
// any request arrives.
func New(name string, descs []models.ModelDescriptor, b backend.Backend, vram *gpu.Budget, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		name:    name,
		models:  make(map[string]models.ModelDescriptor, len(descs)),
		locks:   make(map[string]*semaphore.Weighted, len(descs)),
		backend: b,
		vram:    vram,
		logger:  logger.With("registry", name),
		loaded:  make(map[string]*backend.Handle),
	}
	for _, d := range descs {
		r.models[d.Name] = d
		r.locks[d.Name] = semaphore.NewWeighted(1)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Has reports whether name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.models[name]
	return ok
}

// Names returns the configured model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Descriptor returns the configuration of name.
func (r *Registry) Descriptor(name string) (models.ModelDescriptor, bool) {
	d, ok := r.models[name]
	return d, ok
}

// CanRun reports whether name is configured and its VRAM requirement fits
// the device. The check ignores what is already loaded.
func (r *Registry) CanRun(name string) bool {
	d, ok := r.models[name]
	if !ok {
		return false
	}
	return r.vram.Fits(d.VRAMRequiredGB)
}

// Generate runs req against name, loading the model first if needed.
func (r *Registry) Generate(ctx context.Context, name string, req models.GenerationRequest) (models.GenerationResult, error) {
	d, ok := r.models[name]
	if !ok {
		return models.GenerationResult{}, fmt.Errorf("%w: %s", models.ErrModelNotFound, name)
	}
	if err := validate(d.Modality, req); err != nil {
		return models.GenerationResult{}, fmt.Errorf("%s: %w", name, err)
	}

	release, err := r.acquire(ctx, name)
	if err != nil {
		return models.GenerationResult{}, err
	}
	defer release()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	h, err := r.ensureLoaded(ctx, d)
	if err != nil {
		return models.GenerationResult{}, err
	}

	start := time.Now()
	out, err := r.dispatch(ctx, h, req)
	latency := time.Since(start)
	if err != nil {
		r.logger.Error("generation failed", "model", name, "error", err)
		return models.GenerationResult{}, fmt.Errorf("%w: %s: %w", models.ErrBackendFailure, name, err)
	}

	prompt, completion := out.PromptTokens, out.CompletionTokens
	if prompt == 0 && completion == 0 && out.ArtifactPath == "" {
		prompt = len(strings.Fields(req.SystemPrompt)) + len(strings.Fields(req.Prompt))
		completion = len(strings.Fields(out.Text))
	}

	return models.GenerationResult{
		Text:             out.Text,
		ArtifactPath:     out.ArtifactPath,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TokensUsed:       prompt + completion,
		Latency:          latency,
		Outcome:          models.OutcomeOK,
	}, nil
}

// Load makes name resident without generating.
func (r *Registry) Load(ctx context.Context, name string) error {
	d, ok := r.models[name]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrModelNotFound, name)
	}
	release, err := r.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	_, err = r.ensureLoaded(ctx, d)
	return err
}

// Unload releases name's device memory. Unloading a model that is not
// resident is a no-op.
func (r *Registry) Unload(ctx context.Context, name string) error {
	d, ok := r.models[name]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrModelNotFound, name)
	}
	release, err := r.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	h := r.loaded[name]
	r.mu.Unlock()
	if h == nil {
		return nil
	}

	if err := r.backend.Unload(ctx, h); err != nil {
		return fmt.Errorf("%w: unload %s: %w", models.ErrBackendFailure, name, err)
	}

	r.mu.Lock()
	delete(r.loaded, name)
	r.mu.Unlock()
	r.vram.Release(d.VRAMRequiredGB)

	r.logger.Info("model unloaded", "model", name)
	return nil
}

// IsLoaded reports whether name is resident.
func (r *Registry) IsLoaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loaded[name]
	return ok
}

// Status reports every configured model, sorted by name.
func (r *Registry) Status(provider models.Provider) []models.ModelStatus {
	names := r.Names()
	out := make([]models.ModelStatus, 0, len(names))
	for _, n := range names {
		d := r.models[n]
		out = append(out, models.ModelStatus{
			Name:           n,
			Provider:       provider,
			Modality:       d.Modality,
			VRAMRequiredGB: d.VRAMRequiredGB,
			Loaded:         r.IsLoaded(n),
			CanRun:         r.CanRun(n),
		})
	}
	return out
}

// Close unloads every resident model.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.loaded))
	for n := range r.loaded {
		names = append(names, n)
	}
	r.mu.Unlock()

	var errs []error
	for _, n := range names {
		if err := r.Unload(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// acquire takes name's lock, giving up when ctx ends.
func (r *Registry) acquire(ctx context.Context, name string) (func(), error) {
	lock := r.locks[name]
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for model %s: %w", name, err)
	}
	return func() { lock.Release(1) }, nil
}

// ensureLoaded must be called with the model's lock held.
func (r *Registry) ensureLoaded(ctx context.Context, d models.ModelDescriptor) (*backend.Handle, error) {
	r.mu.Lock()
	h := r.loaded[d.Name]
	r.mu.Unlock()
	if h != nil {
		return h, nil
	}

	if err := r.vram.Reserve(d.VRAMRequiredGB); err != nil {
		return nil, fmt.Errorf("load %s: %w", d.Name, err)
	}

	start := time.Now()
	h, err := r.backend.Load(ctx, d)
	if err != nil {
		r.vram.Release(d.VRAMRequiredGB)
		r.logger.Error("model load failed", "model", d.Name, "error", err)
		return nil, fmt.Errorf("%w: load %s: %w", models.ErrBackendFailure, d.Name, err)
	}

	r.mu.Lock()
	r.loaded[d.Name] = h
	r.mu.Unlock()

	r.logger.Info("model loaded",
		"model", d.Name,
		"modality", d.Modality,
		"vram_gb", d.VRAMRequiredGB,
		"quantization", d.Quantization,
		"took", time.Since(start))
	return h, nil
}

func (r *Registry) dispatch(ctx context.Context, h *backend.Handle, req models.GenerationRequest) (backend.Output, error) {
	switch h.Model.Modality {
	case models.ModalityText, models.ModalityCode:
		return r.backend.Text(ctx, h, req)
	case models.ModalityVision:
		return r.backend.Vision(ctx, h, req)
	case models.ModalityImage:
		return r.backend.Image(ctx, h, req)
	case models.ModalitySpeechToText:
		return r.backend.Transcribe(ctx, h, req)
	case models.ModalityTextToSpeech:
		return r.backend.Speak(ctx, h, req)
	default:
		return backend.Output{}, fmt.Errorf("unsupported modality %q", h.Model.Modality)
	}
}

// validate checks the payload a modality needs before the model is touched.
func validate(m models.Modality, req models.GenerationRequest) error {
	switch m {
	case models.ModalityVision:
		if len(req.Images) == 0 {
			return fmt.Errorf("%w: images are required for vision models", models.ErrInvalidInput)
		}
	case models.ModalitySpeechToText:
		if req.Audio == "" {
			return fmt.Errorf("%w: audio is required for speech-to-text models", models.ErrInvalidInput)
		}
	case models.ModalityText, models.ModalityCode, models.ModalityImage, models.ModalityTextToSpeech:
		if strings.TrimSpace(req.Prompt) == "" {
			return fmt.Errorf("%w: prompt is required", models.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unsupported modality %q", models.ErrInvalidInput, m)
	}
	return nil
}
