// Package restricted serves policy-unfiltered local models behind an
// enablement flag.
package restricted

import (
	"context"
	"fmt"

	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/registry"
)

// DisabledText is returned in place of a generation while the gateway is off.
const DisabledText = "Restricted gateway is disabled. Set RELAY_ENABLE_RESTRICTED=true to enable."

// Gateway wraps a registry of restricted models.
type Gateway struct {
	reg          *registry.Registry
	enabled      bool
	defaultModel string
}

// New creates a Gateway. enabled is fixed for the Gateway's lifetime.
// defaultModel must name a model in reg when reg is non-empty.
func New(reg *registry.Registry, enabled bool, defaultModel string) (*Gateway, error) {
	if len(reg.Names()) > 0 && !reg.Has(defaultModel) {
		return nil, fmt.Errorf("restricted default model %q: %w", defaultModel, models.ErrModelNotFound)
	}
	return &Gateway{reg: reg, enabled: enabled, defaultModel: defaultModel}, nil
}

// Enabled reports whether the gateway serves requests.
func (g *Gateway) Enabled() bool { return g.enabled }

// DefaultModel returns the model used when a caller names none.
func (g *Gateway) DefaultModel() string { return g.defaultModel }

// Has reports whether name is a restricted model.
func (g *Gateway) Has(name string) bool { return g.reg.Has(name) }

// CanRun reports whether name fits the device.
func (g *Gateway) CanRun(name string) bool { return g.reg.CanRun(name) }

// Generate runs req on model, or on the default model when model is empty.
// While disabled it returns an OutcomeDisabled result and touches nothing.
func (g *Gateway) Generate(ctx context.Context, model string, req models.GenerationRequest) (models.GenerationResult, error) {
	if !g.enabled {
		return models.GenerationResult{
			Text:    DisabledText,
			Outcome: models.OutcomeDisabled,
		}, nil
	}
	if model == "" {
		model = g.defaultModel
	}
	return g.reg.Generate(ctx, model, req)
}

// Load makes model resident.
func (g *Gateway) Load(ctx context.Context, model string) error { return g.reg.Load(ctx, model) }

// Unload releases model.
func (g *Gateway) Unload(ctx context.Context, model string) error { return g.reg.Unload(ctx, model) }

// Status reports every restricted model.
func (g *Gateway) Status() []models.ModelStatus {
	return g.reg.Status(models.ProviderRestricted)
}

// Close unloads every resident restricted model.
func (g *Gateway) Close(ctx context.Context) error { return g.reg.Close(ctx) }
