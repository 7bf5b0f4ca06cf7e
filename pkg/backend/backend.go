// Package backend adapts local inference servers to a single interface the
// model registries drive.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pario-ai/relay/pkg/models"
)

// ErrUnsupported is returned when a backend cannot serve a modality.
var ErrUnsupported = errors.New("operation not supported by backend")

// Handle references a model resident in a backend.
type Handle struct {
	Model models.ModelDescriptor
	Ref   string
}

// Output is what a modality call produces.
type Output struct {
	Text             string
	ArtifactPath     string
	PromptTokens     int
	CompletionTokens int
}

// Backend performs model loading and inference.
type Backend interface {
	Load(ctx context.Context, desc models.ModelDescriptor) (*Handle, error)
	Unload(ctx context.Context, h *Handle) error
	Text(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error)
	Vision(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error)
	Image(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error)
	Transcribe(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error)
	Speak(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error)
}

// Mux dispatches to a Backend by the descriptor's engine name.
type Mux map[string]Backend

func (m Mux) pick(engine string) (Backend, error) {
	b, ok := m[engine]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
	return b, nil
}

// Load implements Backend.
func (m Mux) Load(ctx context.Context, desc models.ModelDescriptor) (*Handle, error) {
	b, err := m.pick(desc.Engine)
	if err != nil {
		return nil, err
	}
	return b.Load(ctx, desc)
}

// Unload implements Backend.
func (m Mux) Unload(ctx context.Context, h *Handle) error {
	b, err := m.pick(h.Model.Engine)
	if err != nil {
		return err
	}
	return b.Unload(ctx, h)
}

// Text implements Backend.
func (m Mux) Text(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	b, err := m.pick(h.Model.Engine)
	if err != nil {
		return Output{}, err
	}
	return b.Text(ctx, h, req)
}

// Vision implements Backend.
func (m Mux) Vision(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	b, err := m.pick(h.Model.Engine)
	if err != nil {
		return Output{}, err
	}
	return b.Vision(ctx, h, req)
}

// Image implements Backend.
func (m Mux) Image(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	b, err := m.pick(h.Model.Engine)
	if err != nil {
		return Output{}, err
	}
	return b.Image(ctx, h, req)
}

// Transcribe implements Backend.
func (m Mux) Transcribe(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	b, err := m.pick(h.Model.Engine)
	if err != nil {
		return Output{}, err
	}
	return b.Transcribe(ctx, h, req)
}

// Speak implements Backend.
func (m Mux) Speak(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	b, err := m.pick(h.Model.Engine)
	if err != nil {
		return Output{}, err
	}
	return b.Speak(ctx, h, req)
}

// postJSON sends in as a JSON body to url and decodes the reply into out.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
