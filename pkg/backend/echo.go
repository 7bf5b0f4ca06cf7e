package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pario-ai/relay/pkg/models"
)

// Echo is an in-process backend that answers every call by repeating its
// input. It needs no GPU and is meant for dry runs of a configuration.
type Echo struct{}

// Load implements Backend.
func (Echo) Load(_ context.Context, desc models.ModelDescriptor) (*Handle, error) {
	return &Handle{Model: desc, Ref: desc.Ref()}, nil
}

// Unload implements Backend.
func (Echo) Unload(context.Context, *Handle) error { return nil }

// Text implements Backend.
func (Echo) Text(_ context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	return echo(h, req.Prompt), nil
}

// Vision implements Backend.
func (Echo) Vision(_ context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	names := make([]string, len(req.Images))
	for i, p := range req.Images {
		names[i] = filepath.Base(p)
	}
	return echo(h, fmt.Sprintf("%s [%s]", req.Prompt, strings.Join(names, ", "))), nil
}

// Image implements Backend.
func (Echo) Image(_ context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	return echo(h, "image of "+req.Prompt), nil
}

// Transcribe implements Backend.
func (Echo) Transcribe(_ context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	return echo(h, "transcript of "+filepath.Base(req.Audio)), nil
}

// Speak implements Backend.
func (Echo) Speak(_ context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	return echo(h, "speech of "+req.Prompt), nil
}

func echo(h *Handle, text string) Output {
	return Output{
		Text:             fmt.Sprintf("[%s] %s", h.Model.Name, text),
		PromptTokens:     len(strings.Fields(text)),
		CompletionTokens: len(strings.Fields(text)) + 1,
	}
}
