package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/pario-ai/relay/pkg/models"
)

// Ollama serves text, code and vision models from an Ollama server.
// Residency is controlled with keep_alive: -1 pins a model, 0 evicts it.
type Ollama struct {
	baseURL string
	client  *http.Client
}

// NewOllama creates an Ollama backend. A nil client uses http.DefaultClient.
func NewOllama(baseURL string, client *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Ollama{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
}

type ollamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt,omitempty"`
	System    string         `json:"system,omitempty"`
	Images    []string       `json:"images,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive *int           `json:"keep_alive,omitempty"`
	Options   *ollamaOptions `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func keepAlive(v int) *int { return &v }

// Load pins the model in memory.
func (o *Ollama) Load(ctx context.Context, desc models.ModelDescriptor) (*Handle, error) {
	ref := desc.Ref()
	req := ollamaGenerateRequest{Model: ref, KeepAlive: keepAlive(-1)}
	if err := postJSON(ctx, o.client, o.baseURL+"/api/generate", req, nil); err != nil {
		return nil, fmt.Errorf("ollama load %s: %w", ref, err)
	}
	return &Handle{Model: desc, Ref: ref}, nil
}

// Unload evicts the model.
func (o *Ollama) Unload(ctx context.Context, h *Handle) error {
	req := ollamaGenerateRequest{Model: h.Ref, KeepAlive: keepAlive(0)}
	if err := postJSON(ctx, o.client, o.baseURL+"/api/generate", req, nil); err != nil {
		return fmt.Errorf("ollama unload %s: %w", h.Ref, err)
	}
	return nil
}

// Text generates a completion.
func (o *Ollama) Text(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	return o.generate(ctx, h, req, nil)
}

// Vision generates a completion conditioned on the request's images.
func (o *Ollama) Vision(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	images := make([]string, 0, len(req.Images))
	for _, p := range req.Images {
		data, err := os.ReadFile(p)
		if err != nil {
			return Output{}, fmt.Errorf("read image: %w", err)
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}
	return o.generate(ctx, h, req, images)
}

// Image is not served by Ollama.
func (o *Ollama) Image(context.Context, *Handle, models.GenerationRequest) (Output, error) {
	return Output{}, fmt.Errorf("ollama image generation: %w", ErrUnsupported)
}

// Transcribe is not served by Ollama.
func (o *Ollama) Transcribe(context.Context, *Handle, models.GenerationRequest) (Output, error) {
	return Output{}, fmt.Errorf("ollama transcription: %w", ErrUnsupported)
}

// Speak is not served by Ollama.
func (o *Ollama) Speak(context.Context, *Handle, models.GenerationRequest) (Output, error) {
	return Output{}, fmt.Errorf("ollama speech synthesis: %w", ErrUnsupported)
}

func (o *Ollama) generate(ctx context.Context, h *Handle, req models.GenerationRequest, images []string) (Output, error) {
	body := ollamaGenerateRequest{
		Model:     h.Ref,
		Prompt:    req.Prompt,
		System:    req.SystemPrompt,
		Images:    images,
		KeepAlive: keepAlive(-1),
		Options: &ollamaOptions{
			NumPredict:  req.Params.MaxTokens,
			Temperature: req.Params.Temperature,
			TopP:        req.Params.TopP,
		},
	}
	var resp ollamaGenerateResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/generate", body, &resp); err != nil {
		return Output{}, fmt.Errorf("ollama generate %s: %w", h.Ref, err)
	}
	return Output{
		Text:             resp.Response,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding of text under model.
func (o *Ollama) Embed(ctx context.Context, model, text string) ([]float64, error) {
	var resp ollamaEmbedResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/embeddings", ollamaEmbedRequest{Model: model, Prompt: text}, &resp); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama embed: empty embedding")
	}
	return resp.Embedding, nil
}
