// Package remote calls an OpenAI-compatible hosted inference provider.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var million = decimal.NewFromInt(1_000_000)

// Gateway maps configured model names to provider ids and issues one
// request per call. Transport and HTTP failures come back as
// OutcomeTransportError results, never as errors.
type Gateway struct {
	baseURL string
	apiKey  string
	models  map[string]models.ModelDescriptor
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Gateway. A nil client uses http.DefaultClient.
func New(cfg config.RemoteConfig, client *http.Client, logger *slog.Logger) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	g := &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		models:  make(map[string]models.ModelDescriptor, len(cfg.Models)),
		client:  client,
		timeout: cfg.Timeout,
		logger:  logger.With("provider", "remote"),
	}
	for _, d := range cfg.Models {
		g.models[d.Name] = d
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	if g.apiKey == "" {
		g.logger.Warn("remote api key not set, remote calls will fail")
	}
	return g
}

// Has reports whether name is a configured remote model.
func (g *Gateway) Has(name string) bool {
	_, ok := g.models[name]
	return ok
}

// ModelID returns the provider identifier for name.
func (g *Gateway) ModelID(name string) (string, error) {
	d, ok := g.models[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrModelNotFound, name)
	}
	return d.ModelID, nil
}

// Cost prices a call to name: (prompt+completion) / 1e6 x cost per million.
func (g *Gateway) Cost(name string, promptTokens, completionTokens int) float64 {
	d, ok := g.models[name]
	if !ok {
		return 0
	}
	total := decimal.NewFromInt(int64(promptTokens + completionTokens))
	return total.Div(million).Mul(decimal.NewFromFloat(d.CostPerMillion)).InexactFloat64()
}

// Status reports every remote model, sorted by name.
func (g *Gateway) Status() []models.ModelStatus {
	out := make([]models.ModelStatus, 0, len(g.models))
	for _, d := range g.models {
		out = append(out, models.ModelStatus{
			Name:     d.Name,
			Provider: models.ProviderRemote,
			Modality: d.Modality,
			CanRun:   true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Generate sends one chat completion request for name. The only error it
// returns is ErrModelNotFound.
func (g *Gateway) Generate(ctx context.Context, name string, req models.GenerationRequest) (models.GenerationResult, error) {
	modelID, err := g.ModelID(name)
	if err != nil {
		return models.GenerationResult{}, err
	}

	start := time.Now()
	resp, err := g.complete(ctx, modelID, req)
	latency := time.Since(start)
	if err != nil {
		g.logger.Error("remote call failed", "model", name, "model_id", modelID, "error", err)
		return models.GenerationResult{
			Latency: latency,
			Outcome: models.OutcomeTransportError,
			Error:   err.Error(),
		}, nil
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	var prompt, completion int
	if resp.Usage != nil {
		prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}

	return models.GenerationResult{
		Text:             text,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TokensUsed:       prompt + completion,
		Cost:             g.Cost(name, prompt, completion),
		Latency:          latency,
		Outcome:          models.OutcomeOK,
	}, nil
}

func (g *Gateway) complete(ctx context.Context, modelID string, req models.GenerationRequest) (*models.ChatCompletionResponse, error) {
	if g.apiKey == "" {
		return nil, errors.New("remote api key not configured")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var messages []models.ChatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, models.ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, models.ChatMessage{Role: "user", Content: req.Prompt})

	body := models.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: &req.Params.Temperature,
		TopP:        &req.Params.TopP,
	}
	if req.Params.MaxTokens > 0 {
		body.MaxTokens = &req.Params.MaxTokens
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d: %s", httpResp.StatusCode, truncate(respBody, 256))
	}

	var out models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// RemoteModel is an entry of the provider's model catalogue.
type RemoteModel struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name,omitempty"`
	Type          string `json:"type,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

// ListModels fetches the provider's catalogue. Both a bare JSON array and an
// object with a data array are accepted.
func (g *Gateway) ListModels(ctx context.Context) ([]RemoteModel, error) {
	if g.apiKey == "" {
		return nil, errors.New("remote api key not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: upstream status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	body = bytes.TrimSpace(body)
	var list []RemoteModel
	if len(body) > 0 && body[0] == '[' {
		err = json.Unmarshal(body, &list)
	} else {
		var wrapped struct {
			Data []RemoteModel `json:"data"`
		}
		err = json.Unmarshal(body, &wrapped)
		list = wrapped.Data
	}
	if err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return list, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
