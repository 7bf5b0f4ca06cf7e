package models

import "time"

// GenerationParams controls sampling for a single call.
type GenerationParams struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Stream      bool    `json:"stream"`
}

// DefaultParams returns the parameters used when a caller leaves them unset.
func DefaultParams() GenerationParams {
	return GenerationParams{MaxTokens: 2048, Temperature: 0.7, TopP: 0.9}
}

// GenerationRequest is the modality-independent input to a model call.
// Images and Audio are file paths.
type GenerationRequest struct {
	Prompt       string           `json:"prompt"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Params       GenerationParams `json:"params"`
	Images       []string         `json:"images,omitempty"`
	Audio        string           `json:"audio,omitempty"`
}

// RoutingRequest is a generation request plus the inputs routing decides on.
type RoutingRequest struct {
	GenerationRequest
	Task           TaskCategory `json:"task_type"`
	Provider       Provider     `json:"force_provider,omitempty"`
	UserID         string       `json:"user_id,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
}

// Decision is the routing engine's choice for one request.
type Decision struct {
	Model    string   `json:"model"`
	Provider Provider `json:"provider"`
	Reason   string   `json:"reason"`
}

// Outcome distinguishes a real generation from a soft-failed one.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeDisabled       Outcome = "disabled"
	OutcomeTransportError Outcome = "transport_error"
	// OutcomeFailed marks usage and audit records of calls that returned an error.
	OutcomeFailed         Outcome = "failed"
)

// GenerationResult is the uniform shape every gateway returns.
type GenerationResult struct {
	Text             string        `json:"text"`
	ArtifactPath     string        `json:"artifact_path,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TokensUsed       int           `json:"tokens_used"`
	Cost             float64       `json:"cost"`
	Latency          time.Duration `json:"latency"`
	Outcome          Outcome       `json:"outcome"`
	Error            string        `json:"error,omitempty"`
}

// Response is what a routed call returns to the caller.
type Response struct {
	Text       string         `json:"text"`
	ModelUsed  string         `json:"model_used"`
	Provider   Provider       `json:"provider"`
	TokensUsed int            `json:"tokens_used"`
	Cost       float64        `json:"cost"`
	LatencyMs  int64          `json:"latency_ms"`
	Outcome    Outcome        `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatCompletionResponse is an OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}
