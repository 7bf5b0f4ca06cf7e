package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord tracks one routed request.
type UsageRecord struct {
	ID        int64        `json:"id"`
	RequestID string       `json:"request_id"`
	UserID    string       `json:"user_id,omitempty"`
	Task      TaskCategory `json:"task"`
	Provider  Provider     `json:"provider"`
	Model     string       `json:"model"`
	Tokens    int          `json:"tokens"`
	Cost      float64      `json:"cost"`
	LatencyMs int64        `json:"latency_ms"`
	Outcome   Outcome      `json:"outcome"`
	CreatedAt time.Time    `json:"created_at"`
}

// UsageSummary aggregates usage per provider and model.
type UsageSummary struct {
	Provider     Provider `json:"provider"`
	Model        string   `json:"model"`
	RequestCount int      `json:"request_count"`
	TotalTokens  int      `json:"total_tokens"`
	TotalCost    float64  `json:"total_cost"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
	Failures     int      `json:"failures"`
}
