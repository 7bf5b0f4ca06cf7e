package models

import "time"

// AuditEntry represents a single routed request and its response.
type AuditEntry struct {
	RequestID  string       `json:"request_id"`
	UserHash   string       `json:"user_hash"`
	UserPrefix string       `json:"user_prefix"`
	Task       TaskCategory `json:"task"`
	Model      string       `json:"model"`
	Provider   Provider     `json:"provider"`
	Reason     string       `json:"reason,omitempty"`
	Prompt     string       `json:"prompt,omitempty"`
	Response   string       `json:"response,omitempty"`
	Outcome    Outcome      `json:"outcome"`
	Error      string       `json:"error,omitempty"`
	TokensUsed int          `json:"tokens_used"`
	Cost       float64      `json:"cost"`
	LatencyMs  int64        `json:"latency_ms"`
	CreatedAt  time.Time    `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	Include       []string `yaml:"include"` // "prompts", "responses"
	ExcludeModels []string `yaml:"exclude_models"`
	MaxBodySize   int      `yaml:"max_body_size"` // bytes
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Model      string
	Provider   Provider
	Since      time.Time
	UserPrefix string
	RequestID  string
	Limit      int
}

// AuditStat holds aggregate audit counts for a provider/model/day combination.
type AuditStat struct {
	Provider Provider
	Model    string
	Day      string
	Count    int
}
