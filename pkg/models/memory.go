package models

import "time"

// Memory types written by the router and the API.
const (
	MemoryGeneral      = "general"
	MemoryConversation = "conversation"
	MemoryDocument     = "document"
)

// MemoryRecord is one stored piece of text with its metadata.
type MemoryRecord struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Type      string            `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ScoredMemory is a retrieval hit.
type ScoredMemory struct {
	MemoryRecord
	Similarity float64 `json:"similarity"`
}

// MemoryFilter narrows a retrieval. Empty fields match everything.
type MemoryFilter struct {
	UserID string
	Type   string
}

// ConversationTurn is one user/assistant exchange.
type ConversationTurn struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	UserMessage    string    `json:"user_message"`
	AIResponse     string    `json:"ai_response"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileRecord describes a file stored in the document library.
type FileRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}
