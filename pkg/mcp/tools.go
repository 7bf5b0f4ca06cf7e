package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/relay/pkg/audit"
	"github.com/pario-ai/relay/pkg/memory"
	"github.com/pario-ai/relay/pkg/models"
)

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"relay_stats":         handleStats,
	"relay_budget":        handleBudget,
	"relay_models":        handleModels,
	"relay_route":         handleRoute,
	"relay_memory_search": handleMemorySearch,
	"relay_audit_search":  handleAuditSearch,
	"relay_cache_stats":   handleCacheStats,
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "relay_stats",
		Description: "Show request counts, tokens, cost and latency per provider and model.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": stringProp("Filter by provider: local, remote or restricted (optional)"),
			},
		},
	},
	{
		Name:        "relay_budget",
		Description: "Show remote API spend in the current 24 hour window against the daily cap.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "relay_models",
		Description: "List every configured model with its provider, VRAM need and load state.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "relay_route",
		Description: "Preview which model and provider a request would be routed to, without running it.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"prompt"},
			"properties": map[string]any{
				"prompt":         stringProp("The prompt to route"),
				"task_type":      stringProp("Task category, defaults to chat"),
				"force_provider": stringProp("Provider override (optional)"),
			},
		},
	},
	{
		Name:        "relay_memory_search",
		Description: "Search stored memories by similarity to a query.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"query"},
			"properties": map[string]any{
				"query":       stringProp("Text to search for"),
				"user_id":     stringProp("Only memories of this user (optional)"),
				"memory_type": stringProp("Only memories of this type (optional)"),
				"limit":       map[string]any{"type": "integer", "description": "Max hits, defaults to 5"},
			},
		},
	},
	{
		Name:        "relay_audit_search",
		Description: "Search the prompt/response audit log with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model":      stringProp("Filter by model (optional)"),
				"provider":   stringProp("Filter by provider (optional)"),
				"since":      stringProp("Start date in YYYY-MM-DD format (optional)"),
				"user_id":    stringProp("Filter by user (optional)"),
				"request_id": stringProp("Filter by request ID (optional)"),
			},
		},
	},
	{
		Name:        "relay_cache_stats",
		Description: "Show prompt cache statistics (entries, hits, misses, hit rate).",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleStats(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Usage == nil {
		return textResult("Usage tracking is not configured.")
	}
	var args struct {
		Provider string `json:"provider"`
	}
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	p, err := models.ParseProvider(args.Provider)
	if err != nil {
		return errorResult(err.Error())
	}
	rows, err := s.deps.Usage.Summary(ctx, p)
	if err != nil {
		return errorResult("Error fetching stats: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

func handleBudget(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Budget == nil {
		return textResult("Budget tracking is not configured.")
	}
	return textResult(formatBudgetStatus(s.deps.Budget.Status()))
}

func handleModels(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Models == nil {
		return textResult("Model registry is not configured.")
	}
	return textResult(formatModels(s.deps.Models()))
}

type routeArgs struct {
	Prompt        string `json:"prompt"`
	TaskType      string `json:"task_type"`
	ForceProvider string `json:"force_provider"`
}

func handleRoute(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Router == nil {
		return textResult("Router is not configured.")
	}
	var args routeArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Prompt == "" {
		return errorResult("prompt is required")
	}
	p, err := models.ParseProvider(args.ForceProvider)
	if err != nil {
		return errorResult(err.Error())
	}
	d, err := s.deps.Router.Decide(models.RoutingRequest{
		GenerationRequest: models.GenerationRequest{Prompt: args.Prompt},
		Task:              models.TaskCategory(args.TaskType),
		Provider:          p,
	})
	if err != nil {
		return errorResult("No route: " + err.Error())
	}
	return textResult(formatDecision(d))
}

type memorySearchArgs struct {
	Query      string `json:"query"`
	UserID     string `json:"user_id"`
	MemoryType string `json:"memory_type"`
	Limit      int    `json:"limit"`
}

func handleMemorySearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Memory == nil {
		return textResult("Memory is not configured.")
	}
	var args memorySearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Query == "" {
		return errorResult("query is required")
	}
	if args.Limit <= 0 {
		args.Limit = memory.DefaultLimit
	}
	hits, err := s.deps.Memory.Retrieve(ctx, args.Query,
		models.MemoryFilter{UserID: args.UserID, Type: args.MemoryType}, args.Limit)
	if err != nil {
		return errorResult("Error searching memory: " + err.Error())
	}
	return textResult(formatMemories(hits))
}

type auditSearchArgs struct {
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	Since     string `json:"since"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Audit == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	p, err := models.ParseProvider(args.Provider)
	if err != nil {
		return errorResult(err.Error())
	}

	opts := models.AuditQueryOpts{
		Model:     args.Model,
		Provider:  p,
		RequestID: args.RequestID,
		Limit:     50,
	}
	if args.UserID != "" {
		_, opts.UserPrefix = audit.HashUserID(args.UserID)
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.deps.Audit.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Cache == nil {
		return textResult("Cache is not configured.")
	}
	stats, err := s.deps.Cache.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}
