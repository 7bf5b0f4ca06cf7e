package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/pario-ai/relay/pkg/app"
	"github.com/pario-ai/relay/pkg/models"
)

// UsageSummarizer aggregates usage history.
type UsageSummarizer interface {
	Summary(ctx context.Context, provider models.Provider) ([]models.UsageSummary, error)
}

// CacheStatter provides cache statistics without coupling to a concrete cache implementation.
type CacheStatter interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

// BudgetReporter reports the remote spend window.
type BudgetReporter interface {
	Status() models.BudgetStatus
}

// Decider previews a routing decision without running it.
type Decider interface {
	Decide(req models.RoutingRequest) (models.Decision, error)
}

// MemorySearcher runs similarity search over stored memories.
type MemorySearcher interface {
	Retrieve(ctx context.Context, query string, filter models.MemoryFilter, limit int) ([]models.ScoredMemory, error)
}

// AuditSearcher queries the audit log.
type AuditSearcher interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
}

// Deps are the collaborators tools read from. Nil fields report the
// feature as not configured.
type Deps struct {
	Usage  UsageSummarizer
	Cache  CacheStatter
	Budget BudgetReporter
	Router Decider
	Models func() []models.ModelStatus
	Memory MemorySearcher
	Audit  AuditSearcher
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	version string
}

// New creates a new MCP Server.
func New(deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{deps: deps, logger: logger, version: version}
}

// FromApp exposes an application context over MCP.
func FromApp(a *app.App, version string) *Server {
	d := Deps{
		Usage:  a.Tracker,
		Budget: a.Ledger,
		Router: a.Router,
		Models: a.Models,
	}
	// Disabled stores stay nil interfaces.
	if a.Cache != nil {
		d.Cache = a.Cache
	}
	if a.Memory != nil {
		d.Memory = a.Memory
	}
	if a.Audit != nil {
		d.Audit = a.Audit
	}
	return New(d, a.Logger, version)
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil {
			// notification
			continue
		}
		s.writeResponse(w, *resp)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)},
		}
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      ServerInfo{Name: "relay", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
			Instructions:    "Inspect the relay: usage, budget, models, routing previews, memory and audit search.",
		},
	}
}

func (s *Server) handleToolsList(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  ToolsListResult{Tools: allTools},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeInvalidParams, Message: "invalid params"},
		}
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  errorResult(fmt.Sprintf("unknown tool: %s", params.Name)),
		}
	}

	s.logger.Debug("mcp tool call", "tool", params.Name)
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  handler(ctx, s, params.Arguments),
	}
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal failed", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp write failed", "error", err)
	}
}
