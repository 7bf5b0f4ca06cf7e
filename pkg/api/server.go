// Package api serves the relay over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/pario-ai/relay/pkg/app"
	"github.com/pario-ai/relay/pkg/memory"
	"github.com/pario-ai/relay/pkg/models"
)

const maxBodyBytes = 4 << 20

// Server is the relay HTTP front end.
type Server struct {
	app     *app.App
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
	started time.Time
}

// New creates a Server backed by a.
func New(a *app.App) *Server {
	s := &Server{
		app:     a,
		logger:  a.Logger,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/generate", s.handleGenerate)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/image", s.handleImage)
	s.mux.HandleFunc("POST /api/speech-to-text", s.handleSpeechToText)
	s.mux.HandleFunc("POST /api/text-to-speech", s.handleTextToSpeech)
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("POST /api/models/{name}/load", s.handleLoad)
	s.mux.HandleFunc("POST /api/models/{name}/unload", s.handleUnload)
	s.mux.HandleFunc("GET /api/budget", s.handleBudget)
	s.mux.HandleFunc("POST /api/memory/store", s.handleMemoryStore)
	s.mux.HandleFunc("POST /api/memory/retrieve", s.handleMemoryRetrieve)
	s.mux.HandleFunc("GET /api/memory/conversation/{id}", s.handleConversation)
	s.mux.HandleFunc("POST /api/files", s.handleFileStore)
	s.mux.HandleFunc("POST /api/files/search", s.handleFileSearch)
	s.mux.HandleFunc("GET /api/files/{id}", s.handleFile)
	s.mux.HandleFunc("GET /api/users/{id}/preferences", s.handlePreferences)
	s.mux.HandleFunc("GET /api/users/{id}/preferences/{key}", s.handlePreference)
	s.mux.HandleFunc("PUT /api/users/{id}/preferences/{key}", s.handleSetPreference)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: a.Config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on the configured address until ctx ends, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.app.Config.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.app.Config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// generateRequest is the body of the generation endpoints.
type generateRequest struct {
	Prompt         string   `json:"prompt"`
	SystemPrompt   string   `json:"system_prompt"`
	TaskType       string   `json:"task_type"`
	MaxTokens      int      `json:"max_tokens"`
	Temperature    *float64 `json:"temperature"`
	TopP           *float64 `json:"top_p"`
	Stream         bool     `json:"stream"`
	Images         []string `json:"images"`
	Audio          string   `json:"audio"`
	ForceProvider  string   `json:"force_provider"`
	UserID         string   `json:"user_id"`
	ConversationID string   `json:"conversation_id"`
}

func (g generateRequest) routing(task models.TaskCategory) (models.RoutingRequest, error) {
	p, err := models.ParseProvider(g.ForceProvider)
	if err != nil {
		return models.RoutingRequest{}, err
	}
	if g.TaskType != "" {
		task = models.TaskCategory(g.TaskType)
	}

	params := models.DefaultParams()
	if g.MaxTokens > 0 {
		params.MaxTokens = g.MaxTokens
	}
	if g.Temperature != nil {
		params.Temperature = *g.Temperature
	}
	if g.TopP != nil {
		params.TopP = *g.TopP
	}
	params.Stream = g.Stream

	return models.RoutingRequest{
		GenerationRequest: models.GenerationRequest{
			Prompt:       g.Prompt,
			SystemPrompt: g.SystemPrompt,
			Params:       params,
			Images:       g.Images,
			Audio:        g.Audio,
		},
		Task:           task,
		Provider:       p,
		UserID:         g.UserID,
		ConversationID: g.ConversationID,
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"components": map[string]bool{
			"router":     s.app.Router != nil,
			"memory":     s.app.Memory != nil,
			"cache":      s.app.Cache != nil,
			"audit":      s.app.Audit != nil,
			"restricted": s.app.Restricted.Enabled(),
		},
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !s.decode(w, r, &body) {
		return
	}
	s.route(w, r, body, models.TaskChat, false)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !s.decode(w, r, &body) {
		return
	}
	s.route(w, r, body, models.TaskChat, true)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt        string `json:"prompt"`
		ForceProvider string `json:"force_provider"`
		UserID        string `json:"user_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.route(w, r, generateRequest{
		Prompt:        body.Prompt,
		ForceProvider: body.ForceProvider,
		UserID:        body.UserID,
	}, models.TaskImageGeneration, false)
}

func (s *Server) handleSpeechToText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AudioPath string `json:"audio_path"`
		UserID    string `json:"user_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.AudioPath == "" {
		writeJSONError(w, http.StatusBadRequest, "audio_path is required")
		return
	}
	s.route(w, r, generateRequest{
		Prompt: "Transcribe the audio",
		Audio:  body.AudioPath,
		UserID: body.UserID,
	}, models.TaskSpeechToText, false)
}

func (s *Server) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text   string `json:"text"`
		UserID string `json:"user_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.route(w, r, generateRequest{Prompt: body.Text, UserID: body.UserID}, models.TaskTextToSpeech, false)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, body generateRequest, task models.TaskCategory, persist bool) {
	req, err := body.routing(task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.app.Router.Route(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if persist && s.app.Memory != nil && req.ConversationID != "" && resp.Outcome == models.OutcomeOK {
		err := s.app.Memory.StoreConversation(context.WithoutCancel(r.Context()), models.ConversationTurn{
			ConversationID: req.ConversationID,
			UserID:         req.UserID,
			UserMessage:    req.Prompt,
			AIResponse:     resp.Text,
			Model:          resp.ModelUsed,
		})
		if err != nil {
			s.logger.Warn("storing conversation turn", "conversation_id", req.ConversationID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":           s.app.Models(),
		"gpu_memory_gb":    s.app.VRAM.TotalGB(),
		"gpu_reserved_gb":  s.app.VRAM.ReservedGB(),
		"restricted_ready": s.app.Restricted.Enabled(),
	})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.app.LoadModel(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": name, "status": "loaded"})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.app.UnloadModel(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model": name, "status": "unloaded"})
}

func (s *Server) handleBudget(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Ledger.Status())
}

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	var body struct {
		Text       string            `json:"text"`
		Metadata   map[string]string `json:"metadata"`
		UserID     string            `json:"user_id"`
		MemoryType string            `json:"memory_type"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	id, err := s.app.Memory.StoreMemory(r.Context(), models.MemoryRecord{
		Content:  body.Text,
		Type:     body.MemoryType,
		UserID:   body.UserID,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"memory_id": id})
}

func (s *Server) handleMemoryRetrieve(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	var body struct {
		Query      string `json:"query"`
		UserID     string `json:"user_id"`
		MemoryType string `json:"memory_type"`
		Limit      int    `json:"limit"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Limit <= 0 {
		body.Limit = memory.DefaultLimit
	}
	hits, err := s.app.Memory.Retrieve(r.Context(), body.Query,
		models.MemoryFilter{UserID: body.UserID, Type: body.MemoryType}, body.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hits == nil {
		hits = []models.ScoredMemory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": hits})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	turns, err := s.app.Memory.ConversationHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if turns == nil {
		turns = []models.ConversationTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": turns})
}

func (s *Server) handleFileStore(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	var body struct {
		Name        string `json:"name"`
		ContentType string `json:"content_type"`
		UserID      string `json:"user_id"`
		Text        string `json:"text"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	id, err := s.app.Memory.StoreFile(r.Context(), models.FileRecord{
		Name:        body.Name,
		ContentType: body.ContentType,
		UserID:      body.UserID,
	}, body.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_id": id})
}

func (s *Server) handleFileSearch(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	var body struct {
		Query  string `json:"query"`
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Limit <= 0 {
		body.Limit = memory.DefaultLimit
	}
	files, err := s.app.Memory.SearchFiles(r.Context(), body.Query, body.UserID, body.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if files == nil {
		files = []models.FileRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	f, err := s.app.Memory.File(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	prefs, err := s.app.Memory.Preferences(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

func (s *Server) handlePreference(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	key := r.PathValue("key")
	v, ok, err := s.app.Memory.Preference(r.Context(), r.PathValue("id"), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("preference %q not set", key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	if !s.memoryEnabled(w) {
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	key := r.PathValue("key")
	if err := s.app.Memory.SetPreference(r.Context(), r.PathValue("id"), key, body.Value); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}

func (s *Server) memoryEnabled(w http.ResponseWriter) bool {
	if s.app.Memory == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "memory is disabled")
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("request failed", "status", code, "error", err)
	}
	writeJSONError(w, code, err.Error())
}

// statusFor maps an error to the HTTP status reported to the caller.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrModelNotFound), errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrUnsupportedProvider):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNoModelAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInsufficientVRAM):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrBackendFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"relay_error","code":%d}}`, message, code)
}
