package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pario-ai/relay/pkg/app"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testConfig = `
local:
  gpu_memory_gb: 24
  engine: echo
  models:
    text:
      - name: small
        vram_required_gb: 8
    image:
      - name: sdxl
        vram_required_gb: 12
    speech_to_text:
      - name: whisper
        vram_required_gb: 2
    text_to_speech:
      - name: bark
        vram_required_gb: 2
    vision:
      - name: huge
        vram_required_gb: 48
remote:
  models:
    - name: big
      model_id: org/big
      cost_per_1m_tokens: 1
routing:
  task_mapping:
    chat:
      - provider: local
        model: small
      - provider: remote
        model: big
    image_generation:
      - provider: local
        model: sdxl
    speech_to_text:
      - provider: local
        model: whisper
    text_to_speech:
      - provider: local
        model: bark
memory:
  dimensions: 64
`

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig), config.Env{})
	require.NoError(t, err)
	cfg.DBPath = filepath.Join(t.TempDir(), "relay.db")
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })
	return New(a)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[struct {
		Status     string          `json:"status"`
		Components map[string]bool `json:"components"`
	}](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Components["memory"])
	assert.False(t, body.Components["restricted"])
}

func TestGenerateRoutesLocal(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/generate", map[string]any{"prompt": "hi there"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[models.Response](t, rec)
	assert.Equal(t, "[small] hi there", resp.Text)
	assert.Equal(t, models.ProviderLocal, resp.Provider)
	assert.Equal(t, models.OutcomeOK, resp.Outcome)
	assert.Equal(t, "chat", resp.Metadata["task_type"])
	assert.NotEmpty(t, resp.Metadata["request_id"])
}

func TestChatPersistsConversation(t *testing.T) {
	s := newTestServer(t, nil)
	for _, p := range []string{"first", "second"} {
		rec := do(t, s, http.MethodPost, "/api/chat", map[string]any{
			"prompt":          p,
			"conversation_id": "c1",
			"user_id":         "u1",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := do(t, s, http.MethodGet, "/api/memory/conversation/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		History []models.ConversationTurn `json:"history"`
	}](t, rec)
	require.Len(t, body.History, 2)
	assert.Equal(t, "first", body.History[0].UserMessage)
	assert.Equal(t, "[small] second", body.History[1].AIResponse)
	assert.Equal(t, "small", body.History[1].Model)

	rec = do(t, s, http.MethodGet, "/api/memory/conversation/c1?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody[struct {
		History []models.ConversationTurn `json:"history"`
	}](t, rec)
	require.Len(t, body.History, 1)
	assert.Equal(t, "second", body.History[0].UserMessage)

	rec = do(t, s, http.MethodGet, "/api/memory/conversation/c1?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateDoesNotPersist(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/generate", map[string]any{"prompt": "x", "conversation_id": "c2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/memory/conversation/c2", nil)
	body := decodeBody[struct {
		History []models.ConversationTurn `json:"history"`
	}](t, rec)
	assert.Empty(t, body.History)
}

func TestModalityEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		path string
		body map[string]any
		want string
	}{
		{"/api/image", map[string]any{"prompt": "a cat"}, "[sdxl] image of a cat"},
		{"/api/speech-to-text", map[string]any{"audio_path": "/tmp/clip.wav"}, "[whisper] transcript of clip.wav"},
		{"/api/text-to-speech", map[string]any{"text": "hello"}, "[bark] speech of hello"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.want, decodeBody[models.Response](t, rec).Text)
		})
	}

	rec := do(t, s, http.MethodPost, "/api/speech-to-text", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoteSoftFailure(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/chat", map[string]any{"prompt": "x", "force_provider": "together"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[models.Response](t, rec)
	assert.Equal(t, models.ProviderRemote, resp.Provider)
	assert.Equal(t, models.OutcomeTransportError, resp.Outcome)
	assert.NotEmpty(t, resp.Error)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown provider", http.MethodPost, "/api/chat", map[string]any{"prompt": "x", "force_provider": "cloud"}, http.StatusBadRequest},
		{"unknown task", http.MethodPost, "/api/chat", map[string]any{"prompt": "x", "task_type": "poetry"}, http.StatusBadRequest},
		{"no candidate", http.MethodPost, "/api/chat", map[string]any{"prompt": "x", "task_type": "code"}, http.StatusServiceUnavailable},
		{"bad json", http.MethodPost, "/api/chat", "not an object", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/chat", nil, http.StatusMethodNotAllowed},
		{"load unknown", http.MethodPost, "/api/models/ghost/load", nil, http.StatusNotFound},
		{"load remote", http.MethodPost, "/api/models/big/load", nil, http.StatusBadRequest},
		{"load too big", http.MethodPost, "/api/models/huge/load", nil, http.StatusInsufficientStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrModelNotFound, http.StatusNotFound},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrUnsupportedProvider, http.StatusBadRequest},
		{models.ErrNoModelAvailable, http.StatusServiceUnavailable},
		{models.ErrBackendFailure, http.StatusBadGateway},
		{models.ErrInsufficientVRAM, http.StatusInsufficientStorage},
		{fmt.Errorf("%w: %w", models.ErrBackendFailure, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestModelsLoadUnload(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/models/small/load", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Models        []models.ModelStatus `json:"models"`
		GPUReservedGB float64              `json:"gpu_reserved_gb"`
	}](t, rec)
	assert.Len(t, body.Models, 6)
	assert.InDelta(t, 8, body.GPUReservedGB, 0.01)
	for _, m := range body.Models {
		if m.Name == "small" {
			assert.True(t, m.Loaded)
		}
	}

	rec = do(t, s, http.MethodPost, "/api/models/small/unload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, s.app.VRAM.ReservedGB())
}

func TestBudget(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	st := decodeBody[models.BudgetStatus](t, rec)
	assert.Equal(t, 10.0, st.Cap)
	assert.Equal(t, 10.0, st.Remaining)
}

func TestMemoryStoreAndRetrieve(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/memory/store", map[string]any{
		"text":    "the deploy key rotates every monday",
		"user_id": "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody[map[string]string](t, rec)["memory_id"])

	do(t, s, http.MethodPost, "/api/memory/store", map[string]any{"text": "lunch is at noon", "user_id": "u1"})

	rec = do(t, s, http.MethodPost, "/api/memory/retrieve", map[string]any{
		"query":   "when does the deploy key rotate",
		"user_id": "u1",
		"limit":   1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Memories []models.ScoredMemory `json:"memories"`
	}](t, rec)
	require.Len(t, body.Memories, 1)
	assert.Contains(t, body.Memories[0].Content, "deploy key")

	rec = do(t, s, http.MethodPost, "/api/memory/store", map[string]any{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFiles(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/files", map[string]any{
		"name":    "runbook.md",
		"user_id": "u1",
		"text":    "restart the ingest worker when the queue backs up",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decodeBody[map[string]string](t, rec)["file_id"]
	require.NotEmpty(t, id)

	rec = do(t, s, http.MethodGet, "/api/files/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "runbook.md", decodeBody[models.FileRecord](t, rec).Name)

	rec = do(t, s, http.MethodPost, "/api/files/search", map[string]any{"query": "ingest queue", "user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Files []models.FileRecord `json:"files"`
	}](t, rec)
	require.Len(t, body.Files, 1)
	assert.Equal(t, id, body.Files[0].ID)

	rec = do(t, s, http.MethodGet, "/api/files/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/files", map[string]any{"text": "no name"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreferences(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/users/u1/preferences/tone", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/users/u1/preferences/tone", map[string]any{"value": "terse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/users/u1/preferences/tone", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "terse", decodeBody[map[string]string](t, rec)["value"])

	rec = do(t, s, http.MethodGet, "/api/users/u1/preferences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	prefs := decodeBody[struct {
		Preferences map[string]string `json:"preferences"`
	}](t, rec)
	assert.Equal(t, map[string]string{"tone": "terse"}, prefs.Preferences)
}

func TestMemoryDisabled(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Memory.Enabled = false })

	rec := do(t, s, http.MethodPost, "/api/memory/retrieve", map[string]any{"query": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/chat", map[string]any{"prompt": "x", "conversation_id": "c"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.CORSOrigins = []string{"http://localhost:5173"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestListenAndServeShutdown(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Listen = "127.0.0.1:0" })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
