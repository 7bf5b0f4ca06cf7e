package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pario-ai/relay/pkg/models"
)

// Sidecar drives a local inference server that hosts every modality behind
// a small JSON API under /v1. Binary outputs are written to artifactDir.
type Sidecar struct {
	baseURL     string
	artifactDir string
	client      *http.Client
}

// NewSidecar creates a Sidecar backend. A nil client uses http.DefaultClient.
func NewSidecar(baseURL, artifactDir string, client *http.Client) *Sidecar {
	if client == nil {
		client = http.DefaultClient
	}
	return &Sidecar{
		baseURL:     strings.TrimRight(baseURL, "/"),
		artifactDir: artifactDir,
		client:      client,
	}
}

type sidecarLoadRequest struct {
	Model        string              `json:"model"`
	Path         string              `json:"path"`
	Modality     models.Modality     `json:"modality"`
	Quantization models.Quantization `json:"quantization,omitempty"`
}

type sidecarLoadResponse struct {
	Handle string `json:"handle"`
}

type sidecarGenerateRequest struct {
	Handle      string   `json:"handle"`
	Prompt      string   `json:"prompt,omitempty"`
	System      string   `json:"system,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	Images      []string `json:"images,omitempty"`
	Audio       string   `json:"audio,omitempty"`
}

type sidecarGenerateResponse struct {
	Text             string `json:"text"`
	Data             string `json:"data,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Load asks the sidecar to bring the model into device memory.
func (s *Sidecar) Load(ctx context.Context, desc models.ModelDescriptor) (*Handle, error) {
	req := sidecarLoadRequest{
		Model:        desc.Name,
		Path:         desc.Ref(),
		Modality:     desc.Modality,
		Quantization: desc.Quantization,
	}
	var resp sidecarLoadResponse
	if err := postJSON(ctx, s.client, s.baseURL+"/v1/load", req, &resp); err != nil {
		return nil, fmt.Errorf("sidecar load %s: %w", desc.Name, err)
	}
	ref := resp.Handle
	if ref == "" {
		ref = desc.Name
	}
	return &Handle{Model: desc, Ref: ref}, nil
}

// Unload releases the model's device memory.
func (s *Sidecar) Unload(ctx context.Context, h *Handle) error {
	if err := postJSON(ctx, s.client, s.baseURL+"/v1/unload", map[string]string{"handle": h.Ref}, nil); err != nil {
		return fmt.Errorf("sidecar unload %s: %w", h.Model.Name, err)
	}
	return nil
}

// Text generates a completion.
func (s *Sidecar) Text(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	resp, err := s.call(ctx, "/v1/generate", s.request(h, req))
	if err != nil {
		return Output{}, err
	}
	return Output{Text: resp.Text, PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens}, nil
}

// Vision generates a completion conditioned on the request's images.
func (s *Sidecar) Vision(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	body := s.request(h, req)
	for _, p := range req.Images {
		data, err := os.ReadFile(p)
		if err != nil {
			return Output{}, fmt.Errorf("read image: %w", err)
		}
		body.Images = append(body.Images, base64.StdEncoding.EncodeToString(data))
	}
	resp, err := s.call(ctx, "/v1/vision", body)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: resp.Text, PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens}, nil
}

// Image renders the prompt and saves the result as a PNG artifact.
func (s *Sidecar) Image(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	resp, err := s.call(ctx, "/v1/image", s.request(h, req))
	if err != nil {
		return Output{}, err
	}
	path, err := s.saveArtifact(resp.Data, ".png")
	if err != nil {
		return Output{}, err
	}
	return Output{Text: "Image generated and saved to " + path, ArtifactPath: path}, nil
}

// Transcribe converts the request's audio file to text.
func (s *Sidecar) Transcribe(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	data, err := os.ReadFile(req.Audio)
	if err != nil {
		return Output{}, fmt.Errorf("read audio: %w", err)
	}
	body := s.request(h, req)
	body.Audio = base64.StdEncoding.EncodeToString(data)
	resp, err := s.call(ctx, "/v1/transcribe", body)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: resp.Text}, nil
}

// Speak synthesizes the prompt and saves the result as a WAV artifact.
func (s *Sidecar) Speak(ctx context.Context, h *Handle, req models.GenerationRequest) (Output, error) {
	resp, err := s.call(ctx, "/v1/speech", s.request(h, req))
	if err != nil {
		return Output{}, err
	}
	path, err := s.saveArtifact(resp.Data, ".wav")
	if err != nil {
		return Output{}, err
	}
	return Output{Text: "Speech generated and saved to " + path, ArtifactPath: path}, nil
}

func (s *Sidecar) request(h *Handle, req models.GenerationRequest) sidecarGenerateRequest {
	return sidecarGenerateRequest{
		Handle:      h.Ref,
		Prompt:      req.Prompt,
		System:      req.SystemPrompt,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
	}
}

func (s *Sidecar) call(ctx context.Context, path string, body sidecarGenerateRequest) (sidecarGenerateResponse, error) {
	var resp sidecarGenerateResponse
	if err := postJSON(ctx, s.client, s.baseURL+path, body, &resp); err != nil {
		return resp, fmt.Errorf("sidecar %s: %w", path, err)
	}
	return resp, nil
}

func (s *Sidecar) saveArtifact(encoded, ext string) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("sidecar returned no artifact data")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode artifact: %w", err)
	}
	if err := os.MkdirAll(s.artifactDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(s.artifactDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
