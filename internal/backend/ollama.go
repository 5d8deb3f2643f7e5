package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"strings"
)

const DefaultOllamaURL = "http://localhost:11434"

// Ollama talks to the native Ollama REST API (/api/tags, /api/generate).
type Ollama struct {
	baseURL          string
	client           *http.Client
	maxResponseBytes int64
}

func NewOllama(baseURL string, client *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if client == nil {
		client = &http.Client{}
	}

	return &Ollama{
		baseURL:          strings.TrimRight(baseURL, "/"),
		client:           client,
		maxResponseBytes: 1 << 20,
	}
}

type ollamaTags struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create tags request: %w", err)
	}

	body, err := o.do(ctx, "list models", req)
	if err != nil {
		return nil, err
	}

	var tags ollamaTags
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w: %w", ErrModel, err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		if name != "" {
			names = append(names, name)
		}
	}

	log.Debug("Ollama models", "models", names)
	return names, nil
}

func (o *Ollama) Generate(ctx context.Context, model, prompt string, opt Options) (string, error) {
	options := map[string]any{}
	if opt.Temperature > 0 {
		options["temperature"] = opt.Temperature
	}
	if opt.MaxTokens > 0 {
		options["num_predict"] = opt.MaxTokens
	}

	payload, err := json.Marshal(ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := o.do(ctx, "generate", req)
	if err != nil {
		return "", err
	}

	var out ollamaGenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode generate response: %w: %w", ErrModel, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("generate %s: %w: %s", model, ErrModel, out.Error)
	}

	return out.Response, nil
}

func (o *Ollama) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, transportErr(ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, o.maxResponseBytes+1))
	if err != nil {
		return nil, transportErr(ctx, op, err)
	}
	if int64(len(body)) > o.maxResponseBytes {
		return nil, fmt.Errorf("%s: %w: response exceeded %d bytes", op, ErrModel, o.maxResponseBytes)
	}

	if resp.StatusCode >= 400 {
		var e ollamaGenerateResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, fmt.Errorf("%s: %w: status %d: %s", op, ErrModel, resp.StatusCode, msg)
	}

	return body, nil
}
