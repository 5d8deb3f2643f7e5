package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAI drives any OpenAI-compatible local server (llama.cpp server,
// LM Studio, Ollama's /v1 endpoint).
type OpenAI struct {
	client openai.Client
}

func NewOpenAI(baseURL, apiKey string, httpClient *http.Client) *OpenAI {
	if apiKey == "" {
		// local servers ignore the key but the header must be present
		apiKey = "local"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &OpenAI{client: openai.NewClient(opts...)}
}

func (o *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	iter := o.client.Models.ListAutoPaging(ctx)

	var ids []string
	for iter.Next() {
		ids = append(ids, iter.Current().ID)
	}
	if err := iter.Err(); err != nil {
		return nil, o.wrap(ctx, "list models", err)
	}

	return ids, nil
}

func (o *OpenAI) Generate(ctx context.Context, model, prompt string, opt Options) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(model),
	}
	if opt.Temperature > 0 {
		params.Temperature = openai.Float(opt.Temperature)
	}
	if opt.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opt.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", o.wrap(ctx, "chat completion", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: %w: no choices in response", ErrModel)
	}

	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) wrap(ctx context.Context, op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w: status %d: %w", op, ErrModel, apiErr.StatusCode, err)
	}
	return transportErr(ctx, op, err)
}
