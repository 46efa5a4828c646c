package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// openAIMaxResponseBytes bounds how much of a provider response is read.
const openAIMaxResponseBytes = 4 << 20

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	BaseURL    string // e.g. https://api.openai.com/v1
	APIKey     string
	EmbedModel string // e.g. text-embedding-3-small
	Dimension  int    // requested embedding width, must match the schema
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAI talks to an OpenAI-compatible REST API. One HTTP request per
// embedding or generation call; embedding responses carry authoritative
// token usage.
type OpenAI struct {
	baseURL    string
	apiKey     string
	embedModel string
	dim        int
	client     *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("openai: dimension must be positive, got %d", cfg.Dimension)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAI{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		embedModel: cfg.EmbedModel,
		dim:        cfg.Dimension,
		client:     client,
		logger:     logger,
	}, nil
}

type openAIEmbedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed requests one embedding with the configured dimensionality.
// Token usage comes from the API response and is authoritative.
func (o *OpenAI) Embed(ctx context.Context, text string) (Embedding, error) {
	var out openAIEmbedResponse
	err := o.post(ctx, "/embeddings", openAIEmbedRequest{
		Model:      o.embedModel,
		Input:      text,
		Dimensions: o.dim,
	}, &out)
	if err != nil {
		return Embedding{}, err
	}

	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return Embedding{}, &Error{Provider: NameOpenAI, Detail: "no embedding in response"}
	}
	vec := out.Data[0].Embedding
	if len(vec) != o.dim {
		return Embedding{}, fmt.Errorf("%w: openai returned %d, schema expects %d",
			ErrDimensionMismatch, len(vec), o.dim)
	}

	return Embedding{
		Vector:      vec,
		InputTokens: out.Usage.PromptTokens,
	}, nil
}

// Model returns the configured embedding model name.
func (o *OpenAI) Model() string { return o.embedModel }

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends one chat-completion request and returns the first
// choice's text.
func (o *OpenAI) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	if req.Model == "" {
		return Generation{}, &Error{Provider: NameOpenAI, Detail: "model name is required"}
	}

	msgs := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: req.Content})

	var out openAIChatResponse
	err := o.post(ctx, "/chat/completions", openAIChatRequest{
		Model:    req.Model,
		Messages: msgs,
	}, &out)
	if err != nil {
		return Generation{}, err
	}

	if len(out.Choices) == 0 {
		return Generation{}, &Error{Provider: NameOpenAI, Detail: "no choices in response"}
	}

	return Generation{
		Text:         out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		TotalTokens:  out.Usage.TotalTokens,
	}, nil
}

// openAIErrorResponse is the error payload shape of OpenAI-compatible APIs.
type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// post sends a JSON request and decodes the JSON response into out.
// Non-2xx statuses and malformed payloads become *Error.
func (o *OpenAI) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("openai: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return &Error{Provider: NameOpenAI, Detail: "request failed: " + err.Error(), Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, openAIMaxResponseBytes))
	if err != nil {
		return &Error{Provider: NameOpenAI, Detail: "reading response: " + err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := resp.Status
		var apiErr openAIErrorResponse
		if jsonErr := json.Unmarshal(payload, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			detail = apiErr.Error.Message
		}
		o.logger.Warn("openai call failed", "path", path, "status", resp.StatusCode)
		return &Error{Provider: NameOpenAI, Detail: detail}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Provider: NameOpenAI, Detail: "malformed response payload", Err: err}
	}
	return nil
}
