package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
)

// OpenAIConfig configures the OpenAI-compatible HTTP client. Any
// backend that speaks /v1/chat/completions and /v1/embeddings works,
// including local gateways.
type OpenAIConfig struct {
	Host       string
	ChatModel  string
	EmbedModel string
	Dimensions int
	Timeout    time.Duration
	// AllowedHosts restricts outbound calls. Empty allows only Host.
	AllowedHosts []string
	// APIKey is sent as a bearer token when set. Defaults to the
	// OPENAI_API_KEY environment variable.
	APIKey string
}

// OpenAIClient implements ChatClient and Embedder against an
// OpenAI-compatible API.
type OpenAIClient struct {
	config  OpenAIConfig
	client  *http.Client
	allowed map[string]bool
}

var (
	_ ChatClient = (*OpenAIClient)(nil)
	_ Embedder   = (*OpenAIClient)(nil)
)

// NewOpenAIClient builds the client. The per-call deadline comes from
// the caller's context plus cfg.Timeout; the http.Client itself stays
// timeout-free so context cancellation wins.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Host == "" {
		return nil, everrors.New(everrors.ErrCodeConfigInvalid, "llm host is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	hostURL, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, everrors.Newf(everrors.ErrCodeConfigInvalid, err, "llm host %q is not a URL", cfg.Host)
	}

	allowed := map[string]bool{hostURL.Hostname(): true}
	for _, h := range cfg.AllowedHosts {
		allowed[h] = true
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}

	return &OpenAIClient{
		config:  cfg,
		client:  &http.Client{Transport: transport},
		allowed: allowed,
	}, nil
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Chat sends a chat completion request. Transport-level failures are
// retried once; timeouts are not retried.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	reqBody := chatCompletionRequest{
		Model:       c.config.ChatModel,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var content string
	err := everrors.Retry(ctx, everrors.LLMRetryConfig(), func() error {
		var resp chatCompletionResponse
		if err := c.post(ctx, "/v1/chat/completions", reqBody, &resp); err != nil {
			return err
		}
		if resp.Error != nil {
			return everrors.Newf(everrors.ErrCodeGenerationBackend, nil,
				"chat backend error: %s", resp.Error.Message)
		}
		if len(resp.Choices) == 0 {
			return everrors.New(everrors.ErrCodeGenerationBackend, "chat response has no choices", nil)
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	return content, err
}

// Embed embeds a single text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one request, returning vectors in input
// order.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := embeddingsRequest{Model: c.config.EmbedModel, Input: texts}

	var vectors [][]float32
	err := everrors.Retry(ctx, everrors.LLMRetryConfig(), func() error {
		var resp embeddingsResponse
		if err := c.post(ctx, "/v1/embeddings", reqBody, &resp); err != nil {
			return err
		}
		if resp.Error != nil {
			return everrors.Newf(everrors.ErrCodeGenerationBackend, nil,
				"embeddings backend error: %s", resp.Error.Message)
		}
		if len(resp.Data) != len(texts) {
			return everrors.Newf(everrors.ErrCodeGenerationBackend, nil,
				"embeddings response has %d vectors for %d inputs", len(resp.Data), len(texts))
		}
		vectors = make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(texts) {
				return everrors.New(everrors.ErrCodeGenerationBackend, "embeddings response index out of range", nil)
			}
			vectors[d.Index] = d.Embedding
		}
		return nil
	})
	return vectors, err
}

// Dimensions returns the configured embedding dimension.
func (c *OpenAIClient) Dimensions() int { return c.config.Dimensions }

// ModelName identifies the embedding model.
func (c *OpenAIClient) ModelName() string { return c.config.EmbedModel }

// Close shuts down idle connections.
func (c *OpenAIClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body, out any) error {
	endpoint := strings.TrimRight(c.config.Host, "/") + path

	u, err := url.Parse(endpoint)
	if err != nil {
		return everrors.Newf(everrors.ErrCodeConfigInvalid, err, "bad endpoint %q", endpoint)
	}
	if !c.allowed[u.Hostname()] {
		return everrors.Newf(everrors.ErrCodeConfigInvalid, nil,
			"host %q is not in the allowed list", u.Hostname())
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return everrors.New(everrors.ErrCodeInternal, "marshal request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return everrors.New(everrors.ErrCodeInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return everrors.Newf(everrors.ErrCodeLLMTimeout, err, "llm call to %s timed out", path)
		}
		return everrors.Newf(everrors.ErrCodeGenerationBackend, err, "llm call to %s failed", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return everrors.New(everrors.ErrCodeGenerationBackend, "read llm response", err)
	}

	if resp.StatusCode >= 500 {
		return everrors.Newf(everrors.ErrCodeGenerationBackend, nil,
			"llm backend returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if resp.StatusCode >= 400 {
		// Client errors are not retryable; surface as non-retryable internal.
		return everrors.Newf(everrors.ErrCodeInvalidRequest, nil,
			"llm backend rejected request with %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return everrors.New(everrors.ErrCodeGenerationBackend, "decode llm response", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NewEmbedderFromConfig builds the embedder the provider selects:
// "static" for the offline hash embedder, otherwise the OpenAI client.
func NewEmbedderFromConfig(provider string, cfg OpenAIConfig, cacheSize int) (Embedder, error) {
	var inner Embedder
	switch provider {
	case "static":
		inner = NewStaticEmbedder()
	default:
		client, err := NewOpenAIClient(cfg)
		if err != nil {
			return nil, err
		}
		inner = client
	}
	return NewCachedEmbedder(inner, cacheSize), nil
}
