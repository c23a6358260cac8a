// Package openai streams chat completions from the OpenAI API. It serves
// as the reference implementation for other provider adapters.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/taskmux/taskmux/internal/httputil"
	"github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/provider"
	"github.com/taskmux/taskmux/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Provider implements the OpenAI streaming adapter.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	models  []string
	headers map[string]string
	client  *http.Client
}

// New creates a new OpenAI provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    ProviderName,
		baseURL: DefaultBaseURL,
		headers: make(map[string]string),
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api_key is required")
	}
	opts := []Option{
		WithAPIKey(cfg.APIKey),
		WithModels(cfg.Models...),
	}
	if cfg.Name != "" {
		opts = append(opts, WithName(cfg.Name))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	p := New(opts...)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

// SupportsModel checks if the provider supports the given model.
func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1-")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream starts a streaming chat completion.
func (p *Provider) Stream(ctx context.Context, model string, messages []types.Message) (provider.ChunkStream, error) {
	req := chatRequest{Model: model, Stream: true}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, p.mapError(resp, model)
	}

	return &stream{body: resp.Body, scanner: provider.NewSSEScanner(resp.Body)}, nil
}

func (p *Provider) mapError(resp *http.Response, model string) error {
	body, _ := httputil.ReadBody(resp.Body, httputil.DefaultMaxErrorBodyBytes)
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	se := errors.NewStatusError(resp.StatusCode, p.name, model, message)
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
			se.RetryAfter = secs
		}
	}
	return se
}

type stream struct {
	body    io.ReadCloser
	scanner *provider.SSEScanner
	done    bool
}

// Recv returns the next content chunk, skipping deltas with no content.
func (s *stream) Recv() (*types.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		data, err := s.scanner.Next()
		if err != nil {
			return nil, err
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return nil, io.EOF
		}
		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return &types.Chunk{Content: content}, nil
		}
		if chunk.Choices[0].FinishReason != "" {
			s.done = true
			return nil, io.EOF
		}
	}
}

// Close releases the underlying connection.
func (s *stream) Close() error { return s.body.Close() }
