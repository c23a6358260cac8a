// Package gemini streams completions from Google's Gemini
// streamGenerateContent API.
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/taskmux/taskmux/internal/httputil"
	"github.com/taskmux/taskmux/pkg/errors"
	"github.com/taskmux/taskmux/pkg/provider"
	"github.com/taskmux/taskmux/pkg/types"
)

const (
	ProviderName      = "gemini"
	DefaultBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultAPIVersion = "v1beta"
)

// Provider implements the Gemini streaming adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	models     []string
	headers    map[string]string
	client     *http.Client
}

// New creates a Gemini provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		headers:    make(map[string]string),
		client:     &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api_key is required")
	}
	opts := []Option{
		WithAPIKey(cfg.APIKey),
		WithModels(cfg.Models...),
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

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return strings.HasPrefix(model, "gemini-")
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// Stream starts a streaming generateContent call via SSE.
func (p *Provider) Stream(ctx context.Context, model string, messages []types.Message) (provider.ChunkStream, error) {
	body, err := json.Marshal(transformRequest(messages))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	base, err := url.Parse(strings.TrimSuffix(p.baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	base.Path = base.Path + "/" + p.apiVersion + "/models/" + url.PathEscape(model) + ":streamGenerateContent"
	q := base.Query()
	q.Set("alt", "sse")
	q.Set("key", p.apiKey)
	base.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, p.mapError(resp, model)
	}

	return &stream{body: resp.Body, scanner: provider.NewSSEScanner(resp.Body)}, nil
}

// transformRequest maps the prompt bundle to Gemini's content format:
// system messages become the systemInstruction, assistant becomes
// "model".
func transformRequest(messages []types.Message) *geminiRequest {
	req := &geminiRequest{}
	for _, msg := range messages {
		if msg.Role == types.RoleSystem {
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			continue
		}
		role := string(msg.Role)
		if msg.Role == types.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}
	return req
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

	se := errors.NewStatusError(resp.StatusCode, ProviderName, model, message)
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

// Recv returns the next content chunk. A candidate with a finish reason
// and no text ends the stream.
func (s *stream) Recv() (*types.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		data, err := s.scanner.Next()
		if err != nil {
			return nil, err
		}
		var resp geminiResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal chunk: %w", err)
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		c := resp.Candidates[0]
		var text strings.Builder
		for _, part := range c.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			if c.FinishReason != "" {
				s.done = true
			}
			return &types.Chunk{Content: text.String()}, nil
		}
		if c.FinishReason != "" {
			s.done = true
			return nil, io.EOF
		}
	}
}

// Close releases the underlying connection.
func (s *stream) Close() error { return s.body.Close() }
