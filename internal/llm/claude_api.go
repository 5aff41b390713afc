package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/parley/internal/version"
)

const (
	defaultClaudeEndpoint = "https://api.anthropic.com"
	anthropicVersion      = "2023-06-01"
	defaultMaxTokens      = 4096
)

// APIOption configures an HTTP provider client.
type APIOption func(*apiOptions)

type apiOptions struct {
	endpoint string
	client   *http.Client
}

// WithEndpoint overrides the provider base URL.
func WithEndpoint(url string) APIOption {
	return func(o *apiOptions) {
		if url != "" {
			o.endpoint = strings.TrimSuffix(url, "/")
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(o *apiOptions) { o.client = c }
}

func buildOptions(endpoint string, opts []APIOption) apiOptions {
	o := apiOptions{endpoint: endpoint, client: &http.Client{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ClaudeAPIClient talks to the Anthropic Messages API.
type ClaudeAPIClient struct {
	name     string
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewClaudeAPIClient creates a Claude client registered under name.
func NewClaudeAPIClient(name, apiKey, model string, opts ...APIOption) *ClaudeAPIClient {
	o := buildOptions(defaultClaudeEndpoint, opts)
	if name == "" {
		name = "claude"
	}
	return &ClaudeAPIClient{
		name:     name,
		apiKey:   apiKey,
		model:    model,
		endpoint: o.endpoint,
		client:   o.client,
	}
}

// Name returns the provider name.
func (c *ClaudeAPIClient) Name() string { return c.name }

// Complete sends a non-streaming completion request.
func (c *ClaudeAPIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result claudeAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Provider: c.name, Message: "malformed response: " + err.Error()}
	}
	return c.toCompletion(&result, time.Since(start)), nil
}

// Stream sends a streaming completion request. HTTP and status failures are
// returned directly; failures after the stream opens arrive as an error event.
func (c *ClaudeAPIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 16)
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

func (c *ClaudeAPIClient) do(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(c.buildRequestBody(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providerError(c.name, resp)
	}
	return resp, nil
}

func (c *ClaudeAPIClient) buildRequestBody(req CompletionRequest, stream bool) map[string]any {
	model := c.model
	if req.Model != "" && strings.HasPrefix(req.Model, "claude-") {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msgs := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			continue
		}
		msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
	}

	body := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	return body
}

func (c *ClaudeAPIClient) readStream(ctx context.Context, resp *http.Response, ch chan<- StreamEvent) {
	defer close(ch)
	defer resp.Body.Close()

	start := time.Now()
	scanner := newServerSentEventScanner(resp.Body)
	var full strings.Builder
	var usage Usage
	var stopReason, model string

	for scanner.Scan() {
		var ev claudeStreamEvent
		if err := json.Unmarshal([]byte(scanner.Data()), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				model = ev.Message.Model
				usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				full.WriteString(ev.Delta.Text)
				if !emit(ctx, ch, StreamEvent{Type: EventDelta, Content: ev.Delta.Text}) {
					return
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			emit(ctx, ch, StreamEvent{Type: EventError, Error: msg})
			return
		case "message_stop":
			emit(ctx, ch, StreamEvent{Type: EventDone, Response: &CompletionResponse{
				Content:    full.String(),
				StopReason: stopReason,
				Usage:      usage,
				Model:      model,
				Duration:   time.Since(start),
			}})
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	msg := "stream ended before message_stop"
	if err := scanner.Err(); err != nil {
		msg = err.Error()
	}
	emit(ctx, ch, StreamEvent{Type: EventError, Error: msg})
}

func (c *ClaudeAPIClient) toCompletion(resp *claudeAPIResponse, d time.Duration) *CompletionResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &CompletionResponse{
		Content:    content.String(),
		StopReason: resp.StopReason,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CacheRead:    resp.Usage.CacheRead,
			CacheWrite:   resp.Usage.CacheWrite,
		},
		Model:    resp.Model,
		Duration: d,
	}
}

type claudeAPIResponse struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Role       string               `json:"role"`
	Content    []claudeContentBlock `json:"content"`
	Model      string               `json:"model"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read_input_tokens,omitempty"`
	CacheWrite   int `json:"cache_creation_input_tokens,omitempty"`
}

type claudeStreamEvent struct {
	Type    string             `json:"type"`
	Delta   claudeStreamDelta  `json:"delta"`
	Message *claudeAPIResponse `json:"message,omitempty"`
	Usage   *claudeUsage       `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type claudeStreamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}
