package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/parley/internal/version"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// OllamaAPIClient talks to a local Ollama server through /api/chat.
type OllamaAPIClient struct {
	name     string
	model    string
	endpoint string
	client   *http.Client
}

// NewOllamaAPIClient creates an Ollama client registered under name.
func NewOllamaAPIClient(name, model string, opts ...APIOption) *OllamaAPIClient {
	o := buildOptions(defaultOllamaEndpoint, opts)
	if name == "" {
		name = "ollama"
	}
	return &OllamaAPIClient{name: name, model: model, endpoint: o.endpoint, client: o.client}
}

// Name returns the provider name.
func (o *OllamaAPIClient) Name() string { return o.name }

// Complete sends a non-streaming chat request.
func (o *OllamaAPIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := o.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Provider: o.name, Message: "malformed response: " + err.Error()}
	}
	return &CompletionResponse{
		Content:    result.Message.Content,
		StopReason: result.DoneReason,
		Usage:      Usage{InputTokens: result.PromptEvalCount, OutputTokens: result.EvalCount},
		Model:      result.Model,
		Duration:   time.Since(start),
	}, nil
}

// Stream sends a streaming chat request. Ollama streams newline-delimited JSON.
func (o *OllamaAPIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	resp, err := o.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, 16)
	go o.readStream(ctx, resp, ch)
	return ch, nil
}

func (o *OllamaAPIClient) do(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(o.buildRequestBody(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", o.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providerError(o.name, resp)
	}
	return resp, nil
}

func (o *OllamaAPIClient) buildRequestBody(req CompletionRequest, stream bool) map[string]any {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	body := map[string]any{
		"model":    o.model,
		"messages": msgs,
		"stream":   stream,
	}
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		body["options"] = options
	}
	return body
}

func (o *OllamaAPIClient) readStream(ctx context.Context, resp *http.Response, ch chan<- StreamEvent) {
	defer close(ch)
	defer resp.Body.Close()

	start := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var full strings.Builder

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			emit(ctx, ch, StreamEvent{Type: EventError, Error: chunk.Error})
			return
		}
		if text := chunk.Message.Content; text != "" {
			full.WriteString(text)
			if !emit(ctx, ch, StreamEvent{Type: EventDelta, Content: text}) {
				return
			}
		}
		if chunk.Done {
			emit(ctx, ch, StreamEvent{Type: EventDone, Response: &CompletionResponse{
				Content:    full.String(),
				StopReason: chunk.DoneReason,
				Usage:      Usage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount},
				Model:      chunk.Model,
				Duration:   time.Since(start),
			}})
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	msg := "stream ended before done"
	if err := scanner.Err(); err != nil {
		msg = err.Error()
	}
	emit(ctx, ch, StreamEvent{Type: EventError, Error: msg})
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error,omitempty"`
}
