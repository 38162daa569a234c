package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Config describes the upstream OpenAI-compatible endpoint.
type Config struct {
	BaseURL        string
	APIKey         string
	ChatPath       string
	EmbeddingsPath string
	Timeout        time.Duration
	ExtraHeaders   map[string]string
}

// Client talks to one OpenAI-compatible completions endpoint. Safe for
// concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
	logger *log.Logger
}

func NewClient(cfg Config, logger *log.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.ChatPath) == "" {
		cfg.ChatPath = "/v1/chat/completions"
	}
	if strings.TrimSpace(cfg.EmbeddingsPath) == "" {
		cfg.EmbeddingsPath = "/v1/embeddings"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 0},
		logger: logger,
	}
}

// StreamTurn runs one streaming chat-completions exchange: it fires the
// request, decodes the event stream, forwards content deltas to sink in
// arrival order, and returns the aggregated TurnResult. The response
// body is released on every exit path, including timeout and
// cancellation. The request carries a wall-clock budget (Config.Timeout)
// on top of any caller deadline.
func (c *Client) StreamTurn(ctx context.Context, req Request, sink DeltaSink) (TurnResult, error) {
	if err := req.Validate(); err != nil {
		return TurnResult{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(chatCompletionsBody(req))
	if err != nil {
		return TurnResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(sctx, http.MethodPost, c.cfg.BaseURL+c.cfg.ChatPath, bytes.NewReader(body))
	if err != nil {
		return TurnResult{}, err
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return TurnResult{}, NewRequestTimeoutError(err.Error())
		}
		return TurnResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TurnResult{}, errorFromResponse(resp)
	}

	agg := NewAggregator(sink, c.logger)
	err = ParseSSE(sctx, resp.Body, func(ev SSEEvent) error {
		_, cerr := agg.Consume(ClassifyChunk(ev.Data))
		return cerr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return TurnResult{}, NewRequestTimeoutError("stream read exceeded request budget")
		}
		return TurnResult{}, err
	}
	return agg.Result(), nil
}

// Embed returns one embedding vector per input, in input order.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"model": model,
		"input": inputs,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(sctx, http.MethodPost, c.cfg.BaseURL+c.cfg.EmbeddingsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrorFromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(parsed.Data), len(inputs))
	}
	out := make([][]float32, len(inputs))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

func chatCompletionsBody(req Request) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
		if m.ToolName != "" {
			entry["name"] = m.ToolName
		}
		msgs = append(msgs, entry)
	}
	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   true,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, td := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        td.Name,
					"description": td.Description,
					"parameters":  td.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

func errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	msg := strings.TrimSpace(string(raw))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	return ErrorFromHTTPStatus(resp.StatusCode, msg)
}
