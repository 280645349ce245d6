// Package llm is a minimal client for a chat-completions style language
// model endpoint that supports JSON-schema constrained output.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/tbourn/review-pipeline/internal/retry"
)

// ErrUnexpectedShape is returned when a successful response carries no
// text in any of the accepted shapes.
var ErrUnexpectedShape = errors.New("llm: unexpected response shape")

// Schema constrains the model output.
type Schema struct {
	Name   string
	Schema json.RawMessage
}

// Request is one completion request.
type Request struct {
	System      string
	User        string
	Schema      *Schema
	Temperature float64
	MaxTokens   int
}

// Options configures a Client.
type Options struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	// RPS paces outgoing requests; zero disables pacing.
	RPS   float64
	Burst int
}

// Client sends completion requests. It performs a single attempt per call.
type Client struct {
	http    *resty.Client
	model   string
	limiter *rate.Limiter
}

// NewClient validates opts and builds a Client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("llm endpoint cannot be empty")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("llm model cannot be empty")
	}
	hc := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(opts.Timeout)
	if opts.APIKey != "" {
		hc.SetAuthToken(opts.APIKey)
	}
	c := &Client{http: hc.SetBaseURL(opts.Endpoint), model: opts.Model}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return c, nil
}

// Model reports the configured model identifier.
func (c *Client) Model() string { return c.model }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type completionResponse struct {
	OutputText *string `json:"output_text"`
	Choices    []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content json.RawMessage `json:"content"`
}

// Complete sends req and returns the model's text output.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body := completionRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.User})
	if req.Schema != nil {
		// Non-strict: schemas may keep optional properties and length bounds,
		// which strict mode rejects. Callers validate the output themselves.
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaFormat{Name: req.Schema.Name, Strict: false, Schema: req.Schema.Schema},
		}
	}

	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post("")
	if err != nil {
		return "", fmt.Errorf("llm.complete: %w", err)
	}
	if resp.IsError() {
		return "", &retry.HTTPError{
			Op:          "llm.complete",
			StatusCode:  resp.StatusCode(),
			ContentType: resp.Header().Get("Content-Type"),
			RetryAfter:  retry.ParseRetryAfter(resp.Header().Get("Retry-After")),
			NonJSON:     retry.UnexpectedBody(resp.Header().Get("Content-Type"), resp.Body()),
			Body:        truncate(resp.String(), 300),
		}
	}

	var out completionResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", &retry.HTTPError{
			Op:          "llm.complete",
			StatusCode:  resp.StatusCode(),
			ContentType: resp.Header().Get("Content-Type"),
			NonJSON:     true,
			Body:        truncate(resp.String(), 300),
		}
	}
	return extractText(out)
}

func extractText(out completionResponse) (string, error) {
	if out.OutputText != nil && strings.TrimSpace(*out.OutputText) != "" {
		return *out.OutputText, nil
	}
	if len(out.Choices) > 0 {
		if s, ok := contentText(out.Choices[0].Message.Content); ok {
			return s, nil
		}
	}
	if s, ok := contentText(out.Content); ok {
		return s, nil
	}
	return "", ErrUnexpectedShape
}

// contentText accepts a plain string or a list of {"text": ...} chunks.
func contentText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, strings.TrimSpace(s) != ""
	}
	var chunks []struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return "", false
	}
	var b strings.Builder
	found := false
	for _, ch := range chunks {
		if ch.Text != nil {
			b.WriteString(*ch.Text)
			found = true
		}
	}
	return b.String(), found && strings.TrimSpace(b.String()) != ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
