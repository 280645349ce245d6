package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tbourn/review-pipeline/internal/retry"
)

func serve(t *testing.T, status int, body string, check func(*http.Request)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{Endpoint: srv.URL, APIKey: "k", Model: "m-1", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_Validates(t *testing.T) {
	if _, err := NewClient(Options{Model: "m"}); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewClient(Options{Endpoint: "http://x"}); err == nil {
		t.Fatalf("expected model error")
	}
}

func TestComplete_SendsSchemaAndReadsChoiceString(t *testing.T) {
	c := serve(t, 200, `{"choices":[{"message":{"content":"{\"a\":1}"}}]}`, func(r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer")
		}
		var body completionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Model != "m-1" || len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("unexpected body: %+v", body)
		}
		if body.ResponseFormat == nil || body.ResponseFormat.JSONSchema == nil || body.ResponseFormat.JSONSchema.Name != "insight" {
			t.Errorf("missing schema: %+v", body.ResponseFormat)
		} else if body.ResponseFormat.JSONSchema.Strict {
			t.Errorf("schema sent in strict mode")
		}
	})
	out, err := c.Complete(context.Background(), Request{
		System: "sys", User: "hi",
		Schema: &Schema{Name: "insight", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	if err != nil || out != `{"a":1}` {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestComplete_AcceptedShapes(t *testing.T) {
	cases := map[string]string{
		`{"output_text":"direct"}`: "direct",
		`{"choices":[{"message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}]}`: "ab",
		`{"content":[{"text":"chunked"}]}`: "chunked",
	}
	for body, want := range cases {
		c := serve(t, 200, body, nil)
		got, err := c.Complete(context.Background(), Request{User: "x"})
		if err != nil || got != want {
			t.Fatalf("body %s: got %q, %v", body, got, err)
		}
	}
}

func TestComplete_UnexpectedShape(t *testing.T) {
	c := serve(t, 200, `{"choices":[{"message":{"content":42}}]}`, nil)
	_, err := c.Complete(context.Background(), Request{User: "x"})
	if !errors.Is(err, ErrUnexpectedShape) {
		t.Fatalf("want ErrUnexpectedShape, got %v", err)
	}
}

func TestComplete_HTTPErrors(t *testing.T) {
	c := serve(t, 503, `{"error":"busy"}`, nil)
	_, err := c.Complete(context.Background(), Request{User: "x"})
	var he *retry.HTTPError
	if !errors.As(err, &he) || he.StatusCode != 503 {
		t.Fatalf("want 503 HTTPError, got %v", err)
	}
	if retry.Classify(err) != retry.Transient {
		t.Fatalf("503 must be transient")
	}

	c = serve(t, 401, `{"error":"bad key"}`, nil)
	_, err = c.Complete(context.Background(), Request{User: "x"})
	if retry.Classify(err) != retry.Permanent {
		t.Fatalf("401 must be permanent, got %v", err)
	}
}

func TestComplete_RateLimiterHonoursContext(t *testing.T) {
	c, err := NewClient(Options{Endpoint: "http://127.0.0.1:1", Model: "m", RPS: 0.001, Burst: 1})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	// consume the single token
	c.limiter.Allow()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Complete(ctx, Request{User: "x"}); err == nil {
		t.Fatalf("expected limiter error on cancelled context")
	}
}

func TestComplete_GatewayPageIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("<html>400 Bad Request</html>"))
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{Endpoint: srv.URL, APIKey: "k", Model: "m-1", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.Complete(context.Background(), Request{User: "x"})
	if retry.Classify(err) != retry.Transient {
		t.Fatalf("non-JSON 400 must be transient, got %v", err)
	}
}
