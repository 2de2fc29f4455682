// Package generation is the boundary to the external content generation service. The
// pipeline treats it as opaque: it sends a prompt with context and gets text or JSON back.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrDisabled is returned when no generation endpoint is configured.
var ErrDisabled = errors.New("generation disabled")

type Request struct {
	Purpose string         `json:"purpose"`
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

type Response struct {
	Text string         `json:"text,omitempty"`
	JSON map[string]any `json:"json,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation error: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPClient posts requests as JSON to a single endpoint.
type HTTPClient struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPClient(url, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{URL: url, Token: token, Timeout: timeout}
}

func (c *HTTPClient) Generate(ctx context.Context, in Request) (Response, error) {
	if c == nil || strings.TrimSpace(c.URL) == "" {
		return Response{}, ErrDisabled
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(in); err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &buf)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	res, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Response{}, &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode generation response: %w", err)
	}
	if out.JSON == nil && out.Text != "" {
		out.JSON = DecodeJSON(out.Text)
	}
	return out, nil
}

// DecodeJSON extracts the first JSON object embedded in text, tolerating code fences.
// It returns nil when none parses.
func DecodeJSON(text string) map[string]any {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}

// Static answers every request from a fixed function. It is used offline and in tests.
type Static struct {
	Fn func(ctx context.Context, req Request) (Response, error)

	mu    sync.Mutex
	calls []Request
}

func (s *Static) Generate(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.Fn == nil {
		return Response{}, ErrDisabled
	}
	return s.Fn(ctx, req)
}

// Calls returns the requests received so far.
func (s *Static) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// Float reads a numeric field from a decoded JSON object.
func Float(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// String reads a string field from a decoded JSON object.
func String(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Strings reads a list of strings from a decoded JSON object.
func Strings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
