// Package oracle implements the §6 oracle collaborator contract: a
// single Generate(prompt) -> response function, called by the action
// executor's generate_thoughts and call_oracle primitives. The
// protocol and vendor are unspecified by design (spec.md's out-of-
// scope list), so this package ships a concrete HTTP-backed client
// plus a scriptable mock satisfying the same interface.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
)

// Client is what pkg/action's executor calls through. It is declared
// here rather than imported from pkg/action to avoid a dependency
// cycle; both sides agree on it structurally.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config tunes HTTPClient.
type Config struct {
	URL        string        // endpoint accepting {"model","prompt"} and returning {"response"}
	Model      string        // model identifier forwarded with every request
	Timeout    time.Duration // per-attempt HTTP timeout
	MaxRetries int           // retryablehttp's RetryMax
}

// DefaultConfig matches a conservative single-node deployment.
var DefaultConfig = Config{Timeout: 30 * time.Second, MaxRetries: 3}

func withDefaults(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	return cfg
}

// request is the JSON body sent to Config.URL.
type request struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

// response is the JSON body expected back. A server that cannot or
// does not wrap its answer in this shape still works: a body that
// fails to decode is used verbatim as the response text.
type response struct {
	Response string `json:"response"`
}

// HTTPClient calls a remote oracle endpoint over HTTP, retrying
// transient failures via retryablehttp the way the teacher's own HTTP
// clients do.
type HTTPClient struct {
	cfg Config
	rc  *retryablehttp.Client
}

// NewHTTPClient constructs an HTTPClient. cfg.URL must be non-empty.
func NewHTTPClient(cfg Config, log hclog.Logger) *HTTPClient {
	cfg = withDefaults(cfg)
	if log == nil {
		log = hclog.NewNullLogger()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.Logger = log.Named("oracle")
	rc.HTTPClient.Timeout = cfg.Timeout

	return &HTTPClient{cfg: cfg, rc: rc}
}

// Generate posts prompt (and the configured model, if any) to the
// oracle endpoint and returns its textual response.
func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(request{Model: c.cfg.Model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("oracle: marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("oracle: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.rc.Do(req)
	if err != nil {
		return "", fmt.Errorf("oracle: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("oracle: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle: unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Response != "" {
		return decoded.Response, nil
	}
	return string(raw), nil
}

// MockClient is a scriptable Client for tests and demo bootstrap: it
// returns Script[prompt] when present, Default otherwise, and records
// every prompt it was called with.
type MockClient struct {
	Script  map[string]string
	Default string

	mu      sync.Mutex
	prompts []string
}

// Generate implements Client.
func (m *MockClient) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if resp, ok := m.Script[prompt]; ok {
		return resp, nil
	}
	return m.Default, nil
}

// Prompts returns every prompt Generate has been called with so far,
// in call order.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}
