// Package backend provides the HTTP client for invoking model backends over
// the Ollama generate API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Generator is the invocation contract the pipeline depends on. Any failure
// is a per-request failure; retry policy, if any, belongs to the adapter.
type Generator interface {
	Generate(ctx context.Context, backendID, prompt string) (string, error)
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeInvalidResponse
)

// ClientError represents an error from the backend client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Config holds client options.
type Config struct {
	// BaseURL is the Ollama API base URL. The explicit IPv4 default avoids
	// IPv6 resolution issues on some hosts.
	BaseURL string
	// Timeout bounds a single generate request.
	Timeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://127.0.0.1:11434",
		Timeout: 120 * time.Second,
	}
}

// Client invokes backends over HTTP. Safe for concurrent use.
type Client struct {
	cfg        *Config
	httpClient *http.Client
}

// NewClient creates a client; nil cfg uses defaults.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Generate runs a non-streaming generate call against backendID and returns
// the response text.
func (c *Client) Generate(ctx context.Context, backendID, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  backendID,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", &ClientError{Type: ErrTypeUnknown, Message: "encode generate request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", &ClientError{Type: ErrTypeUnknown, Message: "build generate request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "read generate response", Cause: err}
	}

	if resp.StatusCode == http.StatusNotFound {
		return "", &ClientError{
			Type:    ErrTypeModelNotFound,
			Message: fmt.Sprintf("model %q not found", backendID),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: fmt.Sprintf("generate returned status %d: %s", resp.StatusCode, truncate(string(data), 200)),
		}
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "decode generate response", Cause: err}
	}
	if out.Error != "" {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: out.Error}
	}
	return out.Response, nil
}

func classifyTransportError(err error) *ClientError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ClientError{Type: ErrTypeTimeout, Message: "generate request timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &ClientError{Type: ErrTypeTimeout, Message: "generate request canceled", Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ClientError{Type: ErrTypeTimeout, Message: "generate request timed out", Cause: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &ClientError{Type: ErrTypeNotRunning, Message: "backend is not reachable", Cause: err}
	}
	return &ClientError{Type: ErrTypeUnknown, Message: "generate request failed", Cause: err}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
