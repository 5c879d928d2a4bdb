// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrType categorizes client errors for handling.
type ErrType int

const (
	ErrTypeUnknown ErrType = iota
	ErrTypeConnection
	ErrTypeTimeout
	ErrTypeHTTP
	ErrTypeValidation
)

// ClientError is an error from the backend client.
type ClientError struct {
	Type    ErrType
	Message string
	Status  int // HTTP status when Type is ErrTypeHTTP
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

// Is lets errors.Is match on the category sentinels below.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// Category sentinels for errors.Is checks.
var (
	ErrConnection = &ClientError{Type: ErrTypeConnection, Message: "backend unreachable"}
	ErrTimeout    = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrHTTP       = &ClientError{Type: ErrTypeHTTP, Message: "unexpected status"}
	ErrValidation = &ClientError{Type: ErrTypeValidation, Message: "response failed validation"}
)

// wrapTransportErr converts a transport failure into a typed error,
// passing context cancellation through untouched so callers can tell a
// user-initiated stop apart from a real failure.
func wrapTransportErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	}
	return &ClientError{Type: ErrTypeConnection, Message: "backend unreachable", Cause: err}
}

// =============================================================================
// CLIENT
// =============================================================================

// DefaultBaseURL is the conventional local backend address.
const DefaultBaseURL = "http://localhost:11434"

// Client talks to the inference backend. Safe for concurrent use; the
// base URL may be swapped at runtime when the user edits preferences.
type Client struct {
	mu         sync.RWMutex
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a client for baseURL. Streaming requests carry no
// overall timeout; lifetime is governed by the caller's context.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		log:        log.With().Str("component", "ollama").Logger(),
	}
}

// BaseURL returns the current backend address.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL swaps the backend address for subsequent requests.
func (c *Client) SetBaseURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(url, "/")
}

// =============================================================================
// HEALTH AND CATALOG
// =============================================================================

// Version fetches GET /api/version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	if err := c.getJSON(ctx, "/api/version", &resp); err != nil {
		return "", err
	}
	if err := resp.Validate(); err != nil {
		return "", err
	}
	return *resp.Version, nil
}

// Tags fetches the model catalog from GET /api/tags.
func (c *Client) Tags(ctx context.Context) ([]TagModel, error) {
	var resp TagsResponse
	if err := c.getJSON(ctx, "/api/tags", &resp); err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// PS fetches the currently loaded models from GET /api/ps.
func (c *Client) PS(ctx context.Context) ([]PSModel, error) {
	var resp PSResponse
	if err := c.getJSON(ctx, "/api/ps", &resp); err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+path, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeValidation, Message: "failed to decode " + path, Cause: err}
	}
	return nil
}

// statusError reads the backend's error body, if any, for a non-2xx status.
func (c *Client) statusError(resp *http.Response) error {
	var be backendError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&be); err == nil && be.Error != "" {
		return &ClientError{Type: ErrTypeHTTP, Status: resp.StatusCode, Message: be.Error}
	}
	return &ClientError{Type: ErrTypeHTTP, Status: resp.StatusCode, Message: "HTTP " + resp.Status}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// OpenChatStream issues POST /api/chat with stream=true and returns the
// open stream on a successful response with a readable body. The request
// is cancellable through ctx; cancelling aborts the underlying exchange.
func (c *Client) OpenChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeValidation, Message: "failed to marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	return newChatStream(resp.Body, c.log), nil
}

// ChatStream opens a streaming chat exchange and delivers every chunk to
// callback until the terminal chunk, end-of-stream, or ctx cancellation.
// Callers that need to act between the response and the first chunk use
// OpenChatStream directly.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, callback ChunkCallback) error {
	stream, err := c.OpenChatStream(ctx, req)
	if err != nil {
		return err
	}
	return stream.Process(ctx, callback)
}

// healthCheckTimeout bounds the monitor's version and tags fetches.
const healthCheckTimeout = 5 * time.Second

// CheckVersion is Version with the standard health-check timeout applied.
func (c *Client) CheckVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return c.Version(ctx)
}

// CheckTags is Tags with the standard health-check timeout applied.
func (c *Client) CheckTags(ctx context.Context) ([]TagModel, error) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return c.Tags(ctx)
}
