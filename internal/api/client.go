// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for the ragchat backend.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/morganforge/ragchat/internal/stream"
)

// Configuration constants for the backend API.
const (
	// DefaultBaseURL is the base URL of a locally running backend.
	DefaultBaseURL = "http://localhost:8080"

	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// Shared HTTP client for all non-streaming requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient is used for reply streams. A client-level
	// timeout would kill long generations mid-reply, so lifetime is
	// controlled via context instead.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// ERRORS
// =============================================================================

// Error variables for the failure categories the rest of the application
// branches on. The transport never retries; callers decide what a failure
// means for the current turn.
var (
	// ErrNetwork indicates the request never produced an HTTP response.
	ErrNetwork = errors.New("network failure")

	// ErrAuthExpired indicates a 401 outside the auth endpoints. The stored
	// credential is no longer valid and must be discarded.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrRateLimited indicates the server rejected the request with a 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrStreamInterrupted indicates a reply stream ended before completion.
	ErrStreamInterrupted = errors.New("reply stream interrupted")

	// ErrWrongMode indicates an operation that does not exist on this
	// client's surface (widget vs account).
	ErrWrongMode = errors.New("operation not available in this mode")

	// ErrNotAuthenticated indicates an account request without a token.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// APIError represents a structured error response from the backend.
// The backend encodes failures as {"error": "...", "status": N}.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error (HTTP %d)", e.Status)
}

// =============================================================================
// MODE
// =============================================================================

// Mode selects which surface of the backend a client talks to.
type Mode int

const (
	// ModeWidget is the unauthenticated embed surface. Requests identify
	// themselves with an embed key and an anonymous session id.
	ModeWidget Mode = iota
	// ModeAccount is the authenticated surface. Requests carry a bearer
	// token obtained from login.
	ModeAccount
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeAccount {
		return "account"
	}
	return "widget"
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to one backend on one surface.
//
// Client methods are safe for concurrent use; the mutable token is guarded.
type Client struct {
	baseURL   string
	mode      Mode
	userAgent string

	// Widget identity, fixed for the client's lifetime.
	embedKey  string
	sessionID string

	// Account token, set after login and cleared on expiry.
	mu    sync.RWMutex
	token string

	httpClient   *http.Client
	streamClient *http.Client

	verbose bool
}

// NewWidgetClient creates a client for the unauthenticated widget surface.
// The embed key identifies the site; the session id identifies the visitor.
func NewWidgetClient(baseURL, embedKey, sessionID string) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		mode:         ModeWidget,
		embedKey:     embedKey,
		sessionID:    sessionID,
		userAgent:    "ragchat/0.3.0",
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
	}
}

// NewAccountClient creates a client for the authenticated surface.
// Call SetToken (or Login) before using endpoints that require auth.
func NewAccountClient(baseURL string) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		mode:         ModeAccount,
		userAgent:    "ragchat/0.3.0",
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
	}
}

// WithHTTPClient sets a custom HTTP client for non-streaming requests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithStreamClient sets a custom HTTP client for reply streams.
func (c *Client) WithStreamClient(hc *http.Client) *Client {
	c.streamClient = hc
	return c
}

// WithUserAgent sets the User-Agent header value.
func (c *Client) WithUserAgent(ua string) *Client {
	c.userAgent = ua
	return c
}

// WithVerbose enables request/response logging.
func (c *Client) WithVerbose(verbose bool) *Client {
	c.verbose = verbose
	return c
}

// Mode returns the surface this client talks to.
func (c *Client) Mode() Mode {
	return c.mode
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken installs the bearer token for account requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// ClearToken discards the bearer token.
func (c *Client) ClearToken() {
	c.SetToken("")
}

// Token returns the current bearer token ("" when logged out).
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// IsAuthenticated reports whether an account token is installed.
func (c *Client) IsAuthenticated() bool {
	return c.Token() != ""
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// setHeaders attaches the identity headers for the client's surface.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	switch c.mode {
	case ModeWidget:
		req.Header.Set("X-Embed-Key", c.embedKey)
		req.Header.Set("X-Session-Id", c.sessionID)
	case ModeAccount:
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// logRequest logs an API request without exposing sensitive data.
// SECURITY: Never log headers (identity) or bodies (message content).
func (c *Client) logRequest(req *http.Request) {
	if c.verbose {
		log.Printf("api: %s %s", req.Method, req.URL.Path)
	}
}

// logResponse logs status and duration only.
func (c *Client) logResponse(resp *http.Response, duration time.Duration) {
	if c.verbose {
		log.Printf("api: %d %s (%v)", resp.StatusCode, resp.Request.URL.Path, duration)
	}
}

// isAuthPath reports whether a path belongs to the auth endpoints. A 401
// there means bad credentials on a login attempt, not an expired session,
// so it maps to a plain APIError instead of ErrAuthExpired.
func isAuthPath(path string) bool {
	return strings.HasPrefix(path, "/api/auth/")
}

// doJSON performs a request and decodes the response into out (out may be
// nil for endpoints that return 204 or an ignorable body).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	c.logRequest(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	c.logResponse(resp, time.Since(start))

	data, err := readResponse(resp)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.responseError(path, resp.StatusCode, data)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// readResponse reads the response body with a size limit.
// SECURITY: Response size limit prevents memory exhaustion attacks.
func readResponse(resp *http.Response) ([]byte, error) {
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// responseError maps a non-2xx response to the error taxonomy.
func (c *Client) responseError(path string, statusCode int, body []byte) error {
	apiErr := &APIError{Status: statusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr = &APIError{Status: statusCode, Message: http.StatusText(statusCode)}
	}
	apiErr.Status = statusCode

	switch statusCode {
	case http.StatusUnauthorized:
		if isAuthPath(path) {
			return apiErr
		}
		return fmt.Errorf("%w: %s", ErrAuthExpired, apiErr.Message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	default:
		return apiErr
	}
}

// =============================================================================
// REPLY STREAM
// =============================================================================

// ReplyStream is an open reply stream. Callers must Close it to release
// the underlying connection; closing also unblocks a pending read.
type ReplyStream struct {
	*stream.Reader
	body io.ReadCloser
}

// Close releases the underlying response body.
func (s *ReplyStream) Close() error {
	return s.body.Close()
}

// openStream performs a streaming POST and fails fast on a non-2xx status.
func (c *Client) openStream(ctx context.Context, path string, in any) (*ReplyStream, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	c.logRequest(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := readResponse(resp)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		return nil, c.responseError(path, resp.StatusCode, body)
	}

	return &ReplyStream{
		Reader: stream.NewReader(resp.Body),
		body:   resp.Body,
	}, nil
}
