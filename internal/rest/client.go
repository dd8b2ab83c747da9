// Package rest is the HTTP client for the chat backend.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/fleetchat/internal/apierr"
	"github.com/matheus3301/fleetchat/internal/metrics"
)

// DefaultTimeout bounds each HTTP exchange.
const DefaultTimeout = 15 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 8 << 20

// TokenSource supplies bearer tokens. ForceRefresh is called at most once
// per request, after a 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client calls the chat REST endpoints with bearer authentication.
type Client struct {
	base    string
	http    *http.Client
	tokens  TokenSource
	members memberFlight
	log     *zap.Logger
}

// New creates a Client for baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: DefaultTimeout},
		tokens: tokens,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs an authenticated request. A 401 triggers exactly one forced
// token refresh and retry.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	status, body, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		metrics.RESTFailures.WithLabelValues(op).Inc()
		return apierr.Transient(op, err)
	}
	if status == http.StatusUnauthorized {
		c.log.Debug("request unauthorized, refreshing token", zap.String("op", op))
		if token, err = c.tokens.ForceRefresh(ctx); err != nil {
			return err
		}
		status, body, err = c.send(ctx, method, path, payload, token)
		if err != nil {
			metrics.RESTFailures.WithLabelValues(op).Inc()
			return apierr.Transient(op, err)
		}
	}
	if status < 200 || status > 299 {
		metrics.RESTFailures.WithLabelValues(op).Inc()
		return apierr.FromStatus(op, status, errorMessage(body))
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := decodeData(body, out); err != nil {
		return apierr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// decodeData decodes either a bare JSON value or one wrapped in {"data": ...}.
func decodeData(body []byte, out any) error {
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Data) > 0 {
			body = wrapped.Data
		}
	}
	return json.Unmarshal(body, out)
}

// errorMessage extracts the server-provided message from an error body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
