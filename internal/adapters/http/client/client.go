// Package client talks to the resonance HTTP API: time probes, session
// records and diagnostics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okian/resonance/internal/adapters/repository"
	"github.com/okian/resonance/internal/domain/model"
)

const defaultTimeout = 10 * time.Second

// ErrUnexpectedStatus is returned for responses outside the documented codes.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Client is a typed wrapper over the HTTP API.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse server url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.base.String() }

type timeResponse struct {
	Epoch int64 `json:"epoch"`
}

// Epoch probes GET /time.
func (c *Client) Epoch(ctx context.Context) (time.Time, error) {
	var resp timeResponse
	if err := c.do(ctx, http.MethodGet, "/time", nil, http.StatusOK, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.Epoch), nil
}

// CreateSession posts a new session record.
func (c *Client) CreateSession(ctx context.Context, s model.SyncSession) (model.SyncSession, error) {
	var out model.SyncSession
	if err := c.do(ctx, http.MethodPost, "/sessions", s, http.StatusCreated, &out); err != nil {
		return model.SyncSession{}, err
	}
	return out, nil
}

// GetSession reads a session record.
func (c *Client) GetSession(ctx context.Context, id string) (model.SyncSession, error) {
	var out model.SyncSession
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return model.SyncSession{}, err
	}
	return out, nil
}

// JoinSession registers clientID and returns the record.
func (c *Client) JoinSession(ctx context.Context, id, clientID string) (model.SyncSession, error) {
	var out model.SyncSession
	body := map[string]string{"client_id": clientID}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/participants", body, http.StatusOK, &out); err != nil {
		return model.SyncSession{}, err
	}
	return out, nil
}

// LeaveSession unregisters clientID.
func (c *Client) LeaveSession(ctx context.Context, id, clientID string) error {
	path := "/sessions/" + url.PathEscape(id) + "/participants/" + url.PathEscape(clientID)
	return c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

// Write posts one diagnostics report.
func (c *Client) Write(ctx context.Context, r model.DiagnosticReport) error { //nolint:gocritic // hugeParam
	return c.do(ctx, http.MethodPost, "/diagnostics", r, http.StatusAccepted, nil)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		return statusError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	var kind error
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = repository.ErrNotFound
	case http.StatusConflict:
		kind = repository.ErrAlreadyExists
	case http.StatusBadRequest:
		kind = model.ErrInvalidSession
	default:
		kind = ErrUnexpectedStatus
	}
	return fmt.Errorf("%s %s: %w (%d): %s", method, path, kind, resp.StatusCode, msg)
}
