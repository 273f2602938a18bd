package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
)

const (
	pushPath = "/sync/push"
	pullPath = "/sync/pull"

	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

// envelope is the response body shape for both endpoints.
type envelope struct {
	Success bool                   `json:"success"`
	Data    []*models.ChangeRecord `json:"data"`
	Error   string                 `json:"error,omitempty"`
}

// HTTPClient implements Client against the JSON sync API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithHeader adds a header to every request, e.g. credentials supplied by the host app.
func WithHeader(key, value string) Option {
	return func(c *HTTPClient) { c.headers.Add(key, value) }
}

// NewHTTPClient creates an HTTPClient rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push implements Client.
func (c *HTTPClient) Push(ctx context.Context, changes []*models.ChangeRecord) (*PushResult, error) {
	if changes == nil {
		changes = []*models.ChangeRecord{}
	}
	body, err := json.Marshal(changes)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode push", err)
	}

	req, err := c.createRequest(ctx, http.MethodPost, pushPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	env, err := c.do(ctx, req, "push")
	if err != nil {
		return nil, err
	}
	return &PushResult{Acks: env.Data}, nil
}

// Pull implements Client.
func (c *HTTPClient) Pull(ctx context.Context, since time.Time) ([]*models.ChangeRecord, error) {
	path := pullPath + "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	req, err := c.createRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	env, err := c.do(ctx, req, "pull")
	if err != nil {
		return nil, err
	}
	if env.Data == nil {
		return []*models.ChangeRecord{}, nil
	}
	return env.Data, nil
}

// createRequest builds a request for path under the base URL.
func (c *HTTPClient) createRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return req, nil
}

// do executes req and decodes the envelope. Transport failures, non-2xx
// statuses and success=false all come back as NETWORK_ERROR; an expired
// deadline comes back as SYNC_TIMEOUT.
func (c *HTTPClient) do(ctx context.Context, req *http.Request, op string) (*envelope, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, op+" timed out", err)
		}
		return nil, apperrors.Network(op+" request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apperrors.Network(fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, op+" timed out", err)
		}
		return nil, apperrors.Network("failed to decode "+op+" response", err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "service reported failure"
		}
		return nil, apperrors.Network(op+" rejected: "+msg, nil)
	}
	return &env, nil
}

var _ Client = (*HTTPClient)(nil)
