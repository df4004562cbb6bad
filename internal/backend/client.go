package backend

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout    = 10 * time.Second
	idempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 256
)

var (
	// ErrNotConfigured is returned when the client has no base URL.
	ErrNotConfigured = errors.New("backend: base url not configured")
	// ErrMalformedResponse indicates the backend answered with an undecodable or incomplete body.
	ErrMalformedResponse = errors.New("backend: malformed response")
)

// StatusError reports a non-success HTTP status returned by the backend.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "backend: status error"
	}
	return fmt.Sprintf("backend: %s status %d: %s", e.Op, e.Status, e.Body)
}

// Client calls the commerce backend REST endpoints used by checkout.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option customises the backend client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithServiceToken sets the bearer token used when the request context carries no user token.
func WithServiceToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTimeout overrides the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 && c.http != nil {
			c.http.Timeout = timeout
		}
	}
}

// NewClient constructs a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "backend " + r.Method + " " + r.URL.Path
				}),
			),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type tokenKey struct{}

// WithUserToken stores the caller's bearer token so backend calls act on the user's behalf.
func WithUserToken(ctx context.Context, token string) context.Context {
	token = strings.TrimSpace(token)
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

func userToken(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

type call struct {
	op             string
	method         string
	path           []string
	query          url.Values
	body           any
	idempotencyKey string
}

func (c *Client) do(ctx context.Context, req call, out any) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}
	endpoint, err := url.JoinPath(c.baseURL, req.path...)
	if err != nil {
		return err
	}
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var reader io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if token := userToken(ctx); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if key := strings.TrimSpace(req.idempotencyKey); key != "" {
		httpReq.Header.Set(idempotencyHeader, key)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", req.op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &StatusError{Op: req.op, Status: resp.StatusCode, Body: drainError(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, req.op, err)
	}
	return nil
}

func drainError(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
