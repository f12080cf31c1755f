// Package graph is the Remote API Client: authenticated JSON requests
// against Microsoft Graph with pacing, retry of idempotent calls and OData
// paging.
package graph

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/NissesSenap/teams-changefeed/internal/retry"
)

// DefaultBaseURL is the public Graph endpoint.
const DefaultBaseURL = "https://graph.microsoft.com"

const maxResponseBytes = 16 << 20

// Requester performs one logical request. Implementations decide about
// retries; callers see either a 2xx Response or an error.
type Requester interface {
	Request(ctx context.Context, method, path string, body any, query url.Values) (*Response, error)
}

// Response is a successful reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding graph response: %w", err)
	}
	return nil
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// HTTPClient must attach credentials; see auth.NewGraphHTTPClient.
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Policy
	Logger            zerolog.Logger
}

// Client is the HTTP Requester.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	logger     zerolog.Logger
	now        func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing graph base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("graph base URL %q must be absolute", raw)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		policy:     policy,
		logger:     opts.Logger,
		now:        time.Now,
	}, nil
}

// BaseURL returns the configured endpoint without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Request sends method to path (relative to the base URL) with an optional
// JSON body. Throttling and 5xx answers are retried per the client's policy
// for idempotent methods only; a POST is sent once.
func (c *Client) Request(ctx context.Context, method, path string, body any, query url.Values) (*Response, error) {
	if strings.Contains(path, "://") {
		return nil, fmt.Errorf("graph path %q must be relative; use SplitLink for absolute links", path)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	// Links returned through SplitLink already carry the base path.
	if prefix := c.baseURL.EscapedPath(); prefix != "" && strings.HasPrefix(path, prefix+"/") {
		path = strings.TrimPrefix(path, prefix)
	}

	ref, err := url.Parse("/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing graph path: %w", err)
	}
	target := *c.baseURL
	target.Path = c.baseURL.Path + ref.Path
	target.RawPath = c.baseURL.EscapedPath() + ref.EscapedPath()
	target.RawQuery = query.Encode()

	policy := c.policy
	if !idempotent(method) {
		policy.MaxAttempts = 1
	}

	var resp *Response
	err = retry.Do(ctx, policy, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		resp, err = c.do(ctx, method, path, target.String(), payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// idempotent reports whether repeating method cannot create a second
// resource. PATCH qualifies because renewals carry an absolute expiry.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodPatch, http.MethodPut:
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path, target string, payload []byte) (*Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client-request-id", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := c.now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("graph %s %s: reading response: %w", method, path, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", httpResp.StatusCode).
		Dur("duration", c.now().Sub(start)).
		Str("request_id", req.Header.Get("client-request-id")).
		Msg("graph request")

	if httpResp.StatusCode >= 200 && httpResp.StatusCode <= 299 {
		return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
	}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	return nil, &RequestError{
		Method:     method,
		Path:       path,
		StatusCode: httpResp.StatusCode,
		Code:       envelope.Error.Code,
		Message:    envelope.Error.Message,
		Body:       data,
		retryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After"), c.now()),
	}
}

// Page is one page of an OData collection.
type Page struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink,omitempty"`
	DeltaLink string            `json:"@odata.deltaLink,omitempty"`
}

// SplitLink reduces an absolute @odata link to the path and query that
// Request expects. The API version segment stays part of the path, and so
// does any base path prefix, which Request strips.
func SplitLink(link string) (string, url.Values, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", nil, fmt.Errorf("parsing link: %w", err)
	}
	if u.Path == "" {
		return "", nil, errors.New("link has no path")
	}
	return u.EscapedPath(), u.Query(), nil
}
