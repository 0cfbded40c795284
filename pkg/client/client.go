// Package client is a typed HTTP client for the trust query API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBaseURL is the address of a locally running trustd.
const DefaultBaseURL = "http://localhost:8080"

// Client calls one trustd instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	user       string
	groups     []string
	role       string
	namespace  string
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithToken sends an "Authorization: Bearer" header.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithIdentity sends the X-Remote-User, X-Remote-Group and X-User-Role
// headers a trusted proxy would set.
func WithIdentity(user string, groups []string, role string) Option {
	return func(c *Client) {
		c.user = user
		c.groups = groups
		c.role = role
	}
}

// WithNamespace selects the tenant on every request.
func WithNamespace(ns string) Option {
	return func(c *Client) {
		c.namespace = ns
	}
}

// WithMaxRetries bounds the retries of rate-limited, server-side and
// transport failures. Zero disables retrying.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KPIs returns the current fleet indicators.
func (c *Client) KPIs(ctx context.Context) (*KPIs, error) {
	var kpis KPIs
	if err := c.do(ctx, http.MethodGet, "/trust", nil, &kpis); err != nil {
		return nil, err
	}
	return &kpis, nil
}

// Refresh requests an out-of-cycle trust recomputation.
func (c *Client) Refresh(ctx context.Context) (*RefreshResult, error) {
	var res RefreshResult
	if err := c.do(ctx, http.MethodPost, "/trust/refresh", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Job returns one run request.
func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/v1alpha1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListAgents lists agents of the selected tenant. opts may be nil.
func (c *Client) ListAgents(ctx context.Context, opts *ListAgentsOptions) ([]Agent, error) {
	q := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			q.Set("status", opts.Status)
		}
		if opts.Type != "" {
			q.Set("type", opts.Type)
		}
		if opts.Capability != "" {
			q.Set("capability", opts.Capability)
		}
		if opts.Region != "" {
			q.Set("region", opts.Region)
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	path := "/api/agents/v1alpha1/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// AgentHealth returns the health view of one agent.
func (c *Client) AgentHealth(ctx context.Context, ref string) (*AgentHealth, error) {
	var h AgentHealth
	if err := c.do(ctx, http.MethodGet, "/api/agents/v1alpha1/agents/"+url.PathEscape(ref)+"/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Report returns the newest compliance report, "markdown" or "json".
func (c *Client) Report(ctx context.Context, format string) ([]byte, error) {
	var buf bytes.Buffer
	path := "/api/audit/v1alpha1/report?format=" + url.QueryEscape(format)
	if err := c.do(ctx, http.MethodGet, path, nil, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyTrail asks the server to verify its signed trail.
func (c *Client) VerifyTrail(ctx context.Context) (*TrailVerification, error) {
	var v TrailVerification
	if err := c.do(ctx, http.MethodGet, "/api/audit/v1alpha1/trail/verify", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// do sends one request, retrying retryable failures. out is either a
// *bytes.Buffer receiving the raw body or a value the JSON body decodes
// into.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	op := func() error {
		err := c.once(ctx, method, path, payload, out)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.maxRetries > 0 {
		b = backoff.WithMaxRetries(c.newBackOff(), c.maxRetries)
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	c.decorate(req, payload != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if buf, ok := out.(*bytes.Buffer); ok {
		buf.Reset()
		if _, err := io.Copy(buf, resp.Body); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) decorate(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.user != "" {
		req.Header.Set("X-Remote-User", c.user)
	}
	if len(c.groups) > 0 {
		req.Header.Set("X-Remote-Group", strings.Join(c.groups, ","))
	}
	if c.role != "" {
		req.Header.Set("X-User-Role", c.role)
	}
	if c.namespace != "" {
		req.Header.Set("X-Namespace", c.namespace)
	}
}
