// Package apiclient talks to the remote storefront REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"storefront/internal/util"

	"go.uber.org/zap"
)

const (
	csrfCookieName     = "XSRF-TOKEN"
	csrfHeaderName     = "X-XSRF-TOKEN"
	upstreamCookieName = "upstream"
	maxBodyBytes       = 10 << 20
)

var numericSegment = regexp.MustCompile(`/\d+(/|$)`)

// TokenSource yields the bearer token for the browser session carried by ctx.
// An empty token means the request goes out unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// CookieStore keeps the cookies the API sets, per browser session
type CookieStore interface {
	GetCookie(ctx context.Context, sid, name string) (string, bool, error)
	SetCookie(ctx context.Context, sid, name, value string, ttl time.Duration) error
}

// Client is the HTTP adapter for the storefront API
type Client struct {
	baseURL    *url.URL
	csrfPath   string
	httpClient *http.Client
	tokens     TokenSource
	cookies    CookieStore
	cookieTTL  time.Duration
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTokenSource sets where bearer tokens come from
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithHTTPClient replaces the underlying http.Client. Its Jar is ignored;
// cookies are kept per session in the CookieStore.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCookieStore keeps upstream cookies in store for ttl
func WithCookieStore(store CookieStore, ttl time.Duration) Option {
	return func(c *Client) {
		c.cookies = store
		c.cookieTTL = ttl
	}
}

// NewClient creates a new API client
func NewClient(baseURL, csrfPath string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}

	c := &Client{
		baseURL:  u,
		csrfPath: csrfPath,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cookies: newMemoryCookies(),
		logger:  util.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.Jar = nil

	return c, nil
}

// SetTokenSource wires the token source after construction
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// PrimeCSRF fetches the CSRF cookie that login and register require
func (c *Client) PrimeCSRF(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "APIClient.PrimeCSRF")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+c.csrfPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	sid, jar := c.sessionCookies(ctx)
	attachCookies(req, jar)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(http.MethodGet, c.csrfPath, 0, start)
		util.RecordError(span, err)
		return fmt.Errorf("prime csrf: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	c.observe(http.MethodGet, c.csrfPath, resp.StatusCode, start)
	c.keepCookies(ctx, sid, jar, resp)

	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Endpoint: c.csrfPath}
	}
	return nil
}

// Do sends a JSON request and decodes the JSON response into out.
// Responses wrapped as {"data": ...} or under one of unwrap keys are unwrapped.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}, unwrap ...string) error {
	endpoint := endpointLabel(path)
	ctx, span := util.StartSpan(ctx, "APIClient "+method+" "+endpoint)
	defer span.End()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	sid, jar := c.sessionCookies(ctx)
	attachCookies(req, jar)
	if method != http.MethodGet {
		if token := csrfToken(jar); token != "" {
			req.Header.Set(csrfHeaderName, token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, endpoint, 0, start)
		util.RecordError(span, err)
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	c.observe(method, endpoint, resp.StatusCode, start)
	c.keepCookies(ctx, sid, jar, resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := c.decodeError(resp.StatusCode, endpoint, data)
		util.RecordError(span, apiErr)
		c.logger.Debug("API request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.Error(apiErr))
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := decodeJSON(data, out, unwrap...); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to read auth token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// sessionCookies loads the upstream cookies of the session carried by ctx.
// Requests without a session carry no cookies.
func (c *Client) sessionCookies(ctx context.Context) (string, map[string]string) {
	sid, ok := util.SessionID(ctx)
	if !ok || c.cookies == nil {
		return "", nil
	}

	jar := make(map[string]string)
	raw, found, err := c.cookies.GetCookie(ctx, sid, upstreamCookieName)
	if err != nil {
		c.logger.Warn("Failed to load upstream cookies", zap.String("sid", sid), zap.Error(err))
		return sid, jar
	}
	if found && raw != "" {
		if err := json.Unmarshal([]byte(raw), &jar); err != nil {
			c.logger.Warn("Discarding unreadable upstream cookies", zap.String("sid", sid), zap.Error(err))
			jar = make(map[string]string)
		}
	}
	return sid, jar
}

// keepCookies merges the response's Set-Cookie headers into the session jar
func (c *Client) keepCookies(ctx context.Context, sid string, jar map[string]string, resp *http.Response) {
	if sid == "" || jar == nil {
		return
	}

	changed := false
	now := time.Now()
	for _, cookie := range resp.Cookies() {
		expired := cookie.MaxAge < 0 || (!cookie.Expires.IsZero() && cookie.Expires.Before(now))
		if expired || cookie.Value == "" {
			if _, ok := jar[cookie.Name]; ok {
				delete(jar, cookie.Name)
				changed = true
			}
			continue
		}
		if jar[cookie.Name] != cookie.Value {
			jar[cookie.Name] = cookie.Value
			changed = true
		}
	}
	if !changed {
		return
	}

	data, err := json.Marshal(jar)
	if err == nil {
		err = c.cookies.SetCookie(ctx, sid, upstreamCookieName, string(data), c.cookieTTL)
	}
	if err != nil {
		c.logger.Warn("Failed to store upstream cookies", zap.String("sid", sid), zap.Error(err))
	}
}

func attachCookies(req *http.Request, jar map[string]string) {
	for name, value := range jar {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

func csrfToken(jar map[string]string) string {
	value, ok := jar[csrfCookieName]
	if !ok {
		return ""
	}
	if v, err := url.QueryUnescape(value); err == nil {
		return v
	}
	return value
}

func (c *Client) decodeError(status int, endpoint string, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)

	if body.AvailableQuantity != nil && (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity) {
		return &StockError{Available: *body.AvailableQuantity, Message: body.text()}
	}
	return &APIError{Status: status, Endpoint: endpoint, Message: body.text()}
}

func (c *Client) observe(method, endpoint string, status int, start time.Time) {
	util.APIClientRequestDuration.WithLabelValues(method, endpoint, strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
}

// endpointLabel collapses ids so metrics and spans keep a bounded cardinality
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for numericSegment.MatchString(path) {
		path = numericSegment.ReplaceAllString(path, "/:id$1")
	}
	return path
}

func decodeJSON(data []byte, out interface{}, unwrap ...string) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err == nil {
			for _, key := range append([]string{"data"}, unwrap...) {
				if inner, ok := envelope[key]; ok && wantsInner(out, inner) {
					return json.Unmarshal(inner, out)
				}
			}
		}
	}
	return json.Unmarshal(trimmed, out)
}

// wantsInner reports whether inner has the JSON shape out expects
func wantsInner(out interface{}, inner json.RawMessage) bool {
	inner = bytes.TrimSpace(inner)
	if len(inner) == 0 {
		return false
	}
	t := reflect.TypeOf(out)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Slice:
		return inner[0] == '['
	case reflect.Struct, reflect.Map:
		return inner[0] == '{'
	}
	return true
}

// memoryCookies is the process-local CookieStore used when none is configured
type memoryCookies struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryCookies() *memoryCookies {
	return &memoryCookies{values: make(map[string]string)}
}

func (m *memoryCookies) GetCookie(_ context.Context, sid, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[sid+":"+name]
	return v, ok, nil
}

func (m *memoryCookies) SetCookie(_ context.Context, sid, name, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[sid+":"+name] = value
	return nil
}
