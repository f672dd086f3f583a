// Package store implements the production store client: document reads and
// writes over the OADA REST API with bearer auth and a retrying HTTP/2
// transport, plus a websocket change feed backing watches. It is the
// deployed implementation of core.Store; the engine's own tests run against
// the in-memory store instead.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"
	"golang.org/x/oauth2"

	"github.com/OADA/jobs/internal/core"

	apperrors "github.com/OADA/jobs/internal/errors"
)

// Defaults applied by Connect for zero Config fields.
const (
	// DefaultConcurrency is the parallelism hint handed to the service when
	// the configuration names none.
	DefaultConcurrency = 1
	// DefaultTimeout bounds each request attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultRetries is the transient retry budget per request.
	DefaultRetries = 4
)

const (
	retryWaitMin = 100 * time.Millisecond
	retryWaitMax = 5 * time.Second
)

// headerRev carries a document's revision on read responses.
const headerRev = "X-OADA-Rev"

// errorBodyLimit caps how much of an error response lands in messages.
const errorBodyLimit = 512

// Config connects a Client to one store.
type Config struct {
	// Domain is the store host, with or without a scheme. A bare host is
	// dialed over https.
	Domain string
	// Token is the bearer token presented on every request.
	Token string
	// Concurrency is the parallelism hint reported through the Client.
	// Defaults to DefaultConcurrency.
	Concurrency int
	// Timeout bounds each request attempt. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Retries is the transient retry budget per request. Zero means
	// DefaultRetries; negative disables retrying.
	Retries int
	// HTTPClient replaces the built transport under the retry and auth
	// layers. Optional.
	HTTPClient *http.Client
	// Logger receives transport diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Client is a store handle over one domain and token. It is safe for
// concurrent use.
type Client struct {
	base   *url.URL
	wsURL  string
	token  string
	http   *http.Client
	hint   int
	logger *slog.Logger
}

var (
	_ core.Store             = (*Client)(nil)
	_ core.ConcurrencyHinter = (*Client)(nil)
)

// Connect builds a client for cfg and verifies the domain and token with a
// single existence check on /bookmarks.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Domain == "" {
		return nil, errors.New("store domain is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("store token is required")
	}
	base, err := parseDomain(cfg.Domain)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "domain", base.Host)

	inner := cfg.HTTPClient
	if inner == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		inner = &http.Client{Transport: transport, Timeout: timeout}
	}

	retrier := retryablehttp.NewClient()
	retrier.HTTPClient = inner
	retrier.RetryMax = cfg.Retries
	if retrier.RetryMax == 0 {
		retrier.RetryMax = DefaultRetries
	} else if retrier.RetryMax < 0 {
		retrier.RetryMax = 0
	}
	retrier.RetryWaitMin = retryWaitMin
	retrier.RetryWaitMax = retryWaitMax
	retrier.Logger = retryLogger{logger}
	// Hand exhausted responses back unclassified so statusErr maps them.
	retrier.ErrorHandler = retryablehttp.PassthroughErrorHandler

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	authCtx := context.WithValue(context.Background(), oauth2.HTTPClient, retrier.StandardClient())

	hint := cfg.Concurrency
	if hint <= 0 {
		hint = DefaultConcurrency
	}

	c := &Client{
		base:   base,
		wsURL:  wsEndpoint(base),
		token:  cfg.Token,
		http:   oauth2.NewClient(authCtx, source),
		hint:   hint,
		logger: logger,
	}
	if err := c.Head(ctx, "/bookmarks"); err != nil {
		return nil, fmt.Errorf("connect %s: %w", base.Host, err)
	}
	return c, nil
}

// Head implements core.Store.
func (c *Client) Head(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodHead, path, "", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, path)
	if err != nil {
		return err
	}
	defer drain(resp)
	if !success(resp) {
		return statusErr(resp, http.MethodHead, path)
	}
	return nil
}

// Get implements core.Store.
func (c *Client) Get(ctx context.Context, path string) (*core.GetResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, path)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if !success(resp) {
		return nil, statusErr(resp, http.MethodGet, path)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transientf(err, "read %s", path)
	}
	return &core.GetResult{Data: data, Rev: resp.Header.Get(headerRev)}, nil
}

// Put implements core.Store.
func (c *Client) Put(ctx context.Context, preq core.PutRequest) error {
	contentType := preq.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, http.MethodPut, preq.Path, contentType, preq.Body)
	if err != nil {
		return err
	}
	resp, err := c.do(req, preq.Path)
	if err != nil {
		return err
	}
	defer drain(resp)
	if !success(resp) {
		return statusErr(resp, http.MethodPut, preq.Path)
	}
	return nil
}

// Post implements core.Store. The created document's id comes back in the
// Content-Location response header.
func (c *Client) Post(ctx context.Context, preq core.PostRequest) (string, error) {
	contentType := preq.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, http.MethodPost, preq.Path, contentType, preq.Body)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req, preq.Path)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if !success(resp) {
		return "", statusErr(resp, http.MethodPost, preq.Path)
	}
	location := resp.Header.Get("Content-Location")
	if location == "" {
		err := errors.New("response carries no Content-Location")
		return "", apperrors.Request(err, fmt.Sprintf("POST %s", preq.Path))
	}
	return strings.TrimPrefix(location, "/"), nil
}

// Delete implements core.Store.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, "", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, path)
	if err != nil {
		return err
	}
	defer drain(resp)
	if !success(resp) {
		return statusErr(resp, http.MethodDelete, path)
	}
	return nil
}

// Concurrency implements core.ConcurrencyHinter.
func (c *Client) Concurrency() int { return c.hint }

// newRequest builds one request against the client's base URL. A non-nil
// body is JSON-encoded.
func (c *Client) newRequest(ctx context.Context, method, path, contentType string, body any) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := *c.base
	target.Path = path

	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		payload = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), payload)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do sends one request. Transport failures are transient except for the
// caller's own context ending.
func (c *Client) do(req *http.Request, path string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperrors.Transientf(err, "%s %s", req.Method, path)
	}
	return resp, nil
}

func success(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// statusErr maps a non-2xx response: 404 is not-found, 5xx is transient, and
// any other 4xx is a rejected request.
func statusErr(resp *http.Response, method, path string) error {
	if resp.StatusCode == http.StatusNotFound {
		return apperrors.NotFound(path)
	}
	msg := resp.Status
	if snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit)); len(bytes.TrimSpace(snippet)) > 0 {
		msg = fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	cause := errors.New(msg)
	if resp.StatusCode >= http.StatusInternalServerError {
		return apperrors.Transientf(cause, "%s %s", method, path)
	}
	return apperrors.Request(cause, fmt.Sprintf("%s %s", method, path))
}

// drain discards any remaining body so the connection is reusable.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// parseDomain normalizes a configured domain into a base URL.
func parseDomain(domain string) (*url.URL, error) {
	d := strings.TrimRight(domain, "/")
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	u, err := url.Parse(d)
	if err != nil {
		return nil, fmt.Errorf("parse domain %q: %w", domain, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("domain %q: unsupported scheme %q", domain, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("domain %q has no host", domain)
	}
	return u, nil
}

// wsEndpoint derives the websocket endpoint from the base URL.
func wsEndpoint(base *url.URL) string {
	ws := *base
	if ws.Scheme == "https" {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}
	return ws.String()
}

// retryLogger adapts slog to the leveled logger the retrying client wants.
type retryLogger struct {
	logger *slog.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

func (l retryLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l retryLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l retryLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}
