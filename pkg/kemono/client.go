package kemono

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	errs "k2dl/pkg/errors"
	"k2dl/pkg/logger"
	"k2dl/pkg/ratelimit"
	"k2dl/pkg/retry"
)

// ClientConfig configures a Client
type ClientConfig struct {
	UserAgent      string
	AcceptLanguage string
	// Timeout is the default per-request timeout
	Timeout time.Duration
	// MaxRetries is the default attempt count for Get
	MaxRetries int
	// PoolSize bounds idle connections kept per host
	PoolSize int
	// Limiter paces API requests; nil means unlimited
	Limiter ratelimit.Limiter
	// Backoff is waited between Get attempts; nil means 1s, 2s, 4s...
	Backoff retry.BackoffStrategy
	// Transport overrides the HTTP transport, mainly for tests
	Transport http.RoundTripper
}

// Client is the one HTTP client shared by every component. It owns the
// connection pool and applies the common headers to each request.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	timeout    time.Duration
	maxRetries int
	limiter    ratelimit.Limiter
	backoff    retry.BackoffStrategy
	logger     logger.Logger
}

// Response is a fully read API response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestOptions tunes one Get call. Zero values fall back to client defaults.
type RequestOptions struct {
	Header     http.Header
	MaxRetries int
	Timeout    time.Duration
}

// NewClient creates a new API client
func NewClient(cfg ClientConfig, log logger.Logger) *Client {
	log = logger.OrGlobal(log).WithField("component", "http")

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited{}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.APIBackoff()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0"
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "en-US,en;q=0.9"
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          cfg.PoolSize * 2,
			MaxIdleConnsPerHost:   cfg.PoolSize,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		}
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		headers: map[string]string{
			"User-Agent":      cfg.UserAgent,
			"Accept":          "text/css",
			"Accept-Language": cfg.AcceptLanguage,
			"Accept-Encoding": "gzip",
			"Connection":      "keep-alive",
		},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		limiter:    cfg.Limiter,
		backoff:    cfg.Backoff,
		logger:     log,
	}
}

// SetHeader sets a static header sent with every request
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// APIHeader returns the header set for JSON endpoints of d
func (c *Client) APIHeader(d Domain) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Referer", d.Referer)
	return h
}

// FileHeader returns the header set for file transfers from d
func (c *Client) FileHeader(d Domain) http.Header {
	h := http.Header{}
	h.Set("Referer", d.Referer)
	return h
}

func (c *Client) newRequest(ctx context.Context, method, url string, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeUnknown, "failed to create request", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	for key, values := range header {
		req.Header[key] = append([]string(nil), values...)
	}
	return req, nil
}

// do performs one paced GET and reads the whole body within timeout
func (c *Client) do(ctx context.Context, url string, header http.Header, timeout time.Duration) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodGet, url, header)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeNetwork, "failed to read response body", err)
	}
	logger.LogRequest(c.logger, http.MethodGet, url, resp.StatusCode, time.Since(start))

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Get issues a GET with bounded retries. A 403 is retried once straight away
// with a reduced Accept header; statuses that cannot recover (404, 416 and
// other client errors) return at once. Other failures wait 2^attempt
// seconds before the next attempt. Exhausted retries return an error the
// caller should treat as "no data right now".
func (c *Client) Get(ctx context.Context, url string, opts RequestOptions) (*Response, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.maxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := c.do(ctx, url, header, timeout)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", errs.ErrInterrupted, ctx.Err())
			}
			lastErr = err
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusForbidden:
			header.Set("Accept", "text/css")
			retried, err := c.do(ctx, url, header, timeout)
			if err == nil && retried.StatusCode == http.StatusOK {
				return retried, nil
			}
			if err != nil {
				lastErr = err
			} else {
				lastErr = errs.FromStatus(retried.StatusCode, url)
			}
		case !errs.IsRetryableStatusCode(resp.StatusCode):
			return nil, errs.FromStatus(resp.StatusCode, url)
		default:
			lastErr = errs.FromStatus(resp.StatusCode, url)
		}

		if attempt < maxRetries-1 {
			if err := retry.Wait(ctx, c.backoff.NextDelay(attempt+1)); err != nil {
				return nil, fmt.Errorf("%w: %v", errs.ErrInterrupted, err)
			}
		}
	}

	c.logger.WarnWithFields("request failed after retries", map[string]interface{}{
		"url":      url,
		"attempts": maxRetries,
		"error":    lastErr.Error(),
	})
	return nil, lastErr
}

// GetJSON performs Get and decodes the body into target
func (c *Client) GetJSON(ctx context.Context, url string, opts RequestOptions, target interface{}) error {
	resp, err := c.Get(ctx, url, opts)
	if err != nil {
		return err
	}
	if err := DecodeJSON(resp.Body, target); err != nil {
		preview := string(resp.Body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		c.logger.WarnWithFields("failed to parse JSON response", map[string]interface{}{
			"url":          url,
			"error":        err.Error(),
			"body_preview": preview,
		})
		return err
	}
	return nil
}

// DecodeJSON undoes gzip framing (magic bytes 1F 8B) when present, replaces
// invalid UTF-8 and unmarshals. A body that fails to decompress is parsed
// as is.
func DecodeJSON(body []byte, target interface{}) error {
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		if zr, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if plain, err := io.ReadAll(zr); err == nil {
				body = plain
			}
			zr.Close()
		}
	}

	body = bytes.ToValidUTF8(body, []byte("�"))
	if err := json.Unmarshal(body, target); err != nil {
		return errs.New(errs.ErrorTypeParsing, "invalid JSON response", err)
	}
	return nil
}

// ContentLength probes url with HEAD, following redirects. The probe asks
// for the identity encoding so the length is the size on disk. Any failure
// yields 0.
func (c *Client) ContentLength(ctx context.Context, url string, header http.Header, timeout time.Duration) int64 {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodHead, url, header)
	if err != nil {
		return 0
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.DebugWithFields("size probe failed", map[string]interface{}{"url": url, "error": err.Error()})
		return 0
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size < 0 {
		return 0
	}
	return size
}

// Open starts a streaming GET for a file transfer. The caller owns the body.
// Transfers ask for the identity encoding so byte offsets match the file.
func (c *Client) Open(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, header)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Del("Accept")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInterrupted, ctx.Err())
		}
		return nil, errs.New(errs.ErrorTypeNetwork, "transfer request failed", err)
	}
	return resp, nil
}
