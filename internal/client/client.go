package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/querykit/internal/metrics"
)

// DefaultCacheHeader is the response header signalling intermediary cache status.
const DefaultCacheHeader = "X-Cache"

// httpDoer represents the minimal client contract used to issue requests.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	// BaseURL resolves root-relative request paths. Absolute URLs bypass it.
	BaseURL string
	// HTTP overrides the transport. Defaults to an http.Client with a cookie jar
	// and no application-level timeout.
	HTTP httpDoer
	// SessionCookie is forwarded verbatim in the Cookie header, e.g. "sid=abc".
	SessionCookie string
	// CacheHeader names the response header carrying HIT or MISS.
	CacheHeader string
	// CorrelationHeader, when set, carries a fresh request id on every call.
	CorrelationHeader string
	Samples           *metrics.Store
	Metrics           *metrics.Recorder
	// LogSamples logs every performance sample at debug level.
	LogSamples bool
}

// Client performs single HTTP/JSON exchanges and records how each one went.
// It never retries; retry policy belongs to its callers.
type Client struct {
	base              *url.URL
	http              httpDoer
	sessionCookie     string
	cacheHeader       string
	correlationHeader string
	samples           *metrics.Store
	metrics           *metrics.Recorder
	logSamples        bool
	logger            *slog.Logger
}

// New constructs a Client.
func New(logger *slog.Logger, opts Options) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var base *url.URL
	if trimmed := strings.TrimSpace(opts.BaseURL); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("client: parse base url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("client: base url %q must be absolute", trimmed)
		}
		base = parsed
	}
	doer := opts.HTTP
	if doer == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("client: cookie jar: %w", err)
		}
		doer = &http.Client{Jar: jar}
	}
	cacheHeader := strings.TrimSpace(opts.CacheHeader)
	if cacheHeader == "" {
		cacheHeader = DefaultCacheHeader
	}
	return &Client{
		base:              base,
		http:              doer,
		sessionCookie:     strings.TrimSpace(opts.SessionCookie),
		cacheHeader:       cacheHeader,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		samples:           opts.Samples,
		metrics:           opts.Metrics,
		logSamples:        opts.LogSamples,
		logger:            logger.With(slog.String("agent", "request_client")),
	}, nil
}

// Request issues one exchange and returns the JSON body. A successful empty
// body yields a nil message.
func (c *Client) Request(ctx context.Context, method, rawURL string, body any) (json.RawMessage, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}

	var payload io.Reader
	if body != nil && !readOnly(method) {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")
	if c.sessionCookie != "" {
		req.Header.Set("Cookie", c.sessionCookie)
	}
	if c.correlationHeader != "" {
		req.Header.Set(c.correlationHeader, uuid.NewString())
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, method, target, 0, false, time.Since(start))
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, readErr := io.ReadAll(resp.Body)
	hit := strings.EqualFold(strings.TrimSpace(resp.Header.Get(c.cacheHeader)), "HIT")
	c.record(ctx, method, target, resp.StatusCode, hit, time.Since(start))
	if readErr != nil {
		return nil, &TransportError{Method: method, URL: target, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(data))
		if message == "" {
			message = statusLine(resp)
		}
		return nil, &HTTPError{Status: resp.StatusCode, Message: message}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, &DecodeError{URL: target, Err: fmt.Errorf("invalid JSON body (%d bytes)", len(trimmed))}
	}
	return json.RawMessage(trimmed), nil
}

// Do issues one exchange and decodes the body into out when both are present.
func (c *Client) Do(ctx context.Context, method, rawURL string, body, out any) error {
	raw, err := c.Request(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if out == nil || raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{URL: rawURL, Err: err}
	}
	return nil
}

func (c *Client) resolve(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("client: request url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("client: parse url %q: %w", trimmed, err)
	}
	if parsed.IsAbs() || c.base == nil {
		return parsed.String(), nil
	}
	return c.base.ResolveReference(parsed).String(), nil
}

func (c *Client) record(ctx context.Context, method, target string, status int, hit bool, elapsed time.Duration) {
	c.samples.RecordSample(elapsed, hit)
	c.metrics.ObserveRequest(method, target, status, hit, elapsed)
	if c.logSamples {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "request sample",
			slog.String("method", method),
			slog.String("url", target),
			slog.Int("status", status),
			slog.Bool("cache_hit", hit),
			slog.Float64("latency_ms", float64(elapsed)/float64(time.Millisecond)),
		)
	}
}

func readOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func statusLine(resp *http.Response) string {
	if status := strings.TrimSpace(resp.Status); status != "" {
		return status
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
