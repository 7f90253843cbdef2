// Package fetcher issues hardened outbound HTTP requests on behalf of the
// transform pipeline: URL validation, SSRF-safe dialing, manual redirect
// following, byte-bounded streaming reads with charset decoding, header
// sanitization, retry with exponential backoff, and telemetry events.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html/charset"

	"superfetch/internal/model"
	"superfetch/internal/urlcheck"
)

// Defaults applied when the caller leaves options unset.
const (
	DefaultTimeout          = 15 * time.Second
	DefaultMaxRedirects     = 5
	DefaultMaxContentLength = 5 * 1024 * 1024
	DefaultRetries          = 2
	DefaultUserAgent        = "superfetch/1.0 (+https://github.com/superfetch)"

	slowRequestThreshold = 5 * time.Second
	backoffBase          = 250 * time.Millisecond
	backoffCap           = 5 * time.Second
)

// blockedHeaders are request headers callers may not override. Checked
// case-insensitively against sanitized custom headers.
var blockedHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"keep-alive":        {},
	"upgrade":           {},
	"proxy-authorization": {},
	"x-forwarded-for":   {},
	"x-forwarded-host":  {},
	"x-real-ip":         {},
}

// Options controls a single fetch.
type Options struct {
	CustomHeaders    map[string]string
	Timeout          time.Duration // per-attempt deadline; DefaultTimeout when zero
	Retries          int           // additional attempts after the first; -1 means none
	MaxContentLength int64         // response byte cap; DefaultMaxContentLength when zero
	UserAgent        string        // overrides the configured agent
}

// Result is a completed fetch: decoded body text, raw size, and the URL the
// request finally landed on after redirects.
type Result struct {
	Body     string
	Size     int64
	FinalURL string
	Status   int
}

// Config configures a Fetcher.
type Config struct {
	UserAgent        string
	MaxRedirects     int
	MaxContentLength int64
	Timeout          time.Duration
	Logger           *slog.Logger
	Telemetry        *Telemetry
	Resolver         *urlcheck.Resolver

	// InsecureAllowPrivate disables the IP blocklist so requests may reach
	// loopback addresses. Only tests against local servers set this.
	InsecureAllowPrivate bool
}

// Fetcher performs validated outbound requests. Safe for concurrent use.
type Fetcher struct {
	client           *http.Client
	transport        http.RoundTripper
	resolver         *urlcheck.Resolver
	validate         func(string) (string, error)
	userAgent        string
	maxRedirects     int
	maxContentLength int64
	timeout          time.Duration
	logger           *slog.Logger
	telemetry        *Telemetry
}

// New creates a Fetcher with the browser-fingerprint transport over the
// validating dialer.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = NewTelemetry(ChannelFetch, cfg.Logger)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = urlcheck.NewResolver()
	}

	var transport http.RoundTripper
	validate := urlcheck.ValidateAndNormalize
	if cfg.InsecureAllowPrivate {
		transport = &http.Transport{}
		validate = urlcheck.Normalize
	} else {
		dialer := NewValidatingDialer(cfg.Resolver, cfg.Timeout)
		transport = NewBrowserTransport(dialer)
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			// Redirects are followed manually so every hop is validated.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport:        transport,
		validate:         validate,
		resolver:         cfg.Resolver,
		userAgent:        cfg.UserAgent,
		maxRedirects:     cfg.MaxRedirects,
		maxContentLength: cfg.MaxContentLength,
		timeout:          cfg.Timeout,
		logger:           cfg.Logger,
		telemetry:        cfg.Telemetry,
	}
}

// Telemetry exposes the fetch diagnostics channel for subscribers.
func (f *Fetcher) Telemetry() *Telemetry { return f.telemetry }

// Close releases pooled connections.
func (f *Fetcher) Close() {
	if closer, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

// Fetch validates rawURL, then retrieves it with retry. Transient transport
// errors and retryable statuses (408, 429, 5xx) back off exponentially;
// SSRF blocks, other 4xx, and redirect violations fail immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	normalized, err := f.validate(rawURL)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	redacted := RedactURL(normalized)
	start := time.Now()
	f.telemetry.Publish(Event{Type: "start", RequestID: requestID, URL: redacted, Method: http.MethodGet})

	retries := opts.Retries
	if retries == 0 {
		retries = DefaultRetries
	}
	if retries < 0 {
		retries = 0
	}

	var result *Result
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt-1); err != nil {
				lastErr = model.NewAbortedError(normalized)
				break
			}
		}
		result, lastErr = f.fetchOnce(ctx, normalized, opts)
		if lastErr == nil || !isRetryable(lastErr) {
			break
		}
		f.logger.Debug("retrying fetch",
			slog.String("url", redacted),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}

	duration := time.Since(start)
	if duration > slowRequestThreshold {
		f.logger.Warn("slow fetch",
			slog.String("url", redacted),
			slog.Duration("duration", duration))
	}

	if lastErr != nil {
		ev := Event{Type: "error", RequestID: requestID, URL: redacted,
			Method: http.MethodGet, Duration: duration.Milliseconds(), Error: lastErr.Error()}
		var apiErr *model.APIError
		if errors.As(lastErr, &apiErr) {
			ev.Code = apiErr.Code
			ev.Status = apiErr.HTTPStatus
		}
		f.telemetry.Publish(ev)
		return nil, lastErr
	}

	f.telemetry.Publish(Event{Type: "end", RequestID: requestID, URL: redacted,
		Method: http.MethodGet, Status: result.Status, Duration: duration.Milliseconds()})
	return result, nil
}

// fetchOnce performs a single attempt, following redirects manually.
func (f *Fetcher) fetchOnce(ctx context.Context, target string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxLen := opts.MaxContentLength
	if maxLen <= 0 {
		maxLen = f.maxContentLength
	}

	current := target
	for hop := 0; ; hop++ {
		resp, err := f.doRequest(ctx, current, opts)
		if err != nil {
			return nil, f.wrapTransportError(ctx, current, err)
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			drainAndClose(resp.Body)
			if location == "" {
				return nil, model.NewRedirectError(current, "redirect without Location header")
			}
			next, err := f.resolveRedirect(current, location)
			if err != nil {
				return nil, err
			}
			if hop >= f.maxRedirects {
				return nil, model.NewRedirectError(current, "Too many redirects")
			}
			current = next
			continue
		}

		if resp.StatusCode >= 400 {
			drainAndClose(resp.Body)
			return nil, model.NewFetchError(current, resp.StatusCode,
				fmt.Errorf("upstream returned %s", resp.Status))
		}

		if resp.ContentLength > maxLen {
			drainAndClose(resp.Body)
			return nil, model.NewFetchError(current, 0,
				fmt.Errorf("Response exceeds maximum size (%d bytes)", maxLen))
		}

		body, size, err := f.readBody(ctx, resp, current, maxLen)
		if err != nil {
			return nil, err
		}
		return &Result{Body: body, Size: size, FinalURL: current, Status: resp.StatusCode}, nil
	}
}

func (f *Fetcher) doRequest(ctx context.Context, target string, opts Options) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	agent := opts.UserAgent
	if agent == "" {
		agent = f.userAgent
	}
	req.Header.Set("User-Agent", agent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	for name, value := range SanitizeHeaders(opts.CustomHeaders) {
		req.Header.Set(name, value)
	}

	return f.client.Do(req)
}

// readBody streams the response body under the byte cap, decoding through
// the declared charset. The decoder handles multi-byte sequences split
// across chunk boundaries; invalid or missing charsets fall back to UTF-8.
func (f *Fetcher) readBody(ctx context.Context, resp *http.Response, target string, maxLen int64) (string, int64, error) {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if cs := ContentTypeCharset(contentType); cs != "" && !strings.EqualFold(cs, "utf-8") {
		f.logger.Debug("transcoding response body", "charset", cs)
	}

	limited := &cappedReader{r: resp.Body, remaining: maxLen}
	decoder, err := charset.NewReader(limited, contentType)
	if err != nil {
		// Unknown label: read raw bytes as UTF-8.
		decoder = limited
	}

	body, err := io.ReadAll(decoder)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return "", 0, model.NewFetchError(target, 0,
				fmt.Errorf("Response exceeds maximum size (%d bytes)", maxLen))
		}
		if ctx.Err() != nil {
			return "", 0, model.NewAbortedError(target)
		}
		return "", 0, model.NewFetchError(target, 0, fmt.Errorf("reading body: %w", err))
	}
	return string(body), limited.read, nil
}

func (f *Fetcher) wrapTransportError(ctx context.Context, target string, err error) error {
	// SSRF and validation failures from the dialer pass through unchanged.
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return model.NewAbortedError(target)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewTimeoutError(target)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewTimeoutError(target)
	}
	return model.NewFetchError(target, 0, err)
}

// SanitizeHeaders filters custom headers against the blocked set
// (case-insensitive) and trims names and values. Empty names or values are
// dropped.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		if _, blocked := blockedHeaders[strings.ToLower(name)]; blocked {
			continue
		}
		out[name] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// isRetryable classifies an error per the retry policy: transient transport
// failures and 408/429/5xx statuses retry; everything else is fatal.
func isRetryable(err error) bool {
	if errors.Is(err, model.ErrBlocked) || errors.Is(err, model.ErrInvalidURL) ||
		errors.Is(err, model.ErrAborted) {
		return false
	}
	if errors.Is(err, model.ErrTimeout) {
		return true
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == model.CodeBadRedirect {
			return false
		}
		switch status := apiErr.HTTPStatus; {
		case status == 0:
			// Pure transport error with no status: retry.
			return true
		case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
			return true
		case status >= 500 && status != http.StatusNotImplemented:
			return true
		default:
			return false
		}
	}
	return true
}

// sleepBackoff waits 250ms × 2^attempt with ±20% jitter, capped at 5s.
func sleepBackoff(ctx context.Context, attempt int) error {
	backoff := backoffBase << attempt
	if backoff > backoffCap {
		backoff = backoffCap
	}
	jitter := time.Duration(float64(backoff) * 0.2 * (rand.Float64()*2 - 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff + jitter):
		return nil
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolveRedirect resolves location against base and validates the result,
// including credential rejection.
func (f *Fetcher) resolveRedirect(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", model.NewRedirectError(base, "current url became unparseable")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", model.NewRedirectError(base, fmt.Sprintf("invalid Location %q", location))
	}
	resolved := baseURL.ResolveReference(ref)

	normalized, err := f.validate(resolved.String())
	if err != nil {
		return "", model.NewRedirectError(base, fmt.Sprintf("redirect target rejected: %v", err))
	}
	return normalized, nil
}

var errBodyTooLarge = errors.New("body exceeds limit")

// cappedReader counts raw bytes and fails as soon as the cumulative count
// exceeds the limit, before any decoding happens.
type cappedReader struct {
	r         io.Reader
	remaining int64
	read      int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, errBodyTooLarge
	}
	// Allow reading one byte past the cap to detect overflow.
	limit := c.remaining + 1
	if int64(len(p)) > limit {
		p = p[:limit]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, errBodyTooLarge
	}
	return n, err
}

// drainAndClose discards at most 64KiB of the body before closing so the
// connection can be reused.
func drainAndClose(body io.ReadCloser) {
	io.CopyN(io.Discard, body, 64*1024)
	body.Close()
}

// ContentTypeCharset extracts the charset parameter from a Content-Type
// header, empty when unset or malformed.
func ContentTypeCharset(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}
