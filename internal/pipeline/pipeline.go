// Package pipeline turns fetched pages into client-facing content. It
// orchestrates cache lookup, outbound fetch, transformation (JSONL blocks,
// markdown, links), inline-vs-resource delivery, and batch execution.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"superfetch/internal/cache"
	"superfetch/internal/fetcher"
	"superfetch/internal/model"
	"superfetch/internal/urlcheck"
)

// ContentFetcher is the outbound side of the pipeline. *fetcher.Fetcher
// implements it; tests substitute canned bodies.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error)
}

// Pipeline wires the fetcher, cache, and transform workers together.
type Pipeline struct {
	Fetcher        ContentFetcher
	Cache          *cache.Cache
	Pool           *Pool
	Telemetry      *fetcher.Telemetry
	Logger         *slog.Logger
	MaxInlineChars int

	// Validate normalizes and screens request URLs. Defaults to the full
	// SSRF validation; tests may relax it.
	Validate func(string) (string, error)
}

// New builds a Pipeline with defaults filled in.
func New(p Pipeline) *Pipeline {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.MaxInlineChars <= 0 {
		p.MaxInlineChars = DefaultMaxInlineChars
	}
	if p.Validate == nil {
		p.Validate = urlcheck.ValidateAndNormalize
	}
	return &p
}

// Request describes one transform job. T is the transformed value type.
type Request[T any] struct {
	URL              string
	Namespace        string
	CustomHeaders    map[string]string
	Retries          int
	Timeout          time.Duration
	MaxContentLength int64

	// Vary carries transform options that change the output; it feeds the
	// cache key so differing options never collide.
	Vary map[string]any

	// Transform converts the fetched body into the result value.
	Transform func(body, finalURL string) (T, error)
	// Serialize renders the value to the cacheable string form and reports
	// the page title stored alongside it.
	Serialize func(T) (content, title string, err error)
	// Deserialize rebuilds the value from a cache hit.
	Deserialize func(entry *model.CacheEntry) (T, error)
}

// Result is a completed transform job.
type Result[T any] struct {
	Value     T
	Content   string
	URL       string
	Title     string
	Key       cache.Key
	Cached    bool
	FetchedAt time.Time
}

// Execute runs one job: validate, check the cache, fetch and transform on a
// miss, then store. Methods cannot be generic, so this is a package-level
// function over the pipeline.
func Execute[T any](ctx context.Context, p *Pipeline, req Request[T]) (*Result[T], error) {
	normalized, err := p.Validate(req.URL)
	if err != nil {
		return nil, err
	}

	headers := fetcher.SanitizeHeaders(req.CustomHeaders)
	key, err := cacheKeyFor(req.Namespace, normalized, req.Vary, headers)
	if err != nil {
		return nil, err
	}

	if entry, ok := p.lookup(key); ok {
		value, err := req.Deserialize(&entry)
		if err == nil {
			p.stage("cache-hit", normalized, 0)
			return &Result[T]{
				Value:     value,
				Content:   entry.Content,
				URL:       entry.URL,
				Title:     entry.Title,
				Key:       key,
				Cached:    true,
				FetchedAt: entry.FetchedAt,
			}, nil
		}
		// Corrupt entry: fall through to a fresh fetch.
		p.Logger.Warn("discarding undecodable cache entry", "key", key.String(), "error", err)
	}

	fetchStart := time.Now()
	fetched, err := p.Fetcher.Fetch(ctx, normalized, fetcher.Options{
		CustomHeaders:    headers,
		Timeout:          req.Timeout,
		Retries:          req.Retries,
		MaxContentLength: req.MaxContentLength,
	})
	if err != nil {
		return nil, err
	}
	p.stage("fetch", normalized, time.Since(fetchStart))

	var value T
	transformStart := time.Now()
	run := func() error {
		v, err := req.Transform(fetched.Body, fetched.FinalURL)
		if err != nil {
			return err
		}
		value = v
		return nil
	}
	if p.Pool != nil {
		err = p.Pool.Do(ctx, run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, err
	}
	p.stage("transform", normalized, time.Since(transformStart))

	content, title, err := req.Serialize(value)
	if err != nil {
		return nil, model.NewInternalError(err)
	}

	now := time.Now()
	if p.Cache != nil {
		p.Cache.Set(key.String(), content, cache.Meta{URL: normalized, Title: title})
	}

	return &Result[T]{
		Value:     value,
		Content:   content,
		URL:       normalized,
		Title:     title,
		Key:       key,
		Cached:    false,
		FetchedAt: now,
	}, nil
}

// cacheKeyFor derives the cache key from the namespace, normalized URL, and
// everything that varies the output: transform options plus custom headers.
func cacheKeyFor(namespace, normalized string, vary map[string]any, headers map[string]string) (cache.Key, error) {
	composed := map[string]any{}
	for k, v := range vary {
		composed[k] = v
	}
	if len(headers) > 0 {
		composed["headers"] = headers
	}
	return cache.NewKey(namespace, normalized, composed)
}

func (p *Pipeline) lookup(key cache.Key) (model.CacheEntry, bool) {
	if p.Cache == nil || !p.Cache.IsEnabled() {
		return model.CacheEntry{}, false
	}
	return p.Cache.Get(key.String())
}

// stage publishes a transform stage event on the diagnostics channel.
func (p *Pipeline) stage(stage, rawURL string, d time.Duration) {
	if p.Telemetry == nil {
		return
	}
	p.Telemetry.Publish(fetcher.Event{
		Type:     "stage",
		Stage:    stage,
		URL:      fetcher.RedactURL(rawURL),
		Duration: d.Milliseconds(),
	})
}

// Deliver applies the inline content limit for this pipeline's cache state.
func (p *Pipeline) Deliver(content string, key cache.Key, format string) Delivery {
	enabled := p.Cache != nil && p.Cache.IsEnabled()
	return ApplyInlineLimit(content, key, enabled, format, p.MaxInlineChars)
}
