package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"superfetch/internal/cache"
	"superfetch/internal/fetcher"
	"superfetch/internal/model"
)

// fakeFetcher serves canned bodies keyed by URL and counts calls.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string, _ fetcher.Options) (*fetcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[rawURL]; ok {
		return nil, err
	}
	body, ok := f.bodies[rawURL]
	if !ok {
		return nil, model.NewFetchError(rawURL, 404, errors.New("not found"))
	}
	return &fetcher.Result{Body: body, Size: int64(len(body)), FinalURL: rawURL, Status: 200}, nil
}

func newTestPipeline(t *testing.T, f ContentFetcher, c *cache.Cache) *Pipeline {
	t.Helper()
	return New(Pipeline{Fetcher: f, Cache: c})
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Options{Enabled: true, TTL: time.Minute, MaxKeys: 100})
	t.Cleanup(c.Close)
	return c
}

// jsonlRequest mirrors the fetch-url tool: parse blocks, emit JSONL.
func jsonlRequest(url string) Request[[]model.ContentBlock] {
	return Request[[]model.ContentBlock]{
		URL:       url,
		Namespace: cache.NamespaceURL,
		Transform: func(body, finalURL string) ([]model.ContentBlock, error) {
			return ParseBlocks(body)
		},
		Serialize: func(blocks []model.ContentBlock) (string, string, error) {
			return EmitJSONL(nil, blocks, 0), "", nil
		},
		Deserialize: func(entry *model.CacheEntry) ([]model.ContentBlock, error) {
			var blocks []model.ContentBlock
			for _, line := range strings.Split(entry.Content, "\n") {
				var b model.ContentBlock
				if err := json.Unmarshal([]byte(line), &b); err != nil {
					return nil, err
				}
				blocks = append(blocks, b)
			}
			return blocks, nil
		},
	}
}

func TestExecuteFetchesAndCaches(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{
		"https://example.com/page": "<html><body><h1>Hello</h1><p>World</p></body></html>",
	}}
	p := newTestPipeline(t, f, newTestCache(t))

	res, err := Execute(context.Background(), p, jsonlRequest("https://example.com/page"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Cached {
		t.Error("first call must be a miss")
	}
	if len(res.Value) != 2 || res.Value[0].Text != "Hello" || res.Value[1].Text != "World" {
		t.Fatalf("blocks = %+v", res.Value)
	}
	if !strings.Contains(res.Content, `"type":"heading"`) {
		t.Errorf("content not JSONL: %s", res.Content)
	}

	again, err := Execute(context.Background(), p, jsonlRequest("https://example.com/page"))
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !again.Cached {
		t.Error("second call must hit the cache")
	}
	if again.Content != res.Content {
		t.Error("cached content must be byte-identical")
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}
}

func TestExecuteVaryHeadersSplitCacheEntries(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{
		"https://example.com/page": "<p>x</p>",
	}}
	p := newTestPipeline(t, f, newTestCache(t))

	req := jsonlRequest("https://example.com/page")
	if _, err := Execute(context.Background(), p, req); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	withHeader := jsonlRequest("https://example.com/page")
	withHeader.CustomHeaders = map[string]string{"Accept-Language": "de"}
	res, err := Execute(context.Background(), p, withHeader)
	if err != nil {
		t.Fatalf("Execute with header: %v", err)
	}
	if res.Cached {
		t.Error("different headers must not share a cache entry")
	}
	if f.calls != 2 {
		t.Errorf("fetcher called %d times, want 2", f.calls)
	}
}

func TestExecuteRejectsBlockedURL(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{}, nil)
	_, err := Execute(context.Background(), p, jsonlRequest("http://10.0.0.1/"))
	if !errors.Is(err, model.ErrBlocked) {
		t.Fatalf("err = %v, want blocked", err)
	}
}

func TestExecutePropagatesFetchError(t *testing.T) {
	f := &fakeFetcher{errs: map[string]error{
		"https://example.com/down": model.NewFetchError("https://example.com/down", 503, errors.New("boom")),
	}}
	p := newTestPipeline(t, f, nil)
	_, err := Execute(context.Background(), p, jsonlRequest("https://example.com/down"))
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatus != 503 {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteCorruptCacheEntryRefetches(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{"https://example.com/page": "<p>fresh</p>"}}
	c := newTestCache(t)
	p := newTestPipeline(t, f, c)

	req := jsonlRequest("https://example.com/page")
	headers := fetcher.SanitizeHeaders(req.CustomHeaders)
	key, err := cacheKeyFor(req.Namespace, "https://example.com/page", req.Vary, headers)
	if err != nil {
		t.Fatal(err)
	}
	c.Set(key.String(), "{not json", cache.Meta{URL: "https://example.com/page"})

	res, err := Execute(context.Background(), p, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Cached {
		t.Error("corrupt entry must not be served")
	}
	if len(res.Value) != 1 || res.Value[0].Text != "fresh" {
		t.Fatalf("blocks = %+v", res.Value)
	}
}

func TestApplyInlineLimitBoundaries(t *testing.T) {
	key, err := cache.NewKey(cache.NamespaceMarkdown, "https://example.com/", nil)
	if err != nil {
		t.Fatal(err)
	}

	exact := strings.Repeat("a", 100)
	d := ApplyInlineLimit(exact, key, true, "markdown", 100)
	if d.Content != exact || d.ResourceURI != "" || d.Truncated {
		t.Errorf("exact limit must be inline: %+v", d)
	}

	over := exact + "b"
	d = ApplyInlineLimit(over, key, true, "markdown", 100)
	if d.Content != "" || d.ResourceURI != key.ResourceURI() || d.ResourceMimeType != MIMEMarkdown {
		t.Errorf("limit+1 with cache must be a resource link: %+v", d)
	}

	d = ApplyInlineLimit(over, key, false, "jsonl", 100)
	if !d.Truncated || !strings.HasSuffix(d.Content, "...") || len(d.Content) != 100 {
		t.Errorf("limit+1 without cache must truncate to the limit: len=%d %+v", len(d.Content), d)
	}
}

func TestPoolLimitsConcurrency(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(context.Background(), func() error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency %d exceeds pool size 2", got)
	}
	if stats := p.Stats(); stats.Capacity != 2 || stats.ActiveWorkers != 0 {
		t.Errorf("stats after drain = %+v", stats)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	err := p.Do(context.Background(), func() error { panic("boom") })
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("err = %v, want internal error", err)
	}

	// Worker survives the panic.
	if err := p.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("pool dead after panic: %v", err)
	}
}

func TestPoolDoRespectsContext(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	err := p.Do(ctx, func() error { <-block; return nil })
	if !errors.Is(err, model.ErrAborted) {
		t.Fatalf("err = %v, want aborted", err)
	}
}

func TestExecuteBatchIsolatesFailures(t *testing.T) {
	f := &fakeFetcher{
		bodies: map[string]string{
			"https://example.com/a": "<p>a</p>",
			"https://example.com/c": "<p>c</p>",
		},
		errs: map[string]error{
			"https://example.com/b": model.NewFetchError("https://example.com/b", 500, errors.New("boom")),
		},
	}
	p := newTestPipeline(t, f, newTestCache(t))

	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	items, summary, err := ExecuteBatch(context.Background(), p, urls,
		BatchOptions{ContinueOnError: true}, jsonlRequest)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if summary.Total != 3 || summary.Successful != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if items[1].Err == nil || items[0].Err != nil || items[2].Err != nil {
		t.Fatalf("items = %+v", items)
	}
	if items[0].URL != urls[0] {
		t.Error("items must keep request order")
	}
}

func TestExecuteBatchShortCircuits(t *testing.T) {
	f := &fakeFetcher{errs: map[string]error{
		"https://example.com/b": model.NewFetchError("https://example.com/b", 500, errors.New("boom")),
	}}
	p := newTestPipeline(t, f, nil)

	_, _, err := ExecuteBatch(context.Background(), p,
		[]string{"https://example.com/b"}, BatchOptions{}, jsonlRequest)
	if err == nil {
		t.Fatal("continueOnError=false must surface the failure")
	}
}

func TestExecuteBatchValidatesInput(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{}, nil)

	if _, _, err := ExecuteBatch(context.Background(), p, nil, BatchOptions{}, jsonlRequest); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("empty urls: err = %v", err)
	}

	urls := make([]string, MaxBatchURLs+1)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	if _, _, err := ExecuteBatch(context.Background(), p, urls, BatchOptions{}, jsonlRequest); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("oversized batch: err = %v", err)
	}
}

func TestExecuteBatchConcurrencyCeiling(t *testing.T) {
	var running, peak atomic.Int32
	f := fetchFunc(func(ctx context.Context, rawURL string, _ fetcher.Options) (*fetcher.Result, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return &fetcher.Result{Body: "<p>x</p>", FinalURL: rawURL, Status: 200}, nil
	})
	p := newTestPipeline(t, f, nil)

	urls := make([]string, MaxBatchURLs)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	_, summary, err := ExecuteBatch(context.Background(), p, urls,
		BatchOptions{Concurrency: 99, ContinueOnError: true}, jsonlRequest)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if summary.Successful != MaxBatchURLs {
		t.Fatalf("summary = %+v", summary)
	}
	if got := peak.Load(); got > MaxBatchConcurrency {
		t.Errorf("peak concurrency %d exceeds cap %d", got, MaxBatchConcurrency)
	}
}

type fetchFunc func(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error)

func (f fetchFunc) Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
	return f(ctx, rawURL, opts)
}
