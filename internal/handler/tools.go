package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"superfetch/internal/cache"
	"superfetch/internal/model"
	"superfetch/internal/pipeline"
)

// === MCP Tool Input/Output Types ===

// FetchOptions are the knobs shared by every fetch tool.
type FetchOptions struct {
	CustomHeaders      map[string]string `json:"customHeaders,omitempty" jsonschema:"additional request headers"`
	Retries            int               `json:"retries,omitempty" jsonschema:"extra attempts after the first, -1 disables retry"`
	TimeoutMS          int               `json:"timeout,omitempty" jsonschema:"per-attempt timeout in milliseconds"`
	ExtractMainContent *bool             `json:"extractMainContent,omitempty" jsonschema:"run article extraction, default true"`
	IncludeMetadata    *bool             `json:"includeMetadata,omitempty" jsonschema:"include page metadata, default true"`
	MaxContentLength   int64             `json:"maxContentLength,omitempty" jsonschema:"response size cap in bytes"`
}

// FetchURLInput is the input schema for the fetch-url tool.
type FetchURLInput struct {
	URL string `json:"url" jsonschema:"the URL to fetch,required"`
	FetchOptions
}

// FetchURLOutput is the JSONL block result.
type FetchURLOutput struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	ContentBlocks int    `json:"contentBlocks"`
	FetchedAt     string `json:"fetchedAt"`
	Format        string `json:"format"`
	Content       string `json:"content,omitempty"`
	ResourceURI   string `json:"resourceUri,omitempty"`
	Cached        bool   `json:"cached"`
	Truncated     bool   `json:"truncated,omitempty"`
}

// FetchMarkdownInput is the input schema for the fetch-markdown tool.
type FetchMarkdownInput struct {
	URL string `json:"url" jsonschema:"the URL to fetch,required"`
	FetchOptions
}

// DownloadFile points at the HTTP download of a cached markdown artifact.
type DownloadFile struct {
	DownloadURL string `json:"downloadUrl"`
	FileName    string `json:"fileName"`
	ExpiresAt   string `json:"expiresAt"`
}

// FetchMarkdownOutput is the markdown result, inline or by reference.
type FetchMarkdownOutput struct {
	URL              string        `json:"url"`
	Title            string        `json:"title,omitempty"`
	FetchedAt        string        `json:"fetchedAt"`
	Markdown         string        `json:"markdown,omitempty"`
	ResourceURI      string        `json:"resourceUri,omitempty"`
	ResourceMimeType string        `json:"resourceMimeType,omitempty"`
	Truncated        bool          `json:"truncated,omitempty"`
	Cached           bool          `json:"cached"`
	File             *DownloadFile `json:"file,omitempty"`
}

// FetchURLsInput is the input schema for the fetch-urls batch tool.
type FetchURLsInput struct {
	URLs            []string `json:"urls" jsonschema:"1 to 10 URLs to fetch,required"`
	Concurrency     int      `json:"concurrency,omitempty" jsonschema:"parallel fetches, max 5"`
	ContinueOnError *bool    `json:"continueOnError,omitempty" jsonschema:"keep going after a failure, default true"`
	Format          string   `json:"format,omitempty" jsonschema:"jsonl or markdown, default jsonl"`
	FetchOptions
}

// BatchEntry is one per-URL outcome in a batch response.
type BatchEntry struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content,omitempty"`
	ResourceURI string `json:"resourceUri,omitempty"`
	Cached      bool   `json:"cached"`
	Truncated   bool   `json:"truncated,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

// BatchSummary aggregates a batch response.
type BatchSummary struct {
	Total              int `json:"total"`
	Successful         int `json:"successful"`
	Failed             int `json:"failed"`
	Cached             int `json:"cached"`
	TotalContentBlocks int `json:"totalContentBlocks"`
}

// FetchURLsOutput is the batch result.
type FetchURLsOutput struct {
	Results   []BatchEntry `json:"results"`
	Summary   BatchSummary `json:"summary"`
	FetchedAt string       `json:"fetchedAt"`
}

// FetchLinksInput is the input schema for the fetch-links tool.
type FetchLinksInput struct {
	URL             string `json:"url" jsonschema:"the page to extract links from,required"`
	IncludeInternal *bool  `json:"includeInternal,omitempty" jsonschema:"include same-host links, default true"`
	IncludeExternal *bool  `json:"includeExternal,omitempty" jsonschema:"include cross-host links, default true"`
	IncludeImages   *bool  `json:"includeImages,omitempty" jsonschema:"include image sources, default false"`
	MaxLinks        int    `json:"maxLinks,omitempty" jsonschema:"truncate the result to this many links"`
	FilterPattern   string `json:"filterPattern,omitempty" jsonschema:"regex filter applied to link URLs, max 200 chars"`
	FetchOptions
}

// FetchLinksOutput is the link extraction result.
type FetchLinksOutput struct {
	Links     []model.Link `json:"links"`
	LinkCount int          `json:"linkCount"`
	Filtered  bool         `json:"filtered"`
	Truncated bool         `json:"truncated"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (o FetchOptions) timeout() time.Duration {
	return time.Duration(o.TimeoutMS) * time.Millisecond
}

// jsonlEnvelope is the cached JSON wrapper for the url namespace.
type jsonlEnvelope struct {
	Content string `json:"content"`
	Blocks  int    `json:"blocks"`
}

// markdownEnvelope is the cached JSON wrapper for the markdown namespace.
// The download route and resource reads pull the markdown field back out.
type markdownEnvelope struct {
	Markdown string `json:"markdown"`
	Title    string `json:"title,omitempty"`
}

// === Tool Handlers ===

type jsonlValue struct {
	blocks  int
	content string
	title   string
}

func (h *Handler) jsonlRequest(url string, opts FetchOptions) pipeline.Request[jsonlValue] {
	includeMeta := boolOr(opts.IncludeMetadata, true)
	return pipeline.Request[jsonlValue]{
		URL:              url,
		Namespace:        cache.NamespaceURL,
		CustomHeaders:    opts.CustomHeaders,
		Retries:          opts.Retries,
		Timeout:          opts.timeout(),
		MaxContentLength: opts.MaxContentLength,
		Vary:             map[string]any{"includeMetadata": includeMeta},
		Transform: func(body, finalURL string) (jsonlValue, error) {
			blocks, err := pipeline.ParseBlocks(body)
			if err != nil {
				return jsonlValue{}, err
			}
			var meta *model.ContentBlock
			title := pipeline.PageTitle(body)
			if includeMeta {
				meta = &model.ContentBlock{Type: model.BlockMetadata, Title: title, URL: finalURL}
			}
			return jsonlValue{
				blocks:  len(blocks),
				content: pipeline.EmitJSONL(meta, blocks, 0),
				title:   title,
			}, nil
		},
		Serialize: func(v jsonlValue) (string, string, error) {
			data, err := json.Marshal(jsonlEnvelope{Content: v.content, Blocks: v.blocks})
			return string(data), v.title, err
		},
		Deserialize: func(entry *model.CacheEntry) (jsonlValue, error) {
			var env jsonlEnvelope
			if err := json.Unmarshal([]byte(entry.Content), &env); err != nil {
				return jsonlValue{}, err
			}
			return jsonlValue{blocks: env.Blocks, content: env.Content, title: entry.Title}, nil
		},
	}
}

func (h *Handler) mcpFetchURL(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input FetchURLInput,
) (*mcp.CallToolResult, FetchURLOutput, error) {
	res, err := pipeline.Execute(ctx, h.pipeline, h.jsonlRequest(input.URL, input.FetchOptions))
	if err != nil {
		return h.toolError(err), FetchURLOutput{}, nil
	}

	delivery := h.pipeline.Deliver(res.Value.content, res.Key, "jsonl")
	return nil, FetchURLOutput{
		URL:           res.URL,
		Title:         res.Title,
		ContentBlocks: res.Value.blocks,
		FetchedAt:     res.FetchedAt.UTC().Format(time.RFC3339),
		Format:        "jsonl",
		Content:       delivery.Content,
		ResourceURI:   delivery.ResourceURI,
		Cached:        res.Cached,
		Truncated:     delivery.Truncated,
	}, nil
}

type markdownValue struct {
	markdown string
	title    string
}

func (h *Handler) markdownRequest(url string, opts FetchOptions) pipeline.Request[markdownValue] {
	mdOpts := pipeline.MarkdownOptions{
		ExtractMainContent: boolOr(opts.ExtractMainContent, true),
		IncludeMetadata:    boolOr(opts.IncludeMetadata, true),
	}
	return pipeline.Request[markdownValue]{
		URL:              url,
		Namespace:        cache.NamespaceMarkdown,
		CustomHeaders:    opts.CustomHeaders,
		Retries:          opts.Retries,
		Timeout:          opts.timeout(),
		MaxContentLength: opts.MaxContentLength,
		Vary: map[string]any{
			"extractMainContent": mdOpts.ExtractMainContent,
			"includeMetadata":    mdOpts.IncludeMetadata,
		},
		Transform: func(body, finalURL string) (markdownValue, error) {
			md, err := pipeline.ToMarkdown(body, finalURL, mdOpts)
			if err != nil {
				return markdownValue{}, err
			}
			return markdownValue{markdown: md.Markdown, title: md.Title}, nil
		},
		Serialize: func(v markdownValue) (string, string, error) {
			data, err := json.Marshal(markdownEnvelope{Markdown: v.markdown, Title: v.title})
			return string(data), v.title, err
		},
		Deserialize: func(entry *model.CacheEntry) (markdownValue, error) {
			var env markdownEnvelope
			if err := json.Unmarshal([]byte(entry.Content), &env); err != nil {
				return markdownValue{}, err
			}
			return markdownValue{markdown: env.Markdown, title: env.Title}, nil
		},
	}
}

func (h *Handler) mcpFetchMarkdown(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input FetchMarkdownInput,
) (*mcp.CallToolResult, FetchMarkdownOutput, error) {
	res, err := pipeline.Execute(ctx, h.pipeline, h.markdownRequest(input.URL, input.FetchOptions))
	if err != nil {
		return h.toolError(err), FetchMarkdownOutput{}, nil
	}

	delivery := h.pipeline.Deliver(res.Value.markdown, res.Key, "markdown")
	out := FetchMarkdownOutput{
		URL:              res.URL,
		Title:            res.Value.title,
		FetchedAt:        res.FetchedAt.UTC().Format(time.RFC3339),
		Markdown:         delivery.Content,
		ResourceURI:      delivery.ResourceURI,
		ResourceMimeType: delivery.ResourceMimeType,
		Truncated:        delivery.Truncated,
		Cached:           res.Cached,
	}
	if h.cache != nil && h.cache.IsEnabled() {
		out.File = &DownloadFile{
			DownloadURL: fmt.Sprintf("%s/mcp/downloads/%s/%s", h.baseURL, res.Key.Namespace, res.Key.URLHash),
			FileName:    downloadFileName(res.URL, res.Value.title, res.Key.URLHash),
			ExpiresAt:   res.FetchedAt.Add(h.cache.TTL()).UTC().Format(time.RFC3339),
		}
	}
	return nil, out, nil
}

func (h *Handler) mcpFetchURLs(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input FetchURLsInput,
) (*mcp.CallToolResult, FetchURLsOutput, error) {
	format := input.Format
	if format == "" {
		format = "jsonl"
	}
	if format != "jsonl" && format != "markdown" {
		return h.toolError(model.NewValidationError("format", "must be jsonl or markdown")), FetchURLsOutput{}, nil
	}

	batchOpts := pipeline.BatchOptions{
		Concurrency:     input.Concurrency,
		ContinueOnError: boolOr(input.ContinueOnError, true),
	}

	out := FetchURLsOutput{FetchedAt: time.Now().UTC().Format(time.RFC3339)}
	if format == "markdown" {
		items, summary, err := pipeline.ExecuteBatch(ctx, h.pipeline, input.URLs, batchOpts,
			func(u string) pipeline.Request[markdownValue] {
				return h.markdownRequest(u, input.FetchOptions)
			})
		if err != nil && len(items) == 0 {
			return h.toolError(err), FetchURLsOutput{}, nil
		}
		for _, item := range items {
			out.Results = append(out.Results, h.batchEntry(item.URL, item.Err, func() (string, string, cache.Key, bool) {
				return item.Result.Value.markdown, item.Result.Value.title, item.Result.Key, item.Result.Cached
			}, "markdown"))
		}
		out.Summary = BatchSummary{
			Total: summary.Total, Successful: summary.Successful,
			Failed: summary.Failed, Cached: summary.Cached,
		}
		return nil, out, nil
	}

	items, summary, err := pipeline.ExecuteBatch(ctx, h.pipeline, input.URLs, batchOpts,
		func(u string) pipeline.Request[jsonlValue] {
			return h.jsonlRequest(u, input.FetchOptions)
		})
	if err != nil && len(items) == 0 {
		return h.toolError(err), FetchURLsOutput{}, nil
	}
	totalBlocks := 0
	for _, item := range items {
		out.Results = append(out.Results, h.batchEntry(item.URL, item.Err, func() (string, string, cache.Key, bool) {
			return item.Result.Value.content, item.Result.Value.title, item.Result.Key, item.Result.Cached
		}, "jsonl"))
		if item.Err == nil && item.Result != nil {
			totalBlocks += item.Result.Value.blocks
		}
	}
	out.Summary = BatchSummary{
		Total: summary.Total, Successful: summary.Successful,
		Failed: summary.Failed, Cached: summary.Cached,
		TotalContentBlocks: totalBlocks,
	}
	return nil, out, nil
}

// batchEntry shapes one batch item, attaching a resource link instead of
// inline content when the payload is large.
func (h *Handler) batchEntry(url string, itemErr error, value func() (content, title string, key cache.Key, cached bool), format string) BatchEntry {
	if itemErr != nil {
		entry := BatchEntry{URL: url, Error: itemErr.Error()}
		var apiErr *model.APIError
		if errors.As(itemErr, &apiErr) {
			entry.Error = apiErr.Message
			entry.Code = apiErr.Code
		}
		return entry
	}
	content, title, key, cached := value()
	delivery := h.pipeline.Deliver(content, key, format)
	return BatchEntry{
		URL:         url,
		Title:       title,
		Content:     delivery.Content,
		ResourceURI: delivery.ResourceURI,
		Cached:      cached,
		Truncated:   delivery.Truncated,
	}
}

type linksValue struct {
	result *pipeline.LinkResult
}

func (h *Handler) mcpFetchLinks(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input FetchLinksInput,
) (*mcp.CallToolResult, FetchLinksOutput, error) {
	linkOpts := pipeline.LinkOptions{
		IncludeInternal: boolOr(input.IncludeInternal, true),
		IncludeExternal: boolOr(input.IncludeExternal, true),
		IncludeImages:   boolOr(input.IncludeImages, false),
		MaxLinks:        input.MaxLinks,
		FilterPattern:   input.FilterPattern,
	}
	// Validate the filter before fetching anything.
	if _, err := pipeline.CompileLinkFilter(linkOpts.FilterPattern); err != nil {
		return h.toolError(err), FetchLinksOutput{}, nil
	}

	res, err := pipeline.Execute(ctx, h.pipeline, pipeline.Request[linksValue]{
		URL:              input.URL,
		Namespace:        cache.NamespaceLinks,
		CustomHeaders:    input.CustomHeaders,
		Retries:          input.Retries,
		Timeout:          input.timeout(),
		MaxContentLength: input.MaxContentLength,
		Vary: map[string]any{
			"includeInternal": linkOpts.IncludeInternal,
			"includeExternal": linkOpts.IncludeExternal,
			"includeImages":   linkOpts.IncludeImages,
			"maxLinks":        linkOpts.MaxLinks,
			"filterPattern":   linkOpts.FilterPattern,
		},
		Transform: func(body, finalURL string) (linksValue, error) {
			lr, err := pipeline.ExtractLinks(body, finalURL, linkOpts)
			if err != nil {
				return linksValue{}, err
			}
			return linksValue{result: lr}, nil
		},
		Serialize: func(v linksValue) (string, string, error) {
			data, err := json.Marshal(v.result)
			return string(data), "", err
		},
		Deserialize: func(entry *model.CacheEntry) (linksValue, error) {
			var lr pipeline.LinkResult
			if err := json.Unmarshal([]byte(entry.Content), &lr); err != nil {
				return linksValue{}, err
			}
			return linksValue{result: &lr}, nil
		},
	})
	if err != nil {
		return h.toolError(err), FetchLinksOutput{}, nil
	}

	lr := res.Value.result
	return nil, FetchLinksOutput{
		Links:     lr.Links,
		LinkCount: lr.LinkCount,
		Filtered:  lr.Filtered,
		Truncated: lr.Truncated,
	}, nil
}

// toolError converts any pipeline error into a structured MCP tool result
// rather than a protocol error, so clients see {error, code} consistently.
func (h *Handler) toolError(err error) *mcp.CallToolResult {
	message := "an internal error occurred"
	code := "INTERNAL_ERROR"
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message
		code = apiErr.Code
	} else {
		h.logger.Error("mcp internal error", "error", err.Error())
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: message}},
		StructuredContent: map[string]any{"error": message, "code": code},
		IsError:           true,
	}
}
