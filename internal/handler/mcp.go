// MCP transport for superfetch using the official MCP Go SDK. Registers
// the fetch tools and exposes cached artifacts as readable resources.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"superfetch/internal/auth"
	"superfetch/internal/cache"
	"superfetch/internal/middleware"
	"superfetch/internal/pipeline"
	"superfetch/internal/session"
)

const serverInstructions = "superFetch fetches web pages and converts them " +
	"to AI-readable content. Use fetch-url for structured JSONL blocks, " +
	"fetch-markdown for clean markdown, fetch-urls for batches, and " +
	"fetch-links to enumerate the links on a page. Oversized results are " +
	"returned as superfetch://cache/... resources instead of inline content."

// notificationTimeout bounds the fan-out of one cache update to sessions.
const notificationTimeout = 5 * time.Second

// resourceAnnouncer is the slice of mcp.Server the cache-update relay
// needs. Narrowed for tests.
type resourceAnnouncer interface {
	AddResource(r *mcp.Resource, rh mcp.ResourceHandler)
	ResourceUpdated(ctx context.Context, params *mcp.ResourceUpdatedNotificationParams) error
}

// fetchAnnotations marks every fetch tool: read-only against this server,
// idempotent, and touching the open web.
func fetchAnnotations(title string) *mcp.ToolAnnotations {
	destructive := false
	openWorld := true
	return &mcp.ToolAnnotations{
		Title:           title,
		ReadOnlyHint:    true,
		DestructiveHint: &destructive,
		IdempotentHint:  true,
		OpenWorldHint:   &openWorld,
	}
}

// NewMCPServer creates an MCP server with the fetch tools and the cache
// resource template registered, and subscribes it to cache updates.
func (h *Handler) NewMCPServer() *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "superfetch",
			Version: h.version,
		},
		&mcp.ServerOptions{
			Instructions: serverInstructions,
		},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name: "fetch-url",
		Description: "Fetch a web page and convert it to structured JSONL content blocks " +
			"(headings, paragraphs, lists, tables, code, images).",
		Annotations: fetchAnnotations("Fetch URL"),
	}, h.mcpFetchURL)

	mcp.AddTool(server, &mcp.Tool{
		Name: "fetch-markdown",
		Description: "Fetch a web page and convert it to markdown with article extraction " +
			"and metadata frontmatter. Large results are cached and returned by reference.",
		Annotations: fetchAnnotations("Fetch Markdown"),
	}, h.mcpFetchMarkdown)

	mcp.AddTool(server, &mcp.Tool{
		Name: "fetch-urls",
		Description: "Fetch up to 10 URLs concurrently. Each URL succeeds or fails " +
			"independently; the response summarizes the batch.",
		Annotations: fetchAnnotations("Fetch URLs"),
	}, h.mcpFetchURLs)

	mcp.AddTool(server, &mcp.Tool{
		Name: "fetch-links",
		Description: "Fetch a web page and extract its links, classified as internal or " +
			"external, with optional regex filtering.",
		Annotations: fetchAnnotations("Fetch Links"),
	}, h.mcpFetchLinks)

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: cache.ResourceScheme + "://cache/{namespace}/{urlHash}",
		Name:        "cached-content",
		Description: "Web content fetched and transformed by this server, addressed by cache key.",
		MIMEType:    pipeline.MIMEMarkdown,
	}, h.readCacheResource)

	// Pre-register artifacts already cached so they show up in resource
	// listings, then relay future updates.
	if h.cache != nil && h.cache.IsEnabled() {
		for _, key := range h.cache.Keys() {
			if k, err := cache.ParseKey(key); err == nil && k.Namespace == cache.NamespaceMarkdown {
				h.announceResource(server, k)
			}
		}
		relay := h.relayCacheUpdate(server)
		h.cacheUnsub = h.cache.OnUpdate(relay)
	}

	return server
}

// ProtocolVersionDefault is assumed when a request omits the
// MCP-Protocol-Version header.
const ProtocolVersionDefault = "2025-06-18"

// SupportedProtocolVersions lists the protocol revisions this server
// negotiates.
var SupportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

// NewMCPHandler returns an HTTP handler for the MCP endpoint: bearer auth,
// protocol-version negotiation, accept-header rewrite, JSON body screening,
// session admission, then the Streamable HTTP transport.
// Mount this at /mcp on your mux.
func (h *Handler) NewMCPHandler() http.Handler {
	server := h.NewMCPServer()
	streamable := mcp.NewStreamableHTTPHandler(
		func(r *http.Request) *mcp.Server { return server },
		nil,
	)

	// The streamable handler keys its sessions by the id it assigned; the
	// manager needs the same handle so eviction closes the real session.
	find := func(id string) session.Transport {
		for ss := range server.Sessions() {
			if ss.ID() == id {
				return ss
			}
		}
		return nil
	}

	var handler http.Handler = middleware.Chain(
		middleware.ProtocolVersion(ProtocolVersionDefault, SupportedProtocolVersions),
		middleware.RewriteAccept(),
		middleware.ValidateJSONBody(),
		middleware.SessionNotFound(),
	)(h.trackSessions(find, streamable))

	if h.verifier != nil {
		handler = auth.Middleware(h.verifier)(handler)
	}
	return handler
}

// relayCacheUpdate forwards a cache write to connected sessions: markdown
// artifacts are (re)announced so clients see resources/list_changed, and
// subscribers of the touched URI get resources/updated.
func (h *Handler) relayCacheUpdate(server resourceAnnouncer) func(cache.Update) {
	return func(u cache.Update) {
		key := cache.Key{Namespace: u.Namespace, URLHash: u.URLHash}
		if u.Namespace == cache.NamespaceMarkdown {
			h.announceResource(server, key)
		}

		ctx, cancel := context.WithTimeout(context.Background(), notificationTimeout)
		defer cancel()
		if err := server.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{
			URI: key.ResourceURI(),
		}); err != nil {
			h.logger.Debug("resource update notification failed",
				"uri", key.ResourceURI(), "error", err.Error())
		}
	}
}

func (h *Handler) announceResource(server resourceAnnouncer, key cache.Key) {
	name := key.URLHash
	if entry, ok := h.cache.Get(key.String()); ok && entry.Title != "" {
		name = entry.Title
	}
	server.AddResource(&mcp.Resource{
		URI:      key.ResourceURI(),
		Name:     name,
		MIMEType: pipeline.MIMEMarkdown,
	}, h.readCacheResource)
}

// readCacheResource serves reads of superfetch://cache/{namespace}/{hash}.
// Only markdown artifacts are readable; anything else, and any key the
// cache does not hold, is resource-not-found.
func (h *Handler) readCacheResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	key, err := parseResourceURI(uri)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	if key.Namespace != cache.NamespaceMarkdown || !cache.ValidHash(key.URLHash) {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	if h.cache == nil || !h.cache.IsEnabled() {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	entry, ok := h.cache.Get(key.String())
	if !ok {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	text, err := decodeStoredBody(entry.Content)
	if err != nil {
		h.logger.Error("corrupt cache entry on resource read",
			"key", key.String(), "error", err.Error())
		return nil, fmt.Errorf("reading cached content: %w", err)
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: pipeline.MIMEMarkdown,
			Text:     text,
		}},
	}, nil
}

// parseResourceURI splits superfetch://cache/{namespace}/{hash}.
func parseResourceURI(raw string) (cache.Key, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return cache.Key{}, err
	}
	if u.Scheme != cache.ResourceScheme || u.Host != "cache" {
		return cache.Key{}, fmt.Errorf("not a cache resource URI: %q", raw)
	}
	ns, hash, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || ns == "" || hash == "" || strings.Contains(hash, "/") {
		return cache.Key{}, fmt.Errorf("malformed cache resource URI: %q", raw)
	}
	return cache.Key{Namespace: ns, URLHash: hash}, nil
}

// storedBody is the union of the JSON wrappers the pipeline writes to the
// cache. Markdown entries carry markdown; JSONL entries carry content.
type storedBody struct {
	Markdown string `json:"markdown"`
	Content  string `json:"content"`
}

// decodeStoredBody unwraps a cached entry, preferring the markdown field.
func decodeStoredBody(stored string) (string, error) {
	var body storedBody
	if err := json.Unmarshal([]byte(stored), &body); err != nil {
		return "", err
	}
	if body.Markdown != "" {
		return body.Markdown, nil
	}
	return body.Content, nil
}
