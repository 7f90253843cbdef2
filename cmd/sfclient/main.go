// sfclient is a CLI tool for exercising a running superfetch server.
// Each command performs a single operation, making it composable for scripts.
//
// Commands:
//
//	sfclient fetch -server URL -url PAGE
//	sfclient markdown -server URL -url PAGE [-raw]
//	sfclient links -server URL -url PAGE [-filter REGEX]
//	sfclient batch -server URL -urls A,B,C [-format markdown]
//	sfclient health -server URL [-token TOKEN]
//
// Examples:
//
//	sfclient fetch -server http://localhost:3000 -url https://example.com
//	sfclient markdown -server http://localhost:3000 -url https://example.com -q > page.md
//	sfclient links -server http://localhost:3000 -url https://example.com -filter '/docs/'
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var client = &http.Client{Timeout: 120 * time.Second}

// Global flags (apply to all commands)
var (
	serverURL string
	authToken string
	quiet     bool
	noColor   bool
	verbose   bool
)

// ANSI color codes
var (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		disableColors()
	}
}

func disableColors() {
	colorReset, colorRed, colorGreen, colorYellow = "", "", "", ""
	colorBlue, colorCyan, colorGray, colorBold = "", "", "", ""
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "fetch":
		runFetch(args)
	case "markdown":
		runMarkdown(args)
	case "links":
		runLinks(args)
	case "batch":
		runBatch(args)
	case "health":
		runHealth(args)
	case "-h", "-help", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sfclient - superfetch test tool

Usage:
  sfclient <command> [options]

Commands:
  fetch     Fetch a page as JSONL content blocks
  markdown  Fetch a page as markdown
  links     Extract the links on a page
  batch     Fetch several pages in one call
  health    Query the server health endpoint

Examples:
  # Fetch a page and print the JSONL blocks
  sfclient fetch -server http://localhost:3000 -url https://example.com

  # Save a page as markdown
  sfclient markdown -server http://localhost:3000 -url https://example.com -q > page.md

  # List documentation links only
  sfclient links -server http://localhost:3000 -url https://example.com -filter '/docs/'

  # Batch fetch
  sfclient batch -server http://localhost:3000 -urls https://a.example,https://b.example

Run 'sfclient <command> -h' for command-specific options.
`)
}

// commonFlags registers the flags shared by every command.
func commonFlags(fs *flag.FlagSet) {
	fs.StringVar(&serverURL, "server", "http://localhost:3000", "superfetch base URL")
	fs.StringVar(&authToken, "token", os.Getenv("SUPERFETCH_TOKEN"), "bearer token (defaults to $SUPERFETCH_TOKEN)")
	fs.BoolVar(&quiet, "q", false, "Quiet mode - only output the payload")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&verbose, "v", false, "Verbose - show full request/response")
}

// =============================================================================
// MCP CLIENT
// =============================================================================

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// mcpClient speaks MCP Streamable HTTP: one POST per message, session id
// threaded through the Mcp-Session-Id header.
type mcpClient struct {
	base      string
	token     string
	sessionID string
	nextID    int
}

// connect performs the initialize handshake and returns a ready client.
func connect() (*mcpClient, error) {
	c := &mcpClient{base: serverURL, token: authToken}

	resp, err := c.post(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.id(),
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "sfclient", "version": "1.0.0"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize: %s", resp.Error.Message)
	}

	if _, err := c.post(rpcRequest{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	}); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return c, nil
}

// close tears down the server-side session.
func (c *mcpClient) close() {
	if c.sessionID == "" {
		return
	}
	req, err := http.NewRequest(http.MethodDelete, c.base+"/mcp", nil)
	if err != nil {
		return
	}
	c.setHeaders(req)
	if resp, err := client.Do(req); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func (c *mcpClient) id() int {
	c.nextID++
	return c.nextID
}

func (c *mcpClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("MCP-Protocol-Version", "2025-06-18")
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// post sends one JSON-RPC message and decodes the response, which arrives
// either as plain JSON or as a single-message SSE stream.
func (c *mcpClient) post(msg rpcRequest) (*rpcResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.base+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	if verbose {
		printRequest(http.MethodPost, "/mcp", body)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
		c.sessionID = id
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if verbose {
		printResponse(resp.StatusCode, respBody, time.Since(start))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if msg.ID == nil || len(respBody) == 0 {
		return &rpcResponse{}, nil
	}

	payload := respBody
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		payload = lastSSEData(respBody)
		if payload == nil {
			return nil, fmt.Errorf("no data in event stream")
		}
	}

	var out rpcResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &out, nil
}

// lastSSEData extracts the final data payload from an SSE body.
func lastSSEData(body []byte) []byte {
	var data []byte
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data = []byte(strings.TrimSpace(rest))
		}
	}
	return data
}

// callTool invokes one MCP tool and returns its structured content.
func (c *mcpClient) callTool(name string, args map[string]any) (map[string]any, error) {
	resp, err := c.post(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.id(),
		Method:  "tools/call",
		Params:  map[string]any{"name": name, "arguments": args},
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result struct {
		IsError           bool            `json:"isError"`
		StructuredContent map[string]any  `json:"structuredContent"`
		Content           json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parsing tool result: %w", err)
	}
	if result.IsError {
		msg := "tool call failed"
		if m, ok := result.StructuredContent["error"].(string); ok {
			msg = m
		}
		if code, ok := result.StructuredContent["code"].(string); ok {
			return nil, fmt.Errorf("%s (%s)", msg, code)
		}
		return nil, fmt.Errorf("%s", msg)
	}
	return result.StructuredContent, nil
}

// =============================================================================
// FETCH COMMAND
// =============================================================================

func runFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	commonFlags(fs)
	var pageURL string
	var noMetadata bool
	var timeoutMS int
	fs.StringVar(&pageURL, "url", "", "Page URL (required)")
	fs.BoolVar(&noMetadata, "no-metadata", false, "Skip the metadata block")
	fs.IntVar(&timeoutMS, "timeout", 0, "Per-attempt timeout in milliseconds")
	fs.Parse(args)
	if noColor {
		disableColors()
	}
	if pageURL == "" {
		fs.Usage()
		os.Exit(1)
	}

	c, err := connect()
	if err != nil {
		fatal("Failed to connect: %v", err)
	}
	defer c.close()

	toolArgs := map[string]any{"url": pageURL}
	if noMetadata {
		toolArgs["includeMetadata"] = false
	}
	if timeoutMS > 0 {
		toolArgs["timeout"] = timeoutMS
	}

	out, err := c.callTool("fetch-url", toolArgs)
	if err != nil {
		fatal("fetch-url: %v", err)
	}

	content, _ := out["content"].(string)
	if quiet {
		fmt.Println(content)
		return
	}

	printSuccess("Fetched %s", pageURL)
	if title, ok := out["title"].(string); ok && title != "" {
		fmt.Printf("  Title: %s%s%s\n", colorCyan, title, colorReset)
	}
	if blocks, ok := out["contentBlocks"].(float64); ok {
		fmt.Printf("  Blocks: %d\n", int(blocks))
	}
	if cached, _ := out["cached"].(bool); cached {
		printInfo("Served from cache")
	}
	if uri, ok := out["resourceUri"].(string); ok && uri != "" {
		fmt.Printf("  Resource: %s%s%s\n", colorBlue, uri, colorReset)
		return
	}
	fmt.Println(content)
}

// =============================================================================
// MARKDOWN COMMAND
// =============================================================================

func runMarkdown(args []string) {
	fs := flag.NewFlagSet("markdown", flag.ExitOnError)
	commonFlags(fs)
	var pageURL string
	var raw bool
	fs.StringVar(&pageURL, "url", "", "Page URL (required)")
	fs.BoolVar(&raw, "raw", false, "Skip article extraction")
	fs.Parse(args)
	if noColor {
		disableColors()
	}
	if pageURL == "" {
		fs.Usage()
		os.Exit(1)
	}

	c, err := connect()
	if err != nil {
		fatal("Failed to connect: %v", err)
	}
	defer c.close()

	toolArgs := map[string]any{"url": pageURL}
	if raw {
		toolArgs["extractMainContent"] = false
	}

	out, err := c.callTool("fetch-markdown", toolArgs)
	if err != nil {
		fatal("fetch-markdown: %v", err)
	}

	markdown, _ := out["markdown"].(string)
	if quiet {
		fmt.Println(markdown)
		return
	}

	printSuccess("Fetched %s", pageURL)
	if uri, ok := out["resourceUri"].(string); ok && uri != "" {
		fmt.Printf("  Resource: %s%s%s\n", colorBlue, uri, colorReset)
	}
	if file, ok := out["file"].(map[string]any); ok {
		if dl, ok := file["downloadUrl"].(string); ok {
			fmt.Printf("  Download: %s%s%s\n", colorBlue, dl, colorReset)
		}
	}
	if markdown != "" {
		fmt.Println(markdown)
	}
}

// =============================================================================
// LINKS COMMAND
// =============================================================================

func runLinks(args []string) {
	fs := flag.NewFlagSet("links", flag.ExitOnError)
	commonFlags(fs)
	var pageURL, filter string
	var images bool
	var maxLinks int
	fs.StringVar(&pageURL, "url", "", "Page URL (required)")
	fs.StringVar(&filter, "filter", "", "Regex filter applied to link URLs")
	fs.BoolVar(&images, "images", false, "Include image sources")
	fs.IntVar(&maxLinks, "max", 0, "Maximum number of links")
	fs.Parse(args)
	if noColor {
		disableColors()
	}
	if pageURL == "" {
		fs.Usage()
		os.Exit(1)
	}

	c, err := connect()
	if err != nil {
		fatal("Failed to connect: %v", err)
	}
	defer c.close()

	toolArgs := map[string]any{"url": pageURL}
	if filter != "" {
		toolArgs["filterPattern"] = filter
	}
	if images {
		toolArgs["includeImages"] = true
	}
	if maxLinks > 0 {
		toolArgs["maxLinks"] = maxLinks
	}

	out, err := c.callTool("fetch-links", toolArgs)
	if err != nil {
		fatal("fetch-links: %v", err)
	}

	links, _ := out["links"].([]any)
	for _, l := range links {
		link, ok := l.(map[string]any)
		if !ok {
			continue
		}
		href, _ := link["url"].(string)
		if quiet {
			fmt.Println(href)
			continue
		}
		kind, _ := link["kind"].(string)
		text, _ := link["text"].(string)
		fmt.Printf("%s%-8s%s %s  %s%s%s\n", colorGray, kind, colorReset, href, colorCyan, text, colorReset)
	}
	if !quiet {
		if truncated, _ := out["truncated"].(bool); truncated {
			printWarning("Link list truncated")
		}
	}
}

// =============================================================================
// BATCH COMMAND
// =============================================================================

func runBatch(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	commonFlags(fs)
	var urlList, format string
	var concurrency int
	fs.StringVar(&urlList, "urls", "", "Comma-separated URLs (required, max 10)")
	fs.StringVar(&format, "format", "jsonl", "Output format: jsonl or markdown")
	fs.IntVar(&concurrency, "concurrency", 0, "Parallel fetches (max 5)")
	fs.Parse(args)
	if noColor {
		disableColors()
	}

	var urls []string
	for _, u := range strings.Split(urlList, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	c, err := connect()
	if err != nil {
		fatal("Failed to connect: %v", err)
	}
	defer c.close()

	toolArgs := map[string]any{"urls": urls, "format": format}
	if concurrency > 0 {
		toolArgs["concurrency"] = concurrency
	}

	out, err := c.callTool("fetch-urls", toolArgs)
	if err != nil {
		fatal("fetch-urls: %v", err)
	}

	if quiet {
		data, _ := json.Marshal(out)
		fmt.Println(string(data))
		return
	}

	results, _ := out["results"].([]any)
	for _, r := range results {
		entry, ok := r.(map[string]any)
		if !ok {
			continue
		}
		href, _ := entry["url"].(string)
		if errMsg, ok := entry["error"].(string); ok && errMsg != "" {
			printError("%s: %s", href, errMsg)
			continue
		}
		note := "inline"
		if uri, ok := entry["resourceUri"].(string); ok && uri != "" {
			note = uri
		}
		if cached, _ := entry["cached"].(bool); cached {
			note += " (cached)"
		}
		printSuccess("%s  %s%s%s", href, colorGray, note, colorReset)
	}
	if summary, ok := out["summary"].(map[string]any); ok {
		fmt.Printf("\n  Total: %v  OK: %s%v%s  Failed: %s%v%s  Cached: %v\n",
			summary["total"],
			colorGreen, summary["successful"], colorReset,
			colorRed, summary["failed"], colorReset,
			summary["cached"])
	}
}

// =============================================================================
// HEALTH COMMAND
// =============================================================================

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	commonFlags(fs)
	fs.Parse(args)
	if noColor {
		disableColors()
	}

	target := serverURL + "/health"
	if authToken != "" {
		target += "?verbose=true"
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		fatal("creating request: %v", err)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		fatal("Health check failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		fatal("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if quiet {
		fmt.Println(strings.TrimSpace(string(body)))
		return
	}
	printSuccess("Server healthy")
	printJSON(body, "  ")
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

func printRequest(method, path string, body []byte) {
	fmt.Printf("\n%s▶ REQUEST%s %s%s %s%s\n", colorYellow, colorReset, colorBold, method, path, colorReset)
	if body != nil {
		printJSON(body, "  ")
	}
}

func printResponse(status int, body []byte, duration time.Duration) {
	statusColor := colorGreen
	if status >= 400 {
		statusColor = colorRed
	}
	fmt.Printf("\n%s◀ RESPONSE%s %s%d%s (%v)\n", colorCyan, colorReset, statusColor, status, colorReset, duration)
	printJSON(body, "  ")
}

func printJSON(data []byte, prefix string) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, prefix, "  "); err != nil {
		fmt.Printf("%s%s\n", prefix, string(data))
		return
	}

	output := pretty.String()
	if !verbose {
		lines := strings.Split(output, "\n")
		if len(lines) > 30 {
			lines = append(lines[:25], fmt.Sprintf("%s  %s(%d more lines, use -v for full output)%s", prefix, colorGray, len(lines)-25, colorReset))
			output = strings.Join(lines, "\n")
		}
	}
	fmt.Println(output)
}

func printSuccess(format string, args ...any) {
	if !quiet {
		fmt.Printf("%s✓ %s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
	}
}

func printError(format string, args ...any) {
	fmt.Printf("%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
}

func printWarning(format string, args ...any) {
	fmt.Printf("%s⚠ %s%s\n", colorYellow, fmt.Sprintf(format, args...), colorReset)
}

func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Printf("%s→ %s%s\n", colorGray, fmt.Sprintf(format, args...), colorReset)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
	os.Exit(1)
}
