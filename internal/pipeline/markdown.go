package pipeline

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"

	"superfetch/internal/model"
)

// qualityGateRatio is the minimum share of the page's stripped text an
// extracted article must retain to be preferred over the full HTML.
const qualityGateRatio = 0.30

// qualityGateMinLen: below this original length extraction is always accepted.
const qualityGateMinLen = 100

// MarkdownOptions controls the markdown transform.
type MarkdownOptions struct {
	ExtractMainContent bool
	IncludeMetadata    bool
}

// MarkdownResult is the transformed page.
type MarkdownResult struct {
	Markdown string `json:"markdown"`
	Title    string `json:"title,omitempty"`
}

var (
	atxHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)
	listMarker   = regexp.MustCompile(`(?m)^\s*[-*+]\s+\S`)
	htmlTagCount = regexp.MustCompile(`(?i)</?(?:div|span|p|a|table|ul|ol|li|img|h[1-6])\b`)
	frontTitle   = regexp.MustCompile(`(?m)^(?:title|name):\s*"?([^"\n]+)"?\s*$`)
	tagStripper  = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]*>`)
)

// ToMarkdown converts a fetched body to markdown. Bodies that already look
// like markdown (raw fast path) pass through with a source annotation;
// HTML goes through readability extraction gated on retained text share,
// then through the HTML→Markdown converter.
func ToMarkdown(body, normalizedURL string, opts MarkdownOptions) (*MarkdownResult, error) {
	if looksLikeRawMarkdown(normalizedURL, body) {
		return rawMarkdown(body, normalizedURL, opts), nil
	}

	pageURL, err := url.Parse(normalizedURL)
	if err != nil {
		return nil, model.NewURLValidationError(err.Error())
	}

	chosen := body
	var title, byline, description string

	if opts.ExtractMainContent {
		article, err := readability.FromReader(strings.NewReader(body), pageURL)
		if err == nil && acceptExtraction(article.TextContent, body) {
			chosen = article.Content
			title = article.Title
			byline = article.Byline
			description = article.Excerpt
		}
	}
	if title == "" {
		meta := extractMeta(body)
		title = meta.title
		if description == "" {
			description = meta.description
		}
		if byline == "" {
			byline = meta.author
		}
	}

	cleaned := stripNoise(chosen)
	md, err := htmltomarkdown.ConvertString(cleaned)
	if err != nil {
		return nil, model.NewInternalError(fmt.Errorf("markdown conversion: %w", err))
	}
	// Sources mix composed and decomposed unicode; normalize so cache keys
	// and diffs over the output are stable.
	md = norm.NFC.String(strings.TrimSpace(md))

	if opts.IncludeMetadata {
		md = metadataBlock(title, byline, description, normalizedURL) + md
	}
	return &MarkdownResult{Markdown: md, Title: title}, nil
}

// acceptExtraction applies the quality gate: the extracted article must
// retain at least 30% of the original stripped text, unless the original
// is trivially small.
func acceptExtraction(extractedText, originalHTML string) bool {
	if extractedText == "" {
		return false
	}
	stripped := tagStripper.ReplaceAllString(originalHTML, " ")
	stripped = strings.Join(strings.Fields(stripped), " ")
	if len(stripped) < qualityGateMinLen {
		return true
	}
	return float64(len(extractedText)) >= qualityGateRatio*float64(len(stripped))
}

// looksLikeRawMarkdown reports whether the body should bypass HTML
// processing: a markdown file extension, or no HTML document prefix plus
// either YAML frontmatter or markdown syntax with almost no HTML tags.
func looksLikeRawMarkdown(normalizedURL, body string) bool {
	if u, err := url.Parse(normalizedURL); err == nil {
		path := strings.ToLower(u.Path)
		if strings.HasSuffix(path, ".md") || strings.HasSuffix(path, ".markdown") {
			return true
		}
	}

	head := strings.ToLower(strings.TrimSpace(body))
	if strings.HasPrefix(head, "<!doctype") || strings.HasPrefix(head, "<html") {
		return false
	}
	if strings.HasPrefix(strings.TrimSpace(body), "---\n") {
		return true
	}
	if len(htmlTagCount.FindAllString(body, 3)) > 2 {
		return false
	}
	if atxHeading.MatchString(body) || listMarker.MatchString(body) {
		return true
	}
	return strings.Count(body, "```")%2 == 0 && strings.Count(body, "```") >= 2
}

// rawMarkdown handles the fast path: the body is already markdown. With
// metadata enabled, a source field is injected into the YAML frontmatter,
// creating the frontmatter if missing and leaving any existing source alone.
func rawMarkdown(body, normalizedURL string, opts MarkdownOptions) *MarkdownResult {
	title := ""
	front, rest, hasFront := splitFrontmatter(body)
	if hasFront {
		if m := frontTitle.FindStringSubmatch(front); m != nil {
			title = strings.TrimSpace(m[1])
		}
	}

	if !opts.IncludeMetadata {
		return &MarkdownResult{Markdown: body, Title: title}
	}

	sourceLine := fmt.Sprintf("source: %q", normalizedURL)
	switch {
	case hasFront && regexp.MustCompile(`(?m)^source:`).MatchString(front):
		return &MarkdownResult{Markdown: body, Title: title}
	case hasFront:
		return &MarkdownResult{
			Markdown: "---\n" + front + sourceLine + "\n---\n" + rest,
			Title:    title,
		}
	default:
		return &MarkdownResult{
			Markdown: "---\n" + sourceLine + "\n---\n\n" + body,
			Title:    title,
		}
	}
}

// splitFrontmatter separates a leading YAML frontmatter block. front keeps
// a trailing newline; rest is everything after the closing delimiter.
func splitFrontmatter(body string) (front, rest string, ok bool) {
	if !strings.HasPrefix(body, "---\n") {
		return "", body, false
	}
	end := strings.Index(body[4:], "\n---")
	if end < 0 {
		return "", body, false
	}
	front = body[4 : 4+end+1]
	rest = body[4+end+1:]
	rest = strings.TrimPrefix(rest, "---")
	rest = strings.TrimPrefix(rest, "\n")
	return front, rest, true
}

// metadataBlock renders the YAML frontmatter prepended to converted pages.
func metadataBlock(title, byline, description, source string) string {
	var sb strings.Builder
	sb.WriteString("---\n")
	if title != "" {
		fmt.Fprintf(&sb, "title: %q\n", title)
	}
	if byline != "" {
		fmt.Fprintf(&sb, "author: %q\n", byline)
	}
	if description != "" {
		fmt.Fprintf(&sb, "description: %q\n", description)
	}
	fmt.Fprintf(&sb, "source: %q\n", source)
	sb.WriteString("---\n\n")
	return sb.String()
}

type pageMeta struct {
	title       string
	description string
	author      string
}

// PageTitle returns the document title, preferring og/twitter meta tags
// over the <title> element.
func PageTitle(htmlStr string) string {
	return extractMeta(htmlStr).title
}

// extractMeta pulls title/description/author from meta tags with
// precedence og: > twitter: > plain name attributes, falling back to the
// <title> element.
func extractMeta(htmlStr string) pageMeta {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return pageMeta{}
	}

	found := map[string]string{}
	titleText := ""
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				key := attr(n, "property")
				if key == "" {
					key = attr(n, "name")
				}
				if content := attr(n, "content"); key != "" && content != "" {
					if _, seen := found[key]; !seen {
						found[key] = content
					}
				}
			case "title":
				if titleText == "" {
					titleText = collapseText(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := found[k]; v != "" {
				return v
			}
		}
		return ""
	}
	meta := pageMeta{
		title:       pick("og:title", "twitter:title", "title"),
		description: pick("og:description", "twitter:description", "description"),
		author:      pick("og:article:author", "twitter:creator", "author"),
	}
	if meta.title == "" {
		meta.title = titleText
	}
	return meta
}

// noiseElements are removed wholesale before markdown conversion.
var noiseElements = map[string]struct{}{
	"script": {}, "style": {}, "svg": {}, "noscript": {}, "template": {},
}

// stripNoise removes scripts, styles, SVGs, explicitly hidden elements,
// and small cookie/consent dialogs before conversion. On parse failure the
// input is returned unchanged.
func stripNoise(htmlStr string) string {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return htmlStr
	}

	var prune func(n *html.Node)
	prune = func(n *html.Node) {
		var next *html.Node
		for c := n.FirstChild; c != nil; c = next {
			next = c.NextSibling
			if c.Type == html.ElementNode && isNoise(c) {
				n.RemoveChild(c)
				continue
			}
			prune(c)
		}
	}
	prune(doc)

	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return htmlStr
	}
	return sb.String()
}

func isNoise(n *html.Node) bool {
	if _, noisy := noiseElements[n.Data]; noisy {
		return true
	}
	if attr(n, "hidden") != "" || strings.Contains(strings.ReplaceAll(attr(n, "style"), " ", ""), "display:none") {
		return true
	}
	if attr(n, "aria-hidden") == "true" {
		return true
	}
	// Small consent dialogs: banner text under 500 chars.
	marker := strings.ToLower(attr(n, "id") + " " + attr(n, "class") + " " + attr(n, "role"))
	if n.Data == "dialog" || strings.Contains(marker, "cookie") || strings.Contains(marker, "consent") {
		if len(collapseText(n)) < 500 {
			return true
		}
	}
	return false
}
