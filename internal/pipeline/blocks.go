package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"superfetch/internal/model"
)

// DefaultMaxBlockLength caps per-block text in JSONL output.
const DefaultMaxBlockLength = 5000

// skippedElements never contribute content blocks.
var skippedElements = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "svg": {}, "template": {},
	"head": {}, "nav": {}, "iframe": {},
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// ParseBlocks converts an HTML document into a flat sequence of
// ContentBlocks: headings, paragraphs, lists, code, tables, images, and
// blockquotes, in document order.
func ParseBlocks(htmlStr string) ([]model.ContentBlock, error) {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return nil, model.NewInternalError(err)
	}

	var blocks []model.ContentBlock
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skippedElements[n.Data]; skip {
				return
			}
			if block, handled := elementToBlock(n); handled {
				if block != nil {
					blocks = append(blocks, *block)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks, nil
}

// elementToBlock maps one element to a block. The second return reports
// whether the element was consumed (children are not walked further).
func elementToBlock(n *html.Node) (*model.ContentBlock, bool) {
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := collapseText(n)
		if text == "" {
			return nil, true
		}
		return &model.ContentBlock{
			Type:  model.BlockHeading,
			Level: int(n.Data[1] - '0'),
			Text:  text,
		}, true

	case "p":
		text := collapseText(n)
		if text == "" {
			return nil, true
		}
		return &model.ContentBlock{Type: model.BlockParagraph, Text: text}, true

	case "ul", "ol":
		items := listItems(n)
		if len(items) == 0 {
			return nil, true
		}
		return &model.ContentBlock{
			Type:    model.BlockList,
			Ordered: n.Data == "ol",
			Items:   items,
		}, true

	case "pre":
		return codeBlock(n), true

	case "table":
		return tableBlock(n), true

	case "img":
		src := attr(n, "src")
		if src == "" {
			return nil, true
		}
		return &model.ContentBlock{Type: model.BlockImage, Src: src, Alt: attr(n, "alt")}, true

	case "blockquote":
		text := collapseText(n)
		if text == "" {
			return nil, true
		}
		return &model.ContentBlock{Type: model.BlockBlockquote, Text: text}, true
	}
	return nil, false
}

func listItems(n *html.Node) []string {
	var items []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "li" {
			if text := collapseText(c); text != "" {
				items = append(items, text)
			}
		}
	}
	return items
}

// codeBlock extracts a pre/code element, reading the language from a
// "language-*" class when present. Code text keeps its internal whitespace.
func codeBlock(n *html.Node) *model.ContentBlock {
	code := n
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "code" {
			code = c
			break
		}
	}

	text := strings.TrimRight(rawText(code), "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	block := &model.ContentBlock{Type: model.BlockCode, Text: text}
	for _, class := range strings.Fields(attr(code, "class")) {
		if lang, ok := strings.CutPrefix(class, "language-"); ok {
			block.Language = lang
			break
		}
	}
	return block
}

func tableBlock(n *html.Node) *model.ContentBlock {
	var headers []string
	var rows [][]string

	var visitRow func(tr *html.Node)
	visitRow = func(tr *html.Node) {
		var cells []string
		isHeader := false
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "th":
				isHeader = true
				cells = append(cells, collapseText(c))
			case "td":
				cells = append(cells, collapseText(c))
			}
		}
		if len(cells) == 0 {
			return
		}
		if isHeader && headers == nil {
			headers = cells
		} else {
			rows = append(rows, cells)
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "tr" {
				visitRow(c)
				continue
			}
			walk(c)
		}
	}
	walk(n)

	if headers == nil && len(rows) == 0 {
		return nil
	}
	return &model.ContentBlock{Type: model.BlockTable, Headers: headers, Rows: rows}
}

// collapseText renders the visible text of a subtree with whitespace runs
// collapsed to single spaces.
func collapseText(n *html.Node) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(rawText(n), " "))
}

// rawText concatenates text nodes, skipping non-content elements.
func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode {
			if _, skip := skippedElements[n.Data]; skip {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// EmitJSONL serializes blocks one JSON object per line. When meta is
// non-nil it becomes the first line. Per-block text is truncated to
// maxBlockLength with an ellipsis suffix; blocks that fail to serialize
// are dropped rather than failing the emission.
func EmitJSONL(meta *model.ContentBlock, blocks []model.ContentBlock, maxBlockLength int) string {
	if maxBlockLength <= 0 {
		maxBlockLength = DefaultMaxBlockLength
	}

	var lines []string
	if meta != nil {
		if data, err := json.Marshal(meta); err == nil {
			lines = append(lines, string(data))
		}
	}
	for _, b := range blocks {
		b.Text = truncateText(b.Text, maxBlockLength)
		for i, item := range b.Items {
			b.Items[i] = truncateText(item, maxBlockLength)
		}
		data, err := json.Marshal(b)
		if err != nil {
			continue
		}
		lines = append(lines, string(data))
	}
	return strings.Join(lines, "\n")
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary before appending the marker.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
