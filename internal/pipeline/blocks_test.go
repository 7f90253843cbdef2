package pipeline

import (
	"encoding/json"
	"strings"
	"testing"

	"superfetch/internal/model"
)

func TestParseBlocksBasicDocument(t *testing.T) {
	blocks, err := ParseBlocks(`<html><body>
		<h1>Hello</h1>
		<p>World</p>
		<h2>Sub</h2>
	</body></html>`)
	if err != nil {
		t.Fatalf("ParseBlocks: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3: %+v", len(blocks), blocks)
	}
	if blocks[0].Type != model.BlockHeading || blocks[0].Level != 1 || blocks[0].Text != "Hello" {
		t.Errorf("block 0 = %+v", blocks[0])
	}
	if blocks[1].Type != model.BlockParagraph || blocks[1].Text != "World" {
		t.Errorf("block 1 = %+v", blocks[1])
	}
	if blocks[2].Type != model.BlockHeading || blocks[2].Level != 2 {
		t.Errorf("block 2 = %+v", blocks[2])
	}
}

func TestParseBlocksSkipsNonContent(t *testing.T) {
	blocks, err := ParseBlocks(`<html><head><title>T</title></head><body>
		<nav><p>menu</p></nav>
		<script>var x = 1;</script>
		<style>p { color: red }</style>
		<p>kept</p>
	</body></html>`)
	if err != nil {
		t.Fatalf("ParseBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text != "kept" {
		t.Fatalf("got %+v, want single paragraph %q", blocks, "kept")
	}
}

func TestParseBlocksListTableCodeImage(t *testing.T) {
	blocks, err := ParseBlocks(`<body>
		<ul><li>one</li><li>two</li></ul>
		<ol><li>first</li></ol>
		<pre><code class="language-go">func main() {}</code></pre>
		<table>
			<tr><th>Name</th><th>Age</th></tr>
			<tr><td>Ada</td><td>36</td></tr>
		</table>
		<img src="/pic.png" alt="a pic">
		<blockquote>quoted text</blockquote>
	</body>`)
	if err != nil {
		t.Fatalf("ParseBlocks: %v", err)
	}
	if len(blocks) != 6 {
		t.Fatalf("got %d blocks: %+v", len(blocks), blocks)
	}

	ul := blocks[0]
	if ul.Type != model.BlockList || ul.Ordered || len(ul.Items) != 2 || ul.Items[1] != "two" {
		t.Errorf("ul = %+v", ul)
	}
	if !blocks[1].Ordered {
		t.Errorf("ol not marked ordered: %+v", blocks[1])
	}
	code := blocks[2]
	if code.Type != model.BlockCode || code.Language != "go" || code.Text != "func main() {}" {
		t.Errorf("code = %+v", code)
	}
	table := blocks[3]
	if table.Type != model.BlockTable || len(table.Headers) != 2 || len(table.Rows) != 1 || table.Rows[0][0] != "Ada" {
		t.Errorf("table = %+v", table)
	}
	img := blocks[4]
	if img.Type != model.BlockImage || img.Src != "/pic.png" || img.Alt != "a pic" {
		t.Errorf("img = %+v", img)
	}
	if blocks[5].Type != model.BlockBlockquote || blocks[5].Text != "quoted text" {
		t.Errorf("blockquote = %+v", blocks[5])
	}
}

func TestParseBlocksCollapsesWhitespace(t *testing.T) {
	blocks, err := ParseBlocks("<p>spread\n\t  across   lines</p>")
	if err != nil {
		t.Fatalf("ParseBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text != "spread across lines" {
		t.Fatalf("got %+v", blocks)
	}
}

func TestParseBlocksEmptyElementsDropped(t *testing.T) {
	blocks, err := ParseBlocks("<h1>  </h1><p></p><ul></ul><img><p>real</p>")
	if err != nil {
		t.Fatalf("ParseBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text != "real" {
		t.Fatalf("empty elements should be dropped, got %+v", blocks)
	}
}

func TestEmitJSONLShape(t *testing.T) {
	meta := &model.ContentBlock{Type: model.BlockMetadata, Title: "T", URL: "https://example.com"}
	blocks := []model.ContentBlock{
		{Type: model.BlockHeading, Level: 1, Text: "Hello"},
		{Type: model.BlockParagraph, Text: "World"},
	}

	out := EmitJSONL(meta, blocks, 0)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("metadata line not JSON: %v", err)
	}
	if first["type"] != "metadata" || first["title"] != "T" {
		t.Errorf("metadata line = %v", first)
	}

	var heading map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &heading); err != nil {
		t.Fatalf("heading line not JSON: %v", err)
	}
	if heading["type"] != "heading" || heading["level"] != float64(1) || heading["text"] != "Hello" {
		t.Errorf("heading line = %v", heading)
	}
}

func TestEmitJSONLTruncatesBlocks(t *testing.T) {
	long := strings.Repeat("x", 80)
	out := EmitJSONL(nil, []model.ContentBlock{{Type: model.BlockParagraph, Text: long}}, 50)

	var block map[string]any
	if err := json.Unmarshal([]byte(out), &block); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	text := block["text"].(string)
	if len(text) != 53 || !strings.HasSuffix(text, "...") {
		t.Errorf("text len=%d %q, want 50 chars plus ellipsis", len(text), text)
	}
}

func TestEmitJSONLTruncatesOnRuneBoundary(t *testing.T) {
	// 4 three-byte runes; a cap of 10 lands mid-rune and must back up.
	text := strings.Repeat("日", 4)
	out := EmitJSONL(nil, []model.ContentBlock{{Type: model.BlockParagraph, Text: text}}, 10)

	var block map[string]string
	if err := json.Unmarshal([]byte(out), &block); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	want := strings.Repeat("日", 3) + "..."
	if block["text"] != want {
		t.Errorf("got %q, want %q", block["text"], want)
	}
}
