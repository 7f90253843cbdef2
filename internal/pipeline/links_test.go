package pipeline

import (
	"errors"
	"strings"
	"testing"

	"superfetch/internal/model"
)

const linkPage = `<html><body>
	<a href="/about">About</a>
	<a href="https://example.com/docs">Docs</a>
	<a href="https://other.example/ref">Elsewhere</a>
	<a href="/about">About again</a>
	<a href="#section">Anchor</a>
	<a href="javascript:void(0)">JS</a>
	<a href="mailto:x@example.com">Mail</a>
	<img src="/logo.png" alt="Logo">
</body></html>`

func allLinkOptions() LinkOptions {
	return LinkOptions{IncludeInternal: true, IncludeExternal: true, IncludeImages: true}
}

func TestExtractLinksClassifiesAndDedupes(t *testing.T) {
	res, err := ExtractLinks(linkPage, "https://example.com/page", allLinkOptions())
	if err != nil {
		t.Fatalf("ExtractLinks: %v", err)
	}

	byURL := map[string]model.Link{}
	for _, l := range res.Links {
		byURL[l.URL] = l
	}
	if len(res.Links) != 4 {
		t.Fatalf("got %d links, want 4 (deduped, no fragments/js/mailto): %+v", len(res.Links), res.Links)
	}
	if l := byURL["https://example.com/about"]; l.Kind != model.LinkInternal || l.Text != "About" {
		t.Errorf("about = %+v", l)
	}
	if l := byURL["https://other.example/ref"]; l.Kind != model.LinkExternal {
		t.Errorf("external = %+v", l)
	}
	if l := byURL["https://example.com/logo.png"]; l.Kind != model.LinkImage || l.Text != "Logo" {
		t.Errorf("image = %+v", l)
	}
	if res.Filtered || res.Truncated {
		t.Errorf("flags should be clear: %+v", res)
	}
}

func TestExtractLinksKindSelection(t *testing.T) {
	res, err := ExtractLinks(linkPage, "https://example.com/page", LinkOptions{IncludeExternal: true})
	if err != nil {
		t.Fatalf("ExtractLinks: %v", err)
	}
	if len(res.Links) != 1 || res.Links[0].Kind != model.LinkExternal {
		t.Fatalf("external only, got %+v", res.Links)
	}
}

func TestExtractLinksFilterPattern(t *testing.T) {
	opts := allLinkOptions()
	opts.FilterPattern = `docs`
	res, err := ExtractLinks(linkPage, "https://example.com/page", opts)
	if err != nil {
		t.Fatalf("ExtractLinks: %v", err)
	}
	if !res.Filtered {
		t.Error("filtered flag should be set")
	}
	if len(res.Links) != 1 || !strings.Contains(res.Links[0].URL, "/docs") {
		t.Fatalf("got %+v", res.Links)
	}
}

func TestExtractLinksMaxLinks(t *testing.T) {
	opts := allLinkOptions()
	opts.MaxLinks = 2
	res, err := ExtractLinks(linkPage, "https://example.com/page", opts)
	if err != nil {
		t.Fatalf("ExtractLinks: %v", err)
	}
	if len(res.Links) != 2 || !res.Truncated || res.LinkCount != 2 {
		t.Fatalf("got count=%d truncated=%v", res.LinkCount, res.Truncated)
	}
}

func TestCompileLinkFilterValidation(t *testing.T) {
	if re, err := CompileLinkFilter(""); err != nil || re != nil {
		t.Errorf("empty pattern: re=%v err=%v", re, err)
	}
	if _, err := CompileLinkFilter(strings.Repeat("a", 201)); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("oversized pattern: err=%v", err)
	}
	if _, err := CompileLinkFilter("(unclosed"); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("bad regex: err=%v", err)
	}
	if re, err := CompileLinkFilter(`\.md$`); err != nil || re == nil {
		t.Errorf("valid pattern: re=%v err=%v", re, err)
	}
}
