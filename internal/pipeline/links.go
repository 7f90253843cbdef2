package pipeline

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"superfetch/internal/model"
	"superfetch/internal/urlcheck"
)

// maxFilterPatternLength bounds caller-supplied link filter regexes.
const maxFilterPatternLength = 200

// LinkOptions selects which links to keep and how to filter them.
type LinkOptions struct {
	IncludeInternal bool
	IncludeExternal bool
	IncludeImages   bool
	MaxLinks        int
	FilterPattern   string
}

// LinkResult is the extracted link set plus bookkeeping flags.
type LinkResult struct {
	Links     []model.Link `json:"links"`
	LinkCount int          `json:"linkCount"`
	Filtered  bool         `json:"filtered"`
	Truncated bool         `json:"truncated"`
}

// CompileLinkFilter validates and compiles a caller-supplied filter
// pattern. Length is capped; Go's regexp engine guarantees linear-time
// matching, so a compilable pattern cannot be used for backtracking abuse.
func CompileLinkFilter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	if len(pattern) > maxFilterPatternLength {
		return nil, model.NewValidationError("filterPattern",
			fmt.Sprintf("must not exceed %d characters", maxFilterPatternLength))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, model.NewValidationError("filterPattern", fmt.Sprintf("invalid regex: %v", err))
	}
	return re, nil
}

// ExtractLinks pulls anchors and images out of an HTML document, resolves
// them against the page URL, classifies them, deduplicates by resolved URL,
// and applies the caller's filter and limit.
func ExtractLinks(htmlStr, pageURL string, opts LinkOptions) (*LinkResult, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, model.NewURLValidationError(err.Error())
	}
	filter, err := CompileLinkFilter(opts.FilterPattern)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return nil, model.NewInternalError(err)
	}

	seen := map[string]struct{}{}
	var links []model.Link
	add := func(link model.Link) {
		if _, dup := seen[link.URL]; dup {
			return
		}
		seen[link.URL] = struct{}{}
		links = append(links, link)
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				if resolved := resolveRef(base, attr(n, "href")); resolved != nil {
					kind := model.LinkExternal
					if urlcheck.IsInternalURL(resolved, base) {
						kind = model.LinkInternal
					}
					add(model.Link{URL: resolved.String(), Text: collapseText(n), Kind: kind})
				}
			case "img":
				if resolved := resolveRef(base, attr(n, "src")); resolved != nil {
					add(model.Link{URL: resolved.String(), Text: attr(n, "alt"), Kind: model.LinkImage})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	result := &LinkResult{Filtered: filter != nil}
	kept := links[:0]
	for _, l := range links {
		switch l.Kind {
		case model.LinkInternal:
			if !opts.IncludeInternal {
				continue
			}
		case model.LinkExternal:
			if !opts.IncludeExternal {
				continue
			}
		case model.LinkImage:
			if !opts.IncludeImages {
				continue
			}
		}
		if filter != nil && !filter.MatchString(l.URL) {
			continue
		}
		kept = append(kept, l)
	}

	if opts.MaxLinks > 0 && len(kept) > opts.MaxLinks {
		kept = kept[:opts.MaxLinks]
		result.Truncated = true
	}
	result.Links = kept
	result.LinkCount = len(kept)
	return result, nil
}

// resolveRef resolves ref against base, rejecting fragments-only,
// javascript:, mailto:, data: and other non-http targets.
func resolveRef(base *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil
	}
	u, err := base.Parse(ref)
	if err != nil {
		return nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	u.Fragment = ""
	return u
}
