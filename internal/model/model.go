// Package model defines the shared types of the superFetch server: cache
// entries, transformed content blocks, pipeline results, and structured errors.
package model

import "time"

// CacheEntry is a cached transform artifact for a single URL variant.
// Content is opaque to the cache; the pipeline stores a JSON wrapper.
type CacheEntry struct {
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	FetchedAt time.Time `json:"fetchedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BlockType discriminates ContentBlock variants. The serialized value is the
// JSONL "type" field and must be one of the constants below.
type BlockType string

const (
	BlockMetadata   BlockType = "metadata"
	BlockHeading    BlockType = "heading"
	BlockParagraph  BlockType = "paragraph"
	BlockList       BlockType = "list"
	BlockCode       BlockType = "code"
	BlockTable      BlockType = "table"
	BlockImage      BlockType = "image"
	BlockBlockquote BlockType = "blockquote"
)

// ContentBlock is one unit of AI-readable page content. It is a tagged
// variant: which fields are meaningful depends on Type. Serialized as one
// JSON object per JSONL line.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// heading, paragraph, code, blockquote
	Text string `json:"text,omitempty"`

	// heading
	Level int `json:"level,omitempty"`

	// list
	Ordered bool     `json:"ordered,omitempty"`
	Items   []string `json:"items,omitempty"`

	// code
	Language string `json:"language,omitempty"`

	// table
	Headers []string   `json:"headers,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`

	// image
	Src string `json:"src,omitempty"`
	Alt string `json:"alt,omitempty"`

	// metadata
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// LinkKind classifies extracted links relative to the page they came from.
type LinkKind string

const (
	LinkInternal LinkKind = "internal"
	LinkExternal LinkKind = "external"
	LinkImage    LinkKind = "image"
)

// Link is one extracted anchor or image reference, resolved to absolute form.
type Link struct {
	URL  string   `json:"url"`
	Text string   `json:"text,omitempty"`
	Kind LinkKind `json:"kind"`
}
