// Package transform holds the text-level stages that run before the markdown
// tree parse: gallery section extraction, fenced-HTML-table promotion, and
// inline payload extraction.
package transform

import (
	"regexp"
	"strings"
)

// Gallery region delimiters. HTML comments survive upstream formatting and
// never render if extraction is skipped.
const (
	GalleryStartMarker = "<!-- gallery:start -->"
	GalleryEndMarker   = "<!-- gallery:end -->"
)

type GalleryItem struct {
	Source  string `json:"source"`
	Caption string `json:"caption"`
}

// SectionBlock is a delimited sub-region extracted from the main content
// stream and rendered separately. At most one per document.
type SectionBlock struct {
	Kind  string        `json:"kind"`
	Items []GalleryItem `json:"items"`
}

var galleryEntry = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)

// ExtractSection removes the first gallery marker region, markers inclusive,
// and returns its image entries in document order. When multiple regions
// exist only the first is honored; later pairs stay in the main text.
// An unterminated start marker extracts nothing.
func ExtractSection(content string) (string, *SectionBlock) {
	start := strings.Index(content, GalleryStartMarker)
	if start < 0 {
		return content, nil
	}
	rest := content[start+len(GalleryStartMarker):]
	end := strings.Index(rest, GalleryEndMarker)
	if end < 0 {
		return content, nil
	}

	interior := rest[:end]
	block := &SectionBlock{Kind: "gallery"}
	for _, m := range galleryEntry.FindAllStringSubmatch(interior, -1) {
		block.Items = append(block.Items, GalleryItem{Caption: m[1], Source: m[2]})
	}

	remainder := content[:start] + rest[end+len(GalleryEndMarker):]
	return remainder, block
}
