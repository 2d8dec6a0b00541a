package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// The tree parse and the sanitize stage both mangle multi-kilobyte data URIs
// when they appear as attribute values. PayloadExtractor lifts them out of
// the text before parsing and hands them back, byte for byte, at node render
// time through an opaque token.

// data-URI markdown image: ![alt](data:image/png;base64,AAAA...)
var dataURIImage = regexp.MustCompile(`!\[([^\]]*)\]\((data:([A-Za-z0-9.+-]+/[A-Za-z0-9.+-]+);base64,([A-Za-z0-9+/]+={0,2}))\)`)

// PayloadRecord maps one placeholder token back to its original payload.
// Created during extraction, consumed exactly once during re-hydration.
type PayloadRecord struct {
	Token string
	Kind  string // mime type, e.g. image/png
	URI   string // full data URI, byte-exact
	Alt   string
}

// PayloadExtractor owns the token namespace for one render pass. The random
// tag keeps tokens from ever colliding across documents; indexes within a
// pass are monotonic.
type PayloadExtractor struct {
	tag     string
	pattern *regexp.Regexp
	next    int
	records map[string]PayloadRecord
}

func NewPayloadExtractor() *PayloadExtractor {
	tag := "chatmark-img-" + uuid.NewString()[:8]
	return &PayloadExtractor{
		tag:     tag,
		pattern: regexp.MustCompile(regexp.QuoteMeta(tag) + `_\d+`),
		records: make(map[string]PayloadRecord),
	}
}

// Regions whose content must stay literal: fenced code blocks, inline code
// spans, and raw table HTML (authored directly or spliced in by
// PromoteHTMLTables). A payload image inside one of these is example text,
// and a token placed there would never be matched during re-hydration.
var literalRegions = []*regexp.Regexp{
	fencedBlock,
	regexp.MustCompile(`(?si)<table\b.*?</table>`),
	regexp.MustCompile("`[^`\n]+`"),
}

// nextLiteral finds the earliest literal region in s.
func nextLiteral(s string) []int {
	var first []int
	for _, re := range literalRegions {
		if loc := re.FindStringIndex(s); loc != nil && (first == nil || loc[0] < first[0]) {
			first = loc
		}
	}
	return first
}

// Extract replaces each inline-payload image with a placeholder token and
// records the mapping. Literal regions pass through untouched; everything
// else is unchanged too, so running the stage over already-extracted text
// is a no-op.
func (x *PayloadExtractor) Extract(content string) string {
	var b strings.Builder
	rest := content
	for rest != "" {
		loc := nextLiteral(rest)
		if loc == nil {
			b.WriteString(x.extractFrom(rest))
			break
		}
		b.WriteString(x.extractFrom(rest[:loc[0]]))
		b.WriteString(rest[loc[0]:loc[1]])
		rest = rest[loc[1]:]
	}
	return b.String()
}

func (x *PayloadExtractor) extractFrom(segment string) string {
	return dataURIImage.ReplaceAllStringFunc(segment, func(match string) string {
		m := dataURIImage.FindStringSubmatch(match)
		token := fmt.Sprintf("%s_%d", x.tag, x.next)
		x.next++
		x.records[token] = PayloadRecord{Token: token, Kind: m[3], URI: m[2], Alt: m[1]}
		return token
	})
}

// TokenPattern matches this pass's placeholder tokens.
func (x *PayloadExtractor) TokenPattern() *regexp.Regexp { return x.pattern }

// Take consumes the record for token. The second take of the same token
// misses, which is what makes duplicated placeholder text render nothing.
func (x *PayloadExtractor) Take(token string) (PayloadRecord, bool) {
	rec, ok := x.records[token]
	if ok {
		delete(x.records, token)
	}
	return rec, ok
}

// Pending reports how many extracted payloads have not been re-hydrated yet.
func (x *PayloadExtractor) Pending() int { return len(x.records) }

// HasToken reports whether s looks like a token from this pass without
// consuming anything.
func (x *PayloadExtractor) HasToken(s string) bool {
	return strings.Contains(s, x.tag)
}
