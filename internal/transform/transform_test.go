package transform

import (
	"strings"
	"testing"
)

func TestExtractSection_FirstPairWins(t *testing.T) {
	doc := "intro\n\n" +
		GalleryStartMarker + "\n" +
		"![first](https://example.com/a.png)\n" +
		"![second](https://example.com/b.png)\n" +
		GalleryEndMarker + "\n\n" +
		"middle\n\n" +
		GalleryStartMarker + "\n" +
		"![third](https://example.com/c.png)\n" +
		GalleryEndMarker + "\n"

	rest, block := ExtractSection(doc)
	if block == nil {
		t.Fatalf("expected a section block")
	}
	if block.Kind != "gallery" {
		t.Fatalf("kind = %q, want gallery", block.Kind)
	}
	if len(block.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(block.Items))
	}
	if block.Items[0].Caption != "first" || block.Items[1].Caption != "second" {
		t.Fatalf("items out of order: %+v", block.Items)
	}
	if strings.Contains(rest, "a.png") || strings.Contains(rest, "b.png") {
		t.Fatalf("extracted region still referenced in main text: %q", rest)
	}
	// The second pair is left alone.
	if !strings.Contains(rest, "c.png") || !strings.Contains(rest, GalleryStartMarker) {
		t.Fatalf("second marker pair should stay in main text: %q", rest)
	}
}

func TestExtractSection_NoMarkersIsIdentity(t *testing.T) {
	doc := "plain text with ![img](https://example.com/x.png)\n"
	rest, block := ExtractSection(doc)
	if block != nil {
		t.Fatalf("unexpected block: %+v", block)
	}
	if rest != doc {
		t.Fatalf("content changed without markers")
	}
}

func TestExtractSection_UnterminatedMarkerIsIdentity(t *testing.T) {
	doc := "text\n" + GalleryStartMarker + "\n![a](x.png)\n"
	rest, block := ExtractSection(doc)
	if block != nil || rest != doc {
		t.Fatalf("unterminated marker must extract nothing")
	}
}

func TestPromoteHTMLTables(t *testing.T) {
	doc := "before\n\n" +
		"```html\n<table border=\"1\"><tr><th>H</th></tr><tr><td>v</td></tr></table>\n```\n\n" +
		"```html\n<p>no table here</p>\n```\n\n" +
		"```go\nfmt.Println(\"<table>\")\n```\n"

	out := PromoteHTMLTables(doc)

	if !strings.Contains(out, `<table class="content-table">`) {
		t.Fatalf("table not promoted: %q", out)
	}
	if !strings.Contains(out, `<th class="content-table-cell">`) || !strings.Contains(out, `<td class="content-table-cell">`) {
		t.Fatalf("cell classes not injected: %q", out)
	}
	if strings.Contains(out, "```html\n<table") {
		t.Fatalf("promoted table still fenced: %q", out)
	}
	// Non-table HTML stays fenced code.
	if !strings.Contains(out, "```html\n<p>no table here</p>\n```") {
		t.Fatalf("non-table html fence must pass through: %q", out)
	}
	// Other languages stay fenced even when they mention tables.
	if !strings.Contains(out, "```go\nfmt.Println(\"<table>\")\n```") {
		t.Fatalf("go fence must pass through: %q", out)
	}
}

const pngURI = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUg=="

func TestPayloadExtractor_RoundTrip(t *testing.T) {
	x := NewPayloadExtractor()

	doc := "look: ![chart](" + pngURI + ") and ![photo](data:image/jpeg;base64,aGVsbG8=)\n"
	out := x.Extract(doc)

	if strings.Contains(out, "base64") {
		t.Fatalf("payload left in text: %q", out)
	}
	tokens := x.TokenPattern().FindAllString(out, -1)
	if len(tokens) != 2 {
		t.Fatalf("tokens = %d, want 2", len(tokens))
	}

	rec, ok := x.Take(tokens[0])
	if !ok {
		t.Fatalf("missing record for %q", tokens[0])
	}
	if rec.URI != pngURI {
		t.Fatalf("payload not byte-exact: %q", rec.URI)
	}
	if rec.Kind != "image/png" || rec.Alt != "chart" {
		t.Fatalf("record = %+v", rec)
	}

	// Consumed exactly once.
	if _, ok := x.Take(tokens[0]); ok {
		t.Fatalf("record consumed twice")
	}
	if _, ok := x.Take(tokens[1]); !ok {
		t.Fatalf("second record missing")
	}
	if x.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", x.Pending())
	}
}

func TestPayloadExtractor_TokensUniqueAcrossDocuments(t *testing.T) {
	a := NewPayloadExtractor()
	b := NewPayloadExtractor()

	outA := a.Extract("![x](" + pngURI + ")")
	outB := b.Extract("![x](" + pngURI + ")")

	if outA == outB {
		t.Fatalf("token collision across documents: %q", outA)
	}
	if a.TokenPattern().MatchString(outB) {
		t.Fatalf("pass A pattern matches pass B token")
	}
}

func TestPayloadExtractor_SkipsLiteralRegions(t *testing.T) {
	x := NewPayloadExtractor()

	doc := "```markdown\n![example](" + pngURI + ")\n```\n\n" +
		"inline `![span](" + pngURI + ")` code\n\n" +
		"<table class=\"content-table\"><tr><td>![cell](" + pngURI + ")</td></tr></table>\n\n" +
		"real ![pic](" + pngURI + ")\n"

	out := x.Extract(doc)

	// Only the last image is a renderable payload; the other three are
	// literal example text and must stay byte for byte.
	if got := strings.Count(out, pngURI); got != 3 {
		t.Fatalf("literal occurrences = %d, want 3: %q", got, out)
	}
	if !strings.Contains(out, "![example]("+pngURI+")") {
		t.Fatalf("fenced image mangled: %q", out)
	}
	if !strings.Contains(out, "`![span]("+pngURI+")`") {
		t.Fatalf("inline-code image mangled: %q", out)
	}
	if !strings.Contains(out, "<td>![cell]("+pngURI+")</td>") {
		t.Fatalf("table-cell image mangled: %q", out)
	}
	if strings.Contains(out, "![pic](") {
		t.Fatalf("renderable image not extracted: %q", out)
	}
	if x.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", x.Pending())
	}
}

func TestPayloadExtractor_Idempotence(t *testing.T) {
	x := NewPayloadExtractor()
	once := x.Extract("![x](" + pngURI + ") trailing")
	twice := x.Extract(once)
	if once != twice {
		t.Fatalf("re-extraction changed already-clean text")
	}

	// The full pre-parse pipeline is also a no-op on clean text.
	rest, block := ExtractSection(twice)
	if block != nil || PromoteHTMLTables(rest) != rest {
		t.Fatalf("pipeline not idempotent on clean text")
	}
}
