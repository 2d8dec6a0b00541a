package render

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"

	"chatmark/internal/diagram"
	"chatmark/internal/repair"
	"chatmark/internal/transform"
	"chatmark/internal/usage"
)

const (
	pngURI  = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAE="
	jpegURI = "data:image/jpeg;base64,/9j/4AAQSkZJRg=="
)

func TestRender_PayloadRoundTrip(t *testing.T) {
	r := New(Options{})

	doc := "# Report\n\nFirst: ![chart one](" + pngURI + ")\n\nSecond: ![chart two](" + jpegURI + ")\n"
	res, err := r.Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if res.Title != "Report" {
		t.Fatalf("title = %q, want Report", res.Title)
	}
	if got := strings.Count(res.HTML, "<img"); got != 2 {
		t.Fatalf("images = %d, want 2; html=%q", got, res.HTML)
	}
	// Payloads survive the lossy stages byte for byte.
	if !strings.Contains(res.HTML, `src="`+pngURI+`"`) {
		t.Fatalf("png payload not byte-exact: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, `src="`+jpegURI+`"`) {
		t.Fatalf("jpeg payload not byte-exact: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, `alt="chart one"`) || !strings.Contains(res.HTML, `alt="chart two"`) {
		t.Fatalf("captions lost: %q", res.HTML)
	}
	if strings.Contains(res.HTML, "chatmark-img-") {
		t.Fatalf("placeholder token leaked into output: %q", res.HTML)
	}
}

func TestRender_GallerySectionExtracted(t *testing.T) {
	r := New(Options{})

	doc := "# Trip\n\nbody text\n\n" +
		transform.GalleryStartMarker + "\n" +
		"![sunset](https://example.com/sunset.jpg)\n" +
		"![harbor](https://example.com/harbor.jpg)\n" +
		transform.GalleryEndMarker + "\n\nafter\n"

	res, err := r.Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if res.Gallery == nil || len(res.Gallery.Items) != 2 {
		t.Fatalf("gallery = %+v", res.Gallery)
	}
	if res.Gallery.Items[0].Caption != "sunset" || res.Gallery.Items[1].Caption != "harbor" {
		t.Fatalf("gallery order wrong: %+v", res.Gallery.Items)
	}
	if strings.Contains(res.HTML, "sunset.jpg") || strings.Contains(res.HTML, "gallery:start") {
		t.Fatalf("marker region leaked into main render: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, "after") {
		t.Fatalf("text after the region lost: %q", res.HTML)
	}
}

func TestRender_SanitizesScriptButKeepsStructure(t *testing.T) {
	r := New(Options{})

	res, err := r.Render(context.Background(), "# T\n\n<script>alert(1)</script>\n\n**bold** stays\n")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(res.HTML, "<script") {
		t.Fatalf("script survived sanitization: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, "<strong>bold</strong>") {
		t.Fatalf("markdown structure lost: %q", res.HTML)
	}
}

func TestRender_FencedHTMLTablePromoted(t *testing.T) {
	r := New(Options{})

	doc := "```html\n<table><tr><th>Name</th></tr><tr><td>Ada</td></tr></table>\n```\n"
	res, err := r.Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(res.HTML, `<table class="content-table">`) {
		t.Fatalf("table not live: %q", res.HTML)
	}
	if strings.Contains(res.HTML, "&lt;table") {
		t.Fatalf("table rendered as literal code: %q", res.HTML)
	}
}

func TestRender_NonTableFencesStayLiteral(t *testing.T) {
	r := New(Options{})

	doc := "```html\n<p>not a table</p>\n```\n\n```go\npackage main\n```\n"
	res, err := r.Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(res.HTML, "<p>not a table</p>") {
		t.Fatalf("non-table html fence was promoted: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, "not a table") {
		t.Fatalf("fence body lost: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, "chroma") {
		t.Fatalf("expected chroma classes for go fence: %q", res.HTML)
	}
}

func TestRender_ValidDiagramBecomesMermaidContainer(t *testing.T) {
	r := New(Options{})

	doc := "before\n\n```mermaid\ngraph TD\n  A --> B\n```\n\nafter\n"
	res, err := r.Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(res.HTML, `<div class="mermaid">`) {
		t.Fatalf("diagram container missing: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, "A --&gt; B") {
		t.Fatalf("diagram source not embedded: %q", res.HTML)
	}
	if len(res.Diagrams) != 1 || res.Diagrams[0].State != "success" {
		t.Fatalf("diagram report = %+v", res.Diagrams)
	}
}

func TestRender_BrokenDiagramWithoutRepairShowsError(t *testing.T) {
	r := New(Options{})

	res, err := r.Render(context.Background(), "```mermaid\ngraph TD\n  A -> B\n```\n")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(res.HTML, "diagram-error") {
		t.Fatalf("error panel missing: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, "invalid edge") {
		t.Fatalf("validator message missing: %q", res.HTML)
	}
	if len(res.Diagrams) != 1 || res.Diagrams[0].State != "failed" {
		t.Fatalf("diagram report = %+v", res.Diagrams)
	}
}

type singleFix struct{ fixed string }

func (f singleFix) Fix(ctx context.Context, source, validationErr string) (repair.Result, error) {
	return repair.Result{
		Source: f.fixed,
		Usage:  usage.Record{Provider: "openai", Model: "gpt-4o-mini", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func TestRender_BrokenDiagramRepairedInline(t *testing.T) {
	sink := usage.NewCollector()
	eng := diagram.NewEngine(singleFix{fixed: "graph TD\n  A --> B"}, sink, nil)
	r := New(Options{Engine: eng})

	res, err := r.Render(context.Background(), "```mermaid\ngraph TD\n  A -> B\n```\n")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(res.HTML, `<div class="mermaid">`) {
		t.Fatalf("repaired diagram not rendered: %q", res.HTML)
	}
	if len(res.Diagrams) != 1 || res.Diagrams[0].State != "success" {
		t.Fatalf("diagram report = %+v", res.Diagrams)
	}
	if len(res.Diagrams[0].Attempts) != 1 {
		t.Fatalf("attempts = %+v", res.Diagrams[0].Attempts)
	}
	if sink.Snapshot().Total.TotalTokens != 15 {
		t.Fatalf("usage not surfaced: %+v", sink.Snapshot().Total)
	}
}

func TestRender_PayloadInCodeBlockStaysLiteral(t *testing.T) {
	r := New(Options{})

	doc := "example:\n\n```\n![logo](" + pngURI + ")\n```\n"
	res, err := r.Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(res.HTML, "chatmark-img-") {
		t.Fatalf("placeholder token leaked into code block: %q", res.HTML)
	}
	if strings.Contains(res.HTML, "<img") {
		t.Fatalf("code block content must not hydrate: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, "![logo]("+pngURI+")") {
		t.Fatalf("literal example lost: %q", res.HTML)
	}
}

func TestRender_PayloadInPromotedTableStaysLiteral(t *testing.T) {
	r := New(Options{})

	doc := "```html\n<table><tr><td>![cell](" + pngURI + ")</td></tr></table>\n```\n"
	res, err := r.Render(context.Background(), doc)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(res.HTML, `<table class="content-table">`) {
		t.Fatalf("table not promoted: %q", res.HTML)
	}
	if strings.Contains(res.HTML, "chatmark-img-") {
		t.Fatalf("placeholder token leaked into table cell: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, "![cell]("+pngURI+")") {
		t.Fatalf("cell text lost: %q", res.HTML)
	}
}

func TestRender_ForeignTokensRenderLiterally(t *testing.T) {
	r := New(Options{})

	// Tokens belong to exactly one render pass; a token from another pass is
	// ordinary text here, never an invented re-hydration.
	x := transform.NewPayloadExtractor()
	token := x.TokenPattern().FindString(x.Extract("![a](" + pngURI + ")"))
	if token == "" {
		t.Fatalf("no token extracted")
	}

	res, err := r.Render(context.Background(), "start "+token+" end\n")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Count(res.HTML, token) != 1 || strings.Contains(res.HTML, "<img") {
		t.Fatalf("foreign token must stay literal: %q", res.HTML)
	}
}

func TestRehydrationMiss(t *testing.T) {
	// A token whose record is already consumed renders nothing by default
	// and an indicator when configured. Driven through the real parser with
	// a hand-built render state.
	run := func(t *testing.T, indicator string) string {
		r := New(Options{BrokenImageIndicator: indicator})

		x := transform.NewPayloadExtractor()
		body := x.Extract("![a](" + pngURI + ")")
		token := x.TokenPattern().FindString(body)
		doc := body + " and again " + token + "\n"

		state := &renderState{
			extractor: x,
			engine:    diagram.NewEngine(nil, nil, nil),
			indicator: indicator,
		}
		pctx := parser.NewContext()
		pctx.Set(renderCtxKey, state)

		src := []byte(doc)
		tree := r.md.Parser().Parse(text.NewReader(src), parser.WithContext(pctx))
		var buf bytes.Buffer
		if err := r.md.Renderer().Render(&buf, src, tree); err != nil {
			t.Fatalf("render: %v", err)
		}
		return r.policy.Sanitize(buf.String())
	}

	t.Run("silent by default", func(t *testing.T) {
		html := run(t, "")
		if strings.Count(html, "<img") != 1 {
			t.Fatalf("first occurrence must hydrate exactly once: %q", html)
		}
		if strings.Contains(html, "chatmark-img-") || strings.Contains(html, "broken-image") {
			t.Fatalf("miss must render nothing: %q", html)
		}
	})

	t.Run("configurable indicator", func(t *testing.T) {
		html := run(t, "image unavailable")
		if !strings.Contains(html, `<span class="broken-image">image unavailable</span>`) {
			t.Fatalf("indicator missing: %q", html)
		}
	})
}
