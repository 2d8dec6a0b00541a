// Package render is the rich-content pipeline: it turns one untrusted
// markdown/HTML string into sanitized HTML plus structured side channels
// (gallery section, diagram reports) without losing embedded payloads.
package render

import (
	"bytes"
	"context"
	"strings"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	gmutil "github.com/yuin/goldmark/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatmark/internal/diagram"
	"chatmark/internal/resolver"
	"chatmark/internal/transform"
	"chatmark/internal/util"
)

// maxConcurrentDiagrams bounds simultaneous repair calls per document.
const maxConcurrentDiagrams = 4

type Options struct {
	// Resolver inlines indirect payload references before the pipeline runs.
	// Nil skips the precondition.
	Resolver *resolver.Resolver

	// Engine validates and repairs diagram blocks. Nil gets a validate-only
	// engine with no repair service.
	Engine *diagram.Engine

	// BrokenImageIndicator is rendered for a placeholder token with no
	// matching record. Empty keeps the historical silent no-render.
	BrokenImageIndicator string

	Logger *zap.Logger
}

type RenderResult struct {
	Path     string                  `json:"path,omitempty"`
	Title    string                  `json:"title"`
	HTML     string                  `json:"html"`
	Gallery  *transform.SectionBlock `json:"gallery,omitempty"`
	Diagrams []diagram.Report        `json:"diagrams,omitempty"`
}

type Renderer struct {
	opts   Options
	md     goldmark.Markdown
	policy *bluemonday.Policy
	log    *zap.Logger
}

func New(opts Options) *Renderer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Engine == nil {
		opts.Engine = diagram.NewEngine(nil, nil, opts.Logger)
	}

	r := &Renderer{opts: opts, log: opts.Logger}

	// GitHub-flavored-ish markdown with raw HTML passthrough; sanitization
	// is applied afterwards.
	r.md = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
			parser.WithASTTransformers(
				gmutil.Prioritized(&diagramPromoter{}, 100),
				gmutil.Prioritized(&payloadRehydrator{}, 200),
			),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
			html.WithUnsafe(),
			renderer.WithNodeRenderers(
				gmutil.Prioritized(&nodeRenderer{}, 100),
			),
		),
	)

	p := bluemonday.UGCPolicy()
	p.AllowAttrs("id").OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowAttrs("class").OnElements("div", "pre", "code", "span", "p", "img", "table", "th", "td")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title").OnElements("img")
	p.AllowAttrs("rel", "target").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowTables()
	// The one narrow hole the re-hydrated payloads pass through.
	p.AllowDataURIImages()
	r.policy = p

	return r
}

// Render runs the full transform pipeline over one content document. Stage
// order is fixed: resolution precondition, section extraction, table
// promotion, payload extraction, tree parse, diagram settlement, HTML
// render, sanitize. Every failure mode below the resolver boundary has a
// renderable form, so the only errors reported are renderer internals.
func (r *Renderer) Render(ctx context.Context, content string) (RenderResult, error) {
	content = r.opts.Resolver.Inline(ctx, content)

	content, gallery := transform.ExtractSection(content)
	content = transform.PromoteHTMLTables(content)

	extractor := transform.NewPayloadExtractor()
	content = extractor.Extract(content)

	state := &renderState{
		extractor: extractor,
		engine:    r.opts.Engine,
		indicator: r.opts.BrokenImageIndicator,
	}
	pctx := parser.NewContext()
	pctx.Set(renderCtxKey, state)

	src := []byte(content)
	doc := r.md.Parser().Parse(text.NewReader(src), parser.WithContext(pctx))

	// Settle diagram instances before producing HTML. The group is a
	// bounded fan-out, nothing more: every instance outcome, exhaustion
	// included, is a renderable state, so no goroutine ever returns an
	// error and Wait only synchronizes.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDiagrams)
	for _, inst := range state.instances {
		inst := inst
		g.Go(func() error {
			_ = inst.Run(gctx)
			return nil
		})
	}
	_ = g.Wait()

	var buf bytes.Buffer
	if err := r.md.Renderer().Render(&buf, src, doc); err != nil {
		return RenderResult{}, err
	}
	htmlOut := r.policy.SanitizeBytes(buf.Bytes())

	if n := extractor.Pending(); n > 0 {
		r.log.Warn("placeholder tokens left unconsumed", zap.Int("count", n))
	}

	res := RenderResult{
		Title:   extractTitle(doc, src),
		HTML:    string(htmlOut),
		Gallery: gallery,
	}
	for _, inst := range state.instances {
		res.Diagrams = append(res.Diagrams, inst.Report())
	}
	return res, nil
}

func extractTitle(doc ast.Node, source []byte) string {
	title := ""
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || title != "" {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			title = util.ExtractNodeTextWithSource(h, source)
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(title)
}
