package render

import (
	"strings"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"

	"chatmark/internal/diagram"
	"chatmark/internal/transform"
)

// Per-render state travels through the parser context, the same way the
// current file travels in a multi-document setup.
var renderCtxKey = parser.NewContextKey()

type renderState struct {
	extractor *transform.PayloadExtractor
	engine    *diagram.Engine
	indicator string
	instances []*diagram.Instance
}

func stateFrom(pc parser.Context) *renderState {
	st, _ := pc.Get(renderCtxKey).(*renderState)
	return st
}

// payloadRehydrator replaces placeholder tokens inside text runs with
// PayloadImage nodes. By this point the token lives in opaque tree nodes;
// the payload must not be re-parsed, only re-emitted. The inline parser may
// split a token across adjacent text nodes at delimiter characters, so
// matching works on whole runs of consecutive text siblings.
type payloadRehydrator struct{}

func (t *payloadRehydrator) Transform(doc *ast.Document, reader text.Reader, pc parser.Context) {
	st := stateFrom(pc)
	if st == nil || st.extractor.Pending() == 0 {
		return
	}
	source := reader.Source()

	// Collect parents that might hold a token; mutating while walking the
	// same subtree is not safe.
	var parents []ast.Node
	seen := map[ast.Node]bool{}
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		tn, ok := n.(*ast.Text)
		if !ok {
			return ast.WalkContinue, nil
		}
		p := tn.Parent()
		if p != nil && !seen[p] && st.extractor.HasToken(runText(p, source)) {
			seen[p] = true
			parents = append(parents, p)
		}
		return ast.WalkContinue, nil
	})

	for _, p := range parents {
		t.rehydrateRuns(p, source, st)
	}
}

// runText concatenates the values of n's consecutive text children.
func runText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if tn, ok := c.(*ast.Text); ok {
			b.Write(tn.Segment.Value(source))
		}
	}
	return b.String()
}

func (t *payloadRehydrator) rehydrateRuns(parent ast.Node, source []byte, st *renderState) {
	pattern := st.extractor.TokenPattern()

	c := parent.FirstChild()
	for c != nil {
		if _, ok := c.(*ast.Text); !ok {
			c = c.NextSibling()
			continue
		}

		// Gather the run of consecutive text siblings starting at c.
		var run []*ast.Text
		var combined strings.Builder
		for n := c; n != nil; n = n.NextSibling() {
			t2, ok := n.(*ast.Text)
			if !ok {
				break
			}
			run = append(run, t2)
			combined.Write(t2.Segment.Value(source))
		}
		next := run[len(run)-1].NextSibling()

		value := combined.String()
		if !st.extractor.HasToken(value) {
			c = next
			continue
		}

		// Rebuild the run: literal stretches stay text, tokens become
		// payload nodes.
		anchor := run[0]
		rest := value
		for {
			loc := pattern.FindStringIndex(rest)
			if loc == nil {
				break
			}
			if before := rest[:loc[0]]; before != "" {
				parent.InsertBefore(parent, anchor, ast.NewString([]byte(before)))
			}
			token := rest[loc[0]:loc[1]]
			if rec, ok := st.extractor.Take(token); ok {
				parent.InsertBefore(parent, anchor, &PayloadImage{Record: rec})
			} else {
				parent.InsertBefore(parent, anchor, &BrokenImage{Indicator: st.indicator})
			}
			rest = rest[loc[1]:]
		}
		if rest != "" {
			parent.InsertBefore(parent, anchor, ast.NewString([]byte(rest)))
		}
		for _, rn := range run {
			parent.RemoveChild(parent, rn)
		}

		c = next
	}
}

// diagramPromoter turns mermaid fences into DiagramBlock nodes backed by
// fresh engine instances. Instances are only created here; the pipeline
// settles them after the parse, before HTML is produced.
type diagramPromoter struct{}

func (t *diagramPromoter) Transform(doc *ast.Document, reader text.Reader, pc parser.Context) {
	st := stateFrom(pc)
	if st == nil || st.engine == nil {
		return
	}
	source := reader.Source()

	var fences []*ast.FencedCodeBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if f, ok := n.(*ast.FencedCodeBlock); ok {
			fences = append(fences, f)
		}
		return ast.WalkContinue, nil
	})

	for _, f := range fences {
		lang := strings.ToLower(strings.TrimSpace(string(f.Language(source))))
		if i := strings.IndexByte(lang, ' '); i >= 0 {
			lang = lang[:i]
		}
		if lang != "mermaid" {
			continue
		}
		parent := f.Parent()
		if parent == nil {
			continue
		}
		content := strings.TrimSpace(string(f.Lines().Value(source)))
		inst := st.engine.NewInstance(content)
		st.instances = append(st.instances, inst)
		parent.ReplaceChild(parent, f, &DiagramBlock{Instance: inst})
	}
}
