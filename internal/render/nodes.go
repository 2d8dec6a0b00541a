package render

import (
	stdhtml "html"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"

	"chatmark/internal/diagram"
	"chatmark/internal/transform"
)

// PayloadImage is a synthetic inline node holding a re-hydrated payload. The
// payload bytes never pass through the parser again; the node writes them
// verbatim at render time.
type PayloadImage struct {
	ast.BaseInline
	Record transform.PayloadRecord
}

var KindPayloadImage = ast.NewNodeKind("PayloadImage")

func (n *PayloadImage) Kind() ast.NodeKind { return KindPayloadImage }
func (n *PayloadImage) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Token": n.Record.Token, "Kind": n.Record.Kind}, nil)
}

// BrokenImage stands in for a placeholder token with no matching record.
type BrokenImage struct {
	ast.BaseInline
	Indicator string
}

var KindBrokenImage = ast.NewNodeKind("BrokenImage")

func (n *BrokenImage) Kind() ast.NodeKind { return KindBrokenImage }
func (n *BrokenImage) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, nil, nil)
}

// DiagramBlock is a synthetic block node backed by a diagram instance; its
// HTML reflects whatever state the instance settled in.
type DiagramBlock struct {
	ast.BaseBlock
	Instance *diagram.Instance
}

var KindDiagramBlock = ast.NewNodeKind("DiagramBlock")

func (n *DiagramBlock) Kind() ast.NodeKind { return KindDiagramBlock }
func (n *DiagramBlock) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"State": n.Instance.State().String()}, nil)
}
func (n *DiagramBlock) IsRaw() bool { return true }

type nodeRenderer struct{}

func (r *nodeRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindPayloadImage, r.renderPayloadImage)
	reg.Register(KindBrokenImage, r.renderBrokenImage)
	reg.Register(KindDiagramBlock, r.renderDiagramBlock)
}

func (r *nodeRenderer) renderPayloadImage(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n, ok := node.(*PayloadImage)
	if !ok {
		return ast.WalkContinue, nil
	}
	// The URI is written untouched; escaping would corrupt the payload and
	// the data-URI alphabet contains nothing an attribute value forbids.
	_, _ = w.WriteString(`<img src="`)
	_, _ = w.WriteString(n.Record.URI)
	_, _ = w.WriteString(`" alt="`)
	_, _ = w.WriteString(stdhtml.EscapeString(n.Record.Alt))
	_, _ = w.WriteString(`" class="inline-image"/>`)
	return ast.WalkSkipChildren, nil
}

func (r *nodeRenderer) renderBrokenImage(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n, ok := node.(*BrokenImage)
	if !ok || n.Indicator == "" {
		// Silent no-render for this one node.
		return ast.WalkSkipChildren, nil
	}
	_, _ = w.WriteString(`<span class="broken-image">`)
	_, _ = w.WriteString(stdhtml.EscapeString(n.Indicator))
	_, _ = w.WriteString(`</span>`)
	return ast.WalkSkipChildren, nil
}

func (r *nodeRenderer) renderDiagramBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n, ok := node.(*DiagramBlock)
	if !ok {
		return ast.WalkContinue, nil
	}
	_, _ = w.WriteString(n.Instance.HTML())
	return ast.WalkSkipChildren, nil
}
