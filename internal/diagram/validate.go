package diagram

import (
	"fmt"
	"strings"
)

// ValidationError is an expected outcome that drives the repair state
// machine; it is never propagated as a pipeline failure.
type ValidationError struct {
	Line int
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

// Diagram kinds accepted on the header line.
var diagramKinds = map[string]bool{
	"graph":           true,
	"flowchart":       true,
	"sequenceDiagram": true,
	"classDiagram":    true,
	"stateDiagram":    true,
	"stateDiagram-v2": true,
	"erDiagram":       true,
	"gantt":           true,
	"pie":             true,
	"journey":         true,
	"mindmap":         true,
	"timeline":        true,
}

var flowDirections = map[string]bool{
	"TB": true, "TD": true, "BT": true, "LR": true, "RL": true,
}

// Validate checks Mermaid source well enough to reject the failure shapes
// models actually produce: missing or unknown header, bad flow direction,
// unbalanced brackets or quotes, and unterminated subgraph blocks. It accepts
// anything structurally sound; full grammar checking belongs to the renderer.
func Validate(source string) error {
	lines := strings.Split(source, "\n")

	headerIdx := -1
	for i, ln := range lines {
		t := strings.TrimSpace(ln)
		if t == "" || strings.HasPrefix(t, "%%") {
			continue
		}
		headerIdx = i
		break
	}
	if headerIdx < 0 {
		return &ValidationError{Msg: "empty diagram source"}
	}

	header := strings.Fields(strings.TrimSpace(lines[headerIdx]))
	kind := header[0]
	if !diagramKinds[kind] {
		return &ValidationError{Line: headerIdx + 1, Msg: fmt.Sprintf("unknown diagram type %q", kind)}
	}

	// Bracket and quote balance only means anything where brackets delimit
	// node shapes; er/sequence notation uses them as operators.
	if kind == "graph" || kind == "flowchart" {
		if len(header) < 2 {
			return &ValidationError{Line: headerIdx + 1, Msg: "missing flow direction"}
		}
		if !flowDirections[header[1]] {
			return &ValidationError{Line: headerIdx + 1, Msg: fmt.Sprintf("invalid flow direction %q", header[1])}
		}
		if err := validateFlowBody(lines, headerIdx+1); err != nil {
			return err
		}
		return validateBalance(lines)
	}

	return nil
}

func validateFlowBody(lines []string, start int) error {
	depth := 0
	body := false
	for i := start; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == "" || strings.HasPrefix(t, "%%") {
			continue
		}
		body = true
		switch {
		case strings.HasPrefix(t, "subgraph"):
			depth++
		case t == "end":
			depth--
			if depth < 0 {
				return &ValidationError{Line: i + 1, Msg: "'end' without matching 'subgraph'"}
			}
		}
		// A single-dash arrow is the most common model mistake.
		if strings.Contains(t, "->") &&
			!strings.Contains(t, "-->") && !strings.Contains(t, "-.->") && !strings.Contains(t, "->>") {
			return &ValidationError{Line: i + 1, Msg: "invalid edge '->', expected '-->'"}
		}
	}
	if depth != 0 {
		return &ValidationError{Msg: "unterminated 'subgraph' block"}
	}
	if !body {
		return &ValidationError{Msg: "diagram has no body"}
	}
	return nil
}

var bracketPairs = map[byte]byte{')': '(', ']': '[', '}': '{'}

func validateBalance(lines []string) error {
	var stack []byte
	for i, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), "%%") {
			continue
		}
		inQuote := false
		for j := 0; j < len(ln); j++ {
			c := ln[j]
			if c == '"' {
				inQuote = !inQuote
				continue
			}
			if inQuote {
				continue
			}
			switch c {
			case '(', '[', '{':
				stack = append(stack, c)
			case ')', ']', '}':
				if len(stack) == 0 || stack[len(stack)-1] != bracketPairs[c] {
					return &ValidationError{Line: i + 1, Msg: fmt.Sprintf("unbalanced %q", string(c))}
				}
				stack = stack[:len(stack)-1]
			}
		}
		if inQuote {
			return &ValidationError{Line: i + 1, Msg: "unterminated quoted label"}
		}
	}
	if len(stack) > 0 {
		return &ValidationError{Msg: fmt.Sprintf("unclosed %q", string(stack[len(stack)-1]))}
	}
	return nil
}
