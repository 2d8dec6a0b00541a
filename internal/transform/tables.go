package transform

import (
	"regexp"
	"strings"
)

// Models often emit real HTML tables inside ```html fences, which would
// otherwise render as literal code. PromoteHTMLTables splices those tables
// back into the raw text stream so the tree parse treats them as HTML, with
// attributes normalized to the viewer's presentation classes. Fenced blocks
// without a table, and fences of any other language, pass through untouched.

var (
	fencedBlock  = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)\r?\n[ \t]*```")
	tableOpenTag = regexp.MustCompile(`(?i)<table\b[^>]*>`)
	thOpenTag    = regexp.MustCompile(`(?i)<th\b[^>]*>`)
	tdOpenTag    = regexp.MustCompile(`(?i)<td\b[^>]*>`)
)

func PromoteHTMLTables(content string) string {
	return fencedBlock.ReplaceAllStringFunc(content, func(block string) string {
		m := fencedBlock.FindStringSubmatch(block)
		lang := strings.ToLower(strings.TrimSpace(m[1]))
		body := m[2]
		if lang != "html" || !strings.Contains(strings.ToLower(body), "<table") {
			return block
		}

		rewritten := tableOpenTag.ReplaceAllString(body, `<table class="content-table">`)
		rewritten = thOpenTag.ReplaceAllString(rewritten, `<th class="content-table-cell">`)
		rewritten = tdOpenTag.ReplaceAllString(rewritten, `<td class="content-table-cell">`)

		// Blank lines around the splice keep it a standalone HTML block.
		return "\n" + strings.TrimSpace(rewritten) + "\n"
	})
}
