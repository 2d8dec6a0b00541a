// Package scan lists the renderable documents under the content root.
package scan

import (
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"chatmark/internal/util"
)

type Node struct {
	Name     string `json:"name"`
	Path     string `json:"path"` // root-relative, forward slashes
	Type     string `json:"type"` // "dir" or "doc"
	Children []Node `json:"children,omitempty"`
}

var skipDirs = map[string]struct{}{
	".git":         {},
	".attachments": {},
	"node_modules": {},
}

// BuildTree walks the content root and returns the directory tree of
// markdown documents. Directories with no documents anywhere beneath them
// are omitted.
func BuildTree(rootAbs string) (Node, error) {
	rootAbs, err := filepath.Abs(rootAbs)
	if err != nil {
		return Node{}, err
	}

	dirs := map[string]*Node{"": {Name: path.Base(filepath.ToSlash(rootAbs)), Type: "dir"}}

	nodeFor := func(dirRel string) *Node {
		if n, ok := dirs[dirRel]; ok {
			return n
		}
		n := &Node{Name: path.Base(dirRel), Path: dirRel, Type: "dir"}
		dirs[dirRel] = n
		return n
	}

	err = filepath.WalkDir(rootAbs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			name := d.Name()
			if _, skip := skipDirs[name]; skip || (strings.HasPrefix(name, ".") && p != rootAbs) {
				return fs.SkipDir
			}
			return nil
		}
		if !util.IsMarkdownFileName(d.Name()) {
			return nil
		}

		relOS, err := filepath.Rel(rootAbs, p)
		if err != nil {
			return nil
		}
		rel := filepath.ToSlash(relOS)
		dirRel := path.Dir(rel)
		if dirRel == "." {
			dirRel = ""
		}
		nodeFor(dirRel).Children = append(nodeFor(dirRel).Children, Node{
			Name: path.Base(rel),
			Path: rel,
			Type: "doc",
		})
		// Populate the whole ancestor chain so linking below sees it.
		for cur := dirRel; cur != ""; {
			nodeFor(cur)
			cur = path.Dir(cur)
			if cur == "." {
				cur = ""
			}
		}
		return nil
	})
	if err != nil {
		return Node{}, err
	}

	// Attach each populated directory to its parent, deepest first so a
	// directory is complete before it is copied upward.
	keys := make([]string, 0, len(dirs))
	for k := range dirs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if k == "" {
			continue
		}
		parent := path.Dir(k)
		if parent == "." {
			parent = ""
		}
		node := dirs[k]
		sortChildren(node.Children)
		nodeFor(parent).Children = append(nodeFor(parent).Children, *node)
	}

	root := dirs[""]
	sortChildren(root.Children)
	return *root, nil
}

func sortChildren(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Type != b.Type {
			return a.Type == "dir"
		}
		if a.Type == "doc" {
			ar := strings.EqualFold(a.Name, "README.md") || strings.EqualFold(a.Name, "index.md")
			br := strings.EqualFold(b.Name, "README.md") || strings.EqualFold(b.Name, "index.md")
			if ar != br {
				return ar
			}
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}
