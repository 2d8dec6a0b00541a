package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveContentPath_ClampsTraversal(t *testing.T) {
	// Leading ".." segments are clamped at the root rather than rejected, so
	// no request can name a file outside the content root.
	root := t.TempDir()
	cases := []struct {
		in   string
		want string
	}{
		{"../x", "x"},
		{"../../etc/passwd", "etc/passwd"},
		{"a/../../b.md", "b.md"},
		{"/abs/leading.md", "abs/leading.md"},
		{"docs/./guide.md", "docs/guide.md"},
	}
	for _, tc := range cases {
		abs, rel, err := ResolveContentPath(root, tc.in)
		if err != nil {
			t.Fatalf("ResolveContentPath(%q): %v", tc.in, err)
		}
		if rel != tc.want {
			t.Fatalf("ResolveContentPath(%q) rel = %q, want %q", tc.in, rel, tc.want)
		}
		if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			t.Fatalf("ResolveContentPath(%q) abs = %q escapes root %q", tc.in, abs, root)
		}
	}
}

func TestResolveDocRel_DirEntryDoc(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sessions", "README.md"), []byte("# Sessions\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := ResolveDocRel(root, "sessions")
	if err != nil {
		t.Fatalf("ResolveDocRel: %v", err)
	}
	if res.Rel != "sessions/README.md" {
		t.Fatalf("expected sessions/README.md, got %q", res.Rel)
	}
}

func TestResolveDocRel_RejectsNonMarkdown(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ResolveDocRel(root, "a.txt"); err == nil {
		t.Fatalf("expected non-markdown path to fail")
	}
}

func TestResolveDefaultDocRel_CaseInsensitive(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Index.md"), []byte("# x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ResolveDefaultDocRel(root)
	if err != nil {
		t.Fatalf("ResolveDefaultDocRel: %v", err)
	}
	if got != "Index.md" {
		t.Fatalf("expected Index.md, got %q", got)
	}
}
