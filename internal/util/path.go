package util

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

func IsMarkdownFileName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".markdown")
}

type Resolved struct {
	Abs string
	Rel string // forward slashes
}

// ResolveContentPath resolves relURL against the content root and rejects
// anything that escapes it.
func ResolveContentPath(rootAbs, relURL string) (abs string, rel string, err error) {
	relURL = strings.TrimPrefix(relURL, "/")
	relURL = path.Clean("/" + relURL)
	relURL = strings.TrimPrefix(relURL, "/")
	if relURL == "." {
		relURL = ""
	}
	relOS := filepath.FromSlash(relURL)
	abs = filepath.Join(rootAbs, relOS)

	abs, err = filepath.Abs(abs)
	if err != nil {
		return "", "", err
	}
	rootAbs2, err := filepath.Abs(rootAbs)
	if err != nil {
		return "", "", err
	}

	relCheck, err := filepath.Rel(rootAbs2, abs)
	if err != nil {
		return "", "", err
	}
	if strings.HasPrefix(relCheck, "..") {
		return "", "", errors.New("path escapes content root")
	}
	return abs, filepath.ToSlash(relCheck), nil
}

// ResolveDefaultDocRel finds the top-level entry document, case-insensitive.
func ResolveDefaultDocRel(rootAbs string) (string, error) {
	entries, err := os.ReadDir(rootAbs)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(e.Name(), "README.md") || strings.EqualFold(e.Name(), "index.md") {
			return e.Name(), nil
		}
	}
	return "", os.ErrNotExist
}

// ResolveDocRel resolves rel to a markdown document inside the content root.
// A directory resolves to its entry document.
func ResolveDocRel(rootAbs, rel string) (Resolved, error) {
	rel = filepath.ToSlash(rel)
	abs, cleanRel, err := ResolveContentPath(rootAbs, rel)
	if err != nil {
		return Resolved{}, err
	}

	st, statErr := os.Stat(abs)
	if statErr != nil {
		return Resolved{}, statErr
	}
	if st.IsDir() {
		name, err := ResolveDefaultDocRel(abs)
		if err != nil {
			return Resolved{}, err
		}
		rr := path.Join(cleanRel, name)
		aa, _, err := ResolveContentPath(rootAbs, rr)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Abs: aa, Rel: rr}, nil
	}

	if !IsMarkdownFileName(path.Base(cleanRel)) {
		return Resolved{}, errors.New("not a markdown file")
	}
	return Resolved{Abs: abs, Rel: cleanRel}, nil
}

func Stat(abs string) (os.FileInfo, error) {
	return os.Stat(abs)
}
