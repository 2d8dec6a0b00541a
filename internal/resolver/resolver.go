// Package resolver turns indirect image references into inline payloads
// before the transform pipeline runs.
package resolver

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Scheme is the indirect reference form produced upstream: the document
// carries an opaque attachment id instead of the payload itself.
const Scheme = "attachment://"

var attachmentImage = regexp.MustCompile(`!\[([^\]]*)\]\(attachment://([A-Za-z0-9][A-Za-z0-9._-]*)\)`)

// Store fetches the raw payload for an attachment id.
type Store interface {
	Get(ctx context.Context, id string) (data []byte, mimeType string, err error)
}

// DirStore serves attachments from files named by id under one directory.
type DirStore struct {
	root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (s *DirStore) Get(ctx context.Context, id string) ([]byte, string, error) {
	if strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.HasPrefix(id, ".") {
		return nil, "", fmt.Errorf("resolver: invalid attachment id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(s.root, id))
	if err != nil {
		return nil, "", err
	}
	mt := mime.TypeByExtension(filepath.Ext(id))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	// Strip encoding parameters; data URIs want the bare type.
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return data, mt, nil
}

// Resolver inlines attachment references. Resolution is a soft-fail
// boundary: a reference that cannot be fetched is left exactly as written
// and the document still renders.
type Resolver struct {
	store Store
	log   *zap.Logger
}

func New(store Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}
}

// Inline replaces every attachment image reference whose payload the store
// can produce with a self-contained data URI.
func (r *Resolver) Inline(ctx context.Context, content string) string {
	if r == nil || r.store == nil {
		return content
	}
	return attachmentImage.ReplaceAllStringFunc(content, func(match string) string {
		m := attachmentImage.FindStringSubmatch(match)
		alt, id := m[1], m[2]

		data, mt, err := r.store.Get(ctx, id)
		if err != nil {
			r.log.Debug("attachment resolution failed, leaving reference",
				zap.String("id", id), zap.Error(err))
			return match
		}
		uri := "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
		return fmt.Sprintf("![%s](%s)", alt, uri)
	})
}
