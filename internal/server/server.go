package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"chatmark/internal/render"
	"chatmark/internal/scan"
	"chatmark/internal/usage"
	"chatmark/internal/util"
	"chatmark/internal/watch"
	"chatmark/internal/web"
)

const maxRenderBody = 8 << 20 // 8 MiB of raw markdown for POST /api/render

type Options struct {
	// Root is the content directory served by the document endpoints.
	Root string

	Renderer  *render.Renderer
	Collector *usage.Collector
	Log       *zap.Logger
}

type Server struct {
	rootAbs   string
	renderer  *render.Renderer
	collector *usage.Collector
	hub       *watch.Hub
	watcher   *watch.Watcher
	log       *zap.Logger
}

func New(opts Options) (*Server, error) {
	rootAbs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	hub := watch.NewHub()
	w, err := watch.NewWatcher(rootAbs, hub, log)
	if err != nil {
		return nil, err
	}

	return &Server{
		rootAbs:   rootAbs,
		renderer:  opts.Renderer,
		collector: opts.Collector,
		hub:       hub,
		watcher:   w,
		log:       log,
	}, nil
}

func (s *Server) Close() error {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	return nil
}

// Hub exposes the websocket hub so callers can push their own events,
// e.g. usage updates from the collector.
func (s *Server) Hub() *watch.Hub {
	return s.hub
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Viewer assets (embedded)
	mux.Handle("/app/", http.StripPrefix("/app/", http.FileServer(web.FS())))

	// API
	mux.HandleFunc("/api/tree", s.handleTree)
	mux.HandleFunc("/api/home", s.handleHome)
	mux.HandleFunc("/api/render", s.handleRender)
	mux.HandleFunc("/api/usage", s.handleUsage)

	// WebSocket
	mux.HandleFunc("/ws", s.hub.ServeWS)

	// Client routes
	mux.HandleFunc("/doc/", s.handleIndex)
	mux.HandleFunc("/", s.handleIndex)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	web.ServeIndex(w, r)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tree, err := scan.BuildTree(s.rootAbs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, tree)
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel, err := util.ResolveDefaultDocRel(s.rootAbs)
	if err != nil {
		// No entry doc at root; still return something predictable.
		rel = ""
	}

	writeJSON(w, map[string]string{"path": rel})
}

// handleRender renders a document from the content root (GET ?path=) or a
// raw markdown body (POST). Both run the same pipeline, so POSTed content
// gets payload preservation, diagram settle and sanitization too.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.renderFromPath(w, r)
	case http.MethodPost:
		s.renderFromBody(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderFromPath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("path")
	if q == "" {
		rel, err := util.ResolveDefaultDocRel(s.rootAbs)
		if err != nil {
			http.Error(w, "no README.md or index.md found at content root", http.StatusNotFound)
			return
		}
		q = rel
	}

	// Accept either URL-escaped or raw.
	if unesc, err := url.PathUnescape(q); err == nil {
		q = unesc
	}

	resolved, err := util.ResolveDocRel(s.rootAbs, q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	content, err := readFileCapped(resolved.Abs, maxRenderBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	res, err := s.renderer.Render(r.Context(), string(content))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	res.Path = resolved.Rel

	writeJSON(w, res)
}

func (s *Server) renderFromBody(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRenderBody+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxRenderBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	res, err := s.renderer.Render(r.Context(), string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.collector == nil {
		writeJSON(w, usage.Snapshot{})
		return
	}
	writeJSON(w, s.collector.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func readFileCapped(abs string, max int64) ([]byte, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, max))
}
