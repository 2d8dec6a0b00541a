package watch

import (
	"io/fs"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"chatmark/internal/util"
)

// Watcher broadcasts doc-changed events when markdown under the content root
// is written, created, removed or renamed. A doc-changed event is also the
// viewer's cue to drop any render it holds for that path; in-flight diagram
// repairs for replaced content are discarded by the engine's source keying.
type Watcher struct {
	rootAbs string
	hub     *Hub
	w       *fsnotify.Watcher
	log     *zap.Logger
	done    chan struct{}
}

func NewWatcher(rootAbs string, hub *Hub, log *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	ww := &Watcher{rootAbs: rootAbs, hub: hub, w: w, log: log, done: make(chan struct{})}

	// fsnotify is not recursive; watch every directory up front.
	err = filepath.WalkDir(rootAbs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == ".attachments" || name == "node_modules" {
				return fs.SkipDir
			}
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	go ww.loop()
	return ww, nil
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.log.Debug("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	// New directories start being watched as they appear.
	if ev.Op&fsnotify.Create != 0 {
		if st, err := util.Stat(ev.Name); err == nil && st.IsDir() {
			_ = w.w.Add(ev.Name)
			w.hub.Broadcast(Event{Type: "tree-updated"})
			return
		}
	}

	relOS, err := filepath.Rel(w.rootAbs, ev.Name)
	if err != nil {
		return
	}
	rel := filepath.ToSlash(relOS)
	name := filepath.Base(ev.Name)
	if !util.IsMarkdownFileName(name) {
		return
	}

	w.hub.Broadcast(Event{Type: "doc-changed", Path: rel})
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.hub.Broadcast(Event{Type: "tree-updated"})
	}
}
