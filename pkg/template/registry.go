package template

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Registry holds every validated template, populated at startup from a
// search path and kept current by an fsnotify watcher on those directories.
type Registry struct {
	mu        sync.RWMutex
	templates map[Key]*Template
	logger    *logrus.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry builds an empty registry. Call LoadSearchPaths to populate it.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		templates: make(map[Key]*Template),
		logger:    logger,
	}
}

// LoadSearchPaths loads and validates every template under each directory in
// paths, registering the ones that pass validation. Per-file failures are
// logged, not returned — the registry always ends up with whatever did
// parse and validate.
func (r *Registry) LoadSearchPaths(paths []string) {
	for _, dir := range paths {
		valid, failed := LoadDir(dir)
		for path, err := range failed {
			r.logger.WithField("path", path).WithError(err).Warn("dropping invalid task template")
		}
		r.mu.Lock()
		for _, t := range valid {
			r.templates[t.Key()] = t
		}
		r.mu.Unlock()
	}
}

// Lookup returns the template registered for (namespace, name, version).
func (r *Registry) Lookup(namespace, name, version string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[Key{Namespace: namespace, Name: name, Version: version}]
	return t, ok
}

// All returns every currently-registered template.
func (r *Registry) All() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	return out
}

// Watch starts an fsnotify watcher on each search path directory; on any
// Write/Create/Remove/Rename event it reloads every directory in paths.
// A reload only adds or replaces entries: a template whose file is removed,
// or whose new content fails validation, keeps its previously registered
// version. Watch returns once the watcher is established; the reload loop
// runs in a background goroutine until Close is called.
func (r *Registry) Watch(paths []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start template watcher: %w", err)
	}
	for _, dir := range paths {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("failed to watch template directory %s: %w", dir, err)
		}
	}
	r.watcher = w
	r.done = make(chan struct{})

	go r.watchLoop(paths)
	return nil
}

func (r *Registry) watchLoop(paths []string) {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.logger.WithField("event", event.String()).Info("reloading task templates")
				r.LoadSearchPaths(paths)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("template watcher error")
		case <-r.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases its file descriptors. It
// is a no-op if Watch was never called.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	return r.watcher.Close()
}
