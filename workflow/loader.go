package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no definition exists for a workflow key.
var ErrNotFound = errors.New("workflow not found")

// Loader reads and validates YAML workflow definitions from a directory.
// Definitions are cached after first load; Watch invalidates cache entries
// when their files change on disk.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Definition
}

// NewLoader creates a workflow loader rooted at dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		logger: logger.With("component", "workflow_loader"),
		cache:  make(map[string]*Definition),
	}
}

// Load returns the definition for key, reading <dir>/<key>.yaml on a cache
// miss. A missing file maps to ErrNotFound; an invalid definition returns
// the validation error.
func (l *Loader) Load(key string) (*Definition, error) {
	l.mu.RLock()
	def, ok := l.cache[key]
	l.mu.RUnlock()
	if ok {
		return def, nil
	}

	path := filepath.Join(l.dir, key+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workflow %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read workflow %q: %w", key, err)
	}

	def = &Definition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, &ValidationError{Workflow: key, Message: fmt.Sprintf("parse yaml: %v", err)}
	}
	def.applyDefaults(key)
	if err := def.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[key] = def
	l.mu.Unlock()
	return def, nil
}

// Invalidate drops a cached definition so the next Load re-reads it.
func (l *Loader) Invalidate(key string) {
	l.mu.Lock()
	delete(l.cache, key)
	l.mu.Unlock()
}

// Watch invalidates cached definitions when their files change. The
// watcher is set up before Watch returns; the event loop runs in its own
// goroutine until done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.logger.Debug("Watching workflow directory", "dir", l.dir)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".yaml") {
					continue
				}
				key := strings.TrimSuffix(filepath.Base(event.Name), ".yaml")
				l.Invalidate(key)
				l.logger.Info("Workflow definition changed, cache invalidated",
					"workflow", key, "op", event.Op.String())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("Workflow watcher error", "error", err)
			}
		}
	}()
	return nil
}
