package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quarry-search/quarry/internal/scanner"
)

// DefaultDebounce is the coalescing window when none is configured.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes a directory tree with fsnotify and emits debounced
// batches of markdown changes. New subdirectories are added to the
// watch as they appear.
type Watcher struct {
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	root      string
	errors    chan error
	stopCh    chan struct{}
	log       *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// New creates a watcher for root with the given debounce window.
func New(root string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	return &Watcher{
		fsw:       fsw,
		debouncer: NewDebouncer(debounce, log),
		root:      absRoot,
		errors:    make(chan error, 8),
		stopCh:    make(chan struct{}),
		log:       log,
	}, nil
}

// Start registers the directory tree and begins the event loop in a
// background goroutine.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("watch directory tree: %w", err)
	}
	go w.loop()
	return nil
}

// Events returns the channel of debounced change batches.
func (w *Watcher) Events() <-chan []Event {
	return w.debouncer.Output()
}

// Errors returns the channel of non-fatal watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Stop halts the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	err := w.fsw.Close()
	w.debouncer.Stop()
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.log.Warn("watcher error dropped", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		rel = event.Name
	}
	rel = filepath.ToSlash(rel)

	if hiddenPath(rel) {
		return
	}

	isDir := false
	if info, err := os.Stat(event.Name); err == nil {
		isDir = info.IsDir()
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		// Newly created directories join the watch so files added
		// inside them are seen.
		if isDir {
			if err := w.addRecursive(event.Name); err != nil {
				w.log.Warn("failed to watch new directory",
					slog.String("path", rel), slog.String("error", err.Error()))
			}
			return
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		// A rename leaves the old path behind; treat it as a delete
		// and let the create event for the new name arrive on its own.
		op = OpDelete
	default:
		return
	}

	if isDir || !scanner.IsMarkdown(rel) {
		return
	}

	w.debouncer.Add(Event{Path: rel, Op: op, At: time.Now()})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(w.root, path)
		if relErr == nil && rel != "." && hiddenPath(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// hiddenPath reports whether any segment of the slash-separated
// relative path starts with a dot.
func hiddenPath(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
