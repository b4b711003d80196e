package server

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/astromechza/canvasd/pkg/store"
)

// EventKind classifies an external filesystem change.
type EventKind int

const (
	DocumentChanged EventKind = iota
	DocumentCreated
	DocumentDeleted
	SchemasChanged
	TreeChanged
)

func (k EventKind) String() string {
	switch k {
	case DocumentChanged:
		return "document-changed"
	case DocumentCreated:
		return "document-created"
	case DocumentDeleted:
		return "document-deleted"
	case SchemasChanged:
		return "schemas-changed"
	case TreeChanged:
		return "tree-changed"
	default:
		return "unknown"
	}
}

// Event is a reconciliation event with its workspace-relative path payload.
type Event struct {
	Kind EventKind
	Path string
}

// Watcher observes a canonical workspace for out-of-band edits and emits
// typed events on a single channel consumed by the server's dispatch loop.
// The reserved state directory is excluded so the server's own sidecar
// writes cannot feed back into reconciliation.
type Watcher struct {
	root     string
	debounce time.Duration
	events   chan Event
	fsw      *fsnotify.Watcher
	log      *slog.Logger

	mu     sync.Mutex
	known  map[string]bool
	timers map[string]*time.Timer

	done chan struct{}
}

// NewWatcher starts observing root. The per-path debounce smooths over the
// multiple events most editors emit per save.
func NewWatcher(root string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		debounce: debounce,
		events:   make(chan Event, 64),
		fsw:      fsw,
		log:      slog.With("component", "watcher"),
		known:    map[string]bool{},
		timers:   map[string]*time.Timer{},
		done:     make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Events is the channel of classified reconciliation events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Stop ends observation and cancels pending debounce timers. The event
// channel is left open; consumers stop on their own shutdown signal.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.fsw.Close()
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.mu.Unlock()
}

// addTree watches root and every subdirectory, snapshotting known files.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if w.excluded(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.log.Warn("failed to watch directory", "path", path, "err", err)
			}
			return nil
		}
		w.mu.Lock()
		w.known[rel] = true
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) excluded(rel string) bool {
	return rel == store.StateDirName || strings.HasPrefix(rel, store.StateDirName+"/")
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("file watcher error", "err", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleRaw(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || w.excluded(rel) {
		return
	}

	// new directories need to join the watch before their contents settle
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("failed to watch new directory", "path", event.Name, "err", err)
			}
			w.emit(Event{Kind: TreeChanged, Path: rel})
			return
		}
	}

	// debounce per path: editors typically emit several events per save
	w.mu.Lock()
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, rel)
		w.mu.Unlock()
		w.settle(rel)
	})
	w.mu.Unlock()
}

// settle classifies a path once its debounce window has elapsed, comparing
// its current existence against the known-files snapshot.
func (w *Watcher) settle(rel string) {
	select {
	case <-w.done:
		return
	default:
	}
	_, statErr := os.Stat(filepath.Join(w.root, filepath.FromSlash(rel)))
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		w.log.Warn("failed to stat changed path", "path", rel, "err", statErr)
		return
	}

	w.mu.Lock()
	known := w.known[rel]
	if exists {
		w.known[rel] = true
	} else {
		delete(w.known, rel)
	}
	w.mu.Unlock()

	for _, ev := range Classify(rel, exists, known) {
		w.emit(ev)
	}
}

// Classify maps a settled path observation to its reconciliation events.
func Classify(rel string, exists, known bool) []Event {
	if _, ok := store.IDForPath(rel); ok {
		switch {
		case exists && known:
			return []Event{{Kind: DocumentChanged, Path: rel}}
		case exists && !known:
			return []Event{{Kind: DocumentCreated, Path: rel}, {Kind: TreeChanged, Path: rel}}
		case !exists && known:
			return []Event{{Kind: DocumentDeleted, Path: rel}, {Kind: TreeChanged, Path: rel}}
		default:
			return nil
		}
	}
	if rel == store.SchemasPath {
		if exists && known {
			return []Event{{Kind: SchemasChanged, Path: rel}}
		}
		return []Event{{Kind: TreeChanged, Path: rel}}
	}
	if !exists && !known {
		return nil
	}
	return []Event{{Kind: TreeChanged, Path: rel}}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}
