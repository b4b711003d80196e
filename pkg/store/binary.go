package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/astromechza/canvasd/pkg/document"
)

const registryName = "registry.json"

// Binary persists documents as opaque binary snapshots (<id>.ydoc) with a
// lightweight JSON registry carrying listing metadata, so List never has to
// decode every blob. The blob is always written before the registry entry: a
// crash can leave a stale registry row but never a trusted entry pointing at
// a missing blob, and readers treat a missing blob as deleted.
type Binary struct {
	root string
	mu   sync.Mutex
}

type registryEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
	NodeCount int       `json:"nodeCount"`
}

// NewBinary opens a binary store rooted at dir, creating it if missing.
func NewBinary(dir string) (*Binary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Binary{root: dir}, nil
}

func (b *Binary) Mode() string { return "binary" }

func (b *Binary) blobPath(id string) string {
	return filepath.Join(b.root, FlattenID(id)+".ydoc")
}

func (b *Binary) readRegistry() ([]registryEntry, error) {
	raw, err := os.ReadFile(filepath.Join(b.root, registryName))
	if errors.Is(err, fs.ErrNotExist) {
		return []registryEntry{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	var entries []registryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode registry: %w", err)
	}
	return entries, nil
}

func (b *Binary) writeRegistry(entries []registryEntry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.root, registryName), append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return nil
}

func (b *Binary) upsertEntry(entries []registryEntry, e registryEntry) []registryEntry {
	for i := range entries {
		if entries[i].ID == e.ID {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

// Load restores a document from its snapshot. A registry entry whose blob is
// missing is treated as deleted and pruned.
func (b *Binary) Load(id string) (*document.Document, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, err := os.ReadFile(b.blobPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		b.pruneLocked(id)
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	doc, err := document.LoadBinary(raw)
	if err != nil {
		return nil, &document.ValidationError{Reason: fmt.Sprintf("corrupt snapshot for %q: %v", id, err)}
	}
	return doc, nil
}

// Save writes the snapshot and then updates the registry entry in the same
// logical operation.
func (b *Binary) Save(id string, doc *document.Document) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	canvas, err := doc.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot document: %w", err)
	}
	state, err := doc.EncodeState()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.WriteFile(b.blobPath(id), state, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	entries, err := b.readRegistry()
	if err != nil {
		return err
	}
	entries = b.upsertEntry(entries, registryEntry{
		ID:        id,
		Title:     canvas.Title,
		UpdatedAt: time.Now().UTC(),
		NodeCount: canvas.NodeCount(),
	})
	return b.writeRegistry(entries)
}

// Create persists a new empty document, failing if the id is taken.
func (b *Binary) Create(id, title string) (Summary, error) {
	if err := ValidateID(id); err != nil {
		return Summary{}, err
	}
	if _, err := os.Stat(b.blobPath(id)); err == nil {
		return Summary{}, fmt.Errorf("%q: %w", id, ErrExists)
	}
	doc, err := document.FromCanvas(document.NewCanvas(title))
	if err != nil {
		return Summary{}, err
	}
	if err := b.Save(id, doc); err != nil {
		return Summary{}, err
	}
	return Summary{ID: id, Title: title, UpdatedAt: time.Now().UTC()}, nil
}

// Delete removes the snapshot and its registry entry.
func (b *Binary) Delete(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.blobPath(id))
	found := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to remove snapshot: %w", err)
	}
	b.pruneLocked(id)
	return found, nil
}

// List reads the registry, pruning entries whose blob has gone missing.
func (b *Binary) List() ([]Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.readRegistry()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(entries))
	kept := make([]registryEntry, 0, len(entries))
	for _, e := range entries {
		if _, err := os.Stat(b.blobPath(e.ID)); errors.Is(err, fs.ErrNotExist) {
			slog.Warn("pruning registry entry with missing snapshot", "id", e.ID)
			continue
		}
		kept = append(kept, e)
		out = append(out, Summary{ID: e.ID, Title: e.Title, UpdatedAt: e.UpdatedAt, NodeCount: e.NodeCount})
	}
	if len(kept) != len(entries) {
		if err := b.writeRegistry(kept); err != nil {
			slog.Warn("failed to rewrite registry", "err", err)
		}
	}
	return out, nil
}

func (b *Binary) pruneLocked(id string) {
	entries, err := b.readRegistry()
	if err != nil {
		slog.Warn("failed to read registry for prune", "err", err)
		return
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(entries) {
		if err := b.writeRegistry(kept); err != nil {
			slog.Warn("failed to rewrite registry", "err", err)
		}
	}
}
