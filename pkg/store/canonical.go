package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/astromechza/canvasd/pkg/document"
)

// CanonicalSuffix is the recognized suffix of a canonical per-document file.
const CanonicalSuffix = ".canvas.json"

// SchemasPath is the workspace-relative path of the optional schema registry.
const SchemasPath = "schemas/schemas.json"

const manifestName = "workspace.json"

// Canonical persists documents as human-readable versioned JSON files, with a
// binary sidecar per document under .state/ for fast reload. The JSON file is
// the source of truth: the sidecar is a cache and is ignored unless strictly
// newer than the canonical file.
type Canonical struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type workspaceManifest struct {
	FormatVersion int      `json:"formatVersion"`
	Title         string   `json:"title"`
	Groups        []string `json:"groups,omitempty"`
}

// NewCanonical opens a canonical workspace rooted at dir, creating the root
// and its manifest if missing.
func NewCanonical(dir string) (*Canonical, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	manifest := filepath.Join(dir, manifestName)
	if _, err := os.Stat(manifest); errors.Is(err, fs.ErrNotExist) {
		raw, err := json.MarshalIndent(workspaceManifest{FormatVersion: document.FormatVersion, Title: filepath.Base(dir)}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode manifest: %w", err)
		}
		if err := os.WriteFile(manifest, raw, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write manifest: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	return &Canonical{root: dir, locks: map[string]*sync.Mutex{}}, nil
}

func (c *Canonical) Mode() string { return "canonical" }

// Root returns the workspace root directory.
func (c *Canonical) Root() string { return c.root }

func (c *Canonical) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = new(sync.Mutex)
		c.locks[id] = l
	}
	return l
}

// DocPath returns the canonical file path for a document id.
func (c *Canonical) DocPath(id string) string {
	return filepath.Join(c.root, filepath.FromSlash(id)+CanonicalSuffix)
}

func (c *Canonical) sidecarPath(id string) string {
	return filepath.Join(c.root, StateDirName, FlattenID(id)+".ystate")
}

// IDForPath maps a workspace-relative canonical file path back to its
// document id, reporting false for paths that are not canonical files.
func IDForPath(rel string) (string, bool) {
	rel = filepath.ToSlash(rel)
	if !strings.HasSuffix(rel, CanonicalSuffix) {
		return "", false
	}
	return strings.TrimSuffix(rel, CanonicalSuffix), true
}

// Load hydrates a document. If the sidecar is strictly newer than the
// canonical file its binary state is restored (preserving merge history);
// otherwise the canonical JSON is parsed into a fresh document.
func (c *Canonical) Load(id string) (*document.Document, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	docPath := c.DocPath(id)
	docInfo, err := os.Stat(docPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", docPath, err)
	}

	sidecarPath := c.sidecarPath(id)
	if sideInfo, err := os.Stat(sidecarPath); err == nil && sideInfo.ModTime().After(docInfo.ModTime()) {
		raw, err := os.ReadFile(sidecarPath)
		if err == nil {
			if doc, err := document.LoadBinary(raw); err == nil {
				return doc, nil
			} else {
				slog.Warn("ignoring unreadable sidecar", "id", id, "err", err)
			}
		} else {
			slog.Warn("failed to read sidecar", "id", id, "err", err)
		}
	}

	canvas, err := c.LoadCanvas(id)
	if err != nil {
		return nil, err
	}
	return document.FromCanvas(canvas)
}

// LoadCanvas parses only the canonical JSON file, bypassing the sidecar. The
// external-change reconciler uses this path: the file on disk is what the
// user edited.
func (c *Canonical) LoadCanvas(id string) (*document.Canvas, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(c.DocPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", id, err)
	}
	var canvas document.Canvas
	if err := json.Unmarshal(raw, &canvas); err != nil {
		return nil, &document.ValidationError{Reason: fmt.Sprintf("malformed canonical file for %q: %v", id, err)}
	}
	if err := canvas.Validate(); err != nil {
		return nil, err
	}
	return &canvas, nil
}

// Save writes both durable forms: the canonical JSON for humans and version
// control, then the sidecar so the next load takes the fast path.
func (c *Canonical) Save(id string, doc *document.Document) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()

	canvas, err := doc.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot document: %w", err)
	}
	raw, err := json.MarshalIndent(canvas, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode canvas: %w", err)
	}
	docPath := c.DocPath(id)
	if err := os.MkdirAll(filepath.Dir(docPath), 0o755); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}
	if err := os.WriteFile(docPath, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write canonical file: %w", err)
	}

	state, err := doc.EncodeState()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(c.root, StateDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(c.sidecarPath(id), state, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

// Create persists a new empty document, failing if the id is taken.
func (c *Canonical) Create(id, title string) (Summary, error) {
	if err := ValidateID(id); err != nil {
		return Summary{}, err
	}
	if _, err := os.Stat(c.DocPath(id)); err == nil {
		return Summary{}, fmt.Errorf("%q: %w", id, ErrExists)
	}
	doc, err := document.FromCanvas(document.NewCanvas(title))
	if err != nil {
		return Summary{}, err
	}
	if err := c.Save(id, doc); err != nil {
		return Summary{}, err
	}
	return c.summarize(id)
}

// Delete removes the canonical file and its sidecar.
func (c *Canonical) Delete(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	l := c.lockFor(id)
	l.Lock()
	defer l.Unlock()
	err := os.Remove(c.DocPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to remove canonical file: %w", err)
	}
	if err := os.Remove(c.sidecarPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove sidecar", "id", id, "err", err)
	}
	return true, nil
}

// List scans the workspace for canonical files. Malformed files are skipped
// with a log line rather than failing the whole listing.
func (c *Canonical) List() ([]Summary, error) {
	out := make([]Summary, 0)
	err := filepath.WalkDir(c.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if entry.Name() == StateDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return nil
		}
		id, ok := IDForPath(rel)
		if !ok {
			return nil
		}
		summary, err := c.summarize(id)
		if err != nil {
			slog.Warn("skipping unreadable document", "id", id, "err", err)
			return nil
		}
		out = append(out, summary)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}
	return out, nil
}

func (c *Canonical) summarize(id string) (Summary, error) {
	canvas, err := c.LoadCanvas(id)
	if err != nil {
		return Summary{}, err
	}
	info, err := os.Stat(c.DocPath(id))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to stat %q: %w", id, err)
	}
	folder := filepath.ToSlash(filepath.Dir(filepath.FromSlash(id)))
	if folder == "." {
		folder = ""
	}
	return Summary{
		ID:        id,
		Title:     canvas.Title,
		Folder:    folder,
		UpdatedAt: info.ModTime(),
		NodeCount: canvas.NodeCount(),
	}, nil
}
