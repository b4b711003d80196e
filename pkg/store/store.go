// Package store holds the persistence adapters that turn a live document into
// a durable on-disk form and back. Three variants exist behind one interface:
// canonical JSON plus a binary sidecar, pure binary snapshots with a metadata
// registry, and a sqlite snapshot table. The server selects one at
// construction time.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/astromechza/canvasd/pkg/document"
)

var (
	// ErrNotFound means no durable form exists for the document id.
	ErrNotFound = errors.New("document not found")
	// ErrExists means a create collided with an existing document.
	ErrExists = errors.New("document already exists")
)

// Summary is derived metadata about a stored document. It is computed from the
// durable form (or a lightweight registry kept consistent with it) and is
// never itself a source of truth.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Folder    string    `json:"folder,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	NodeCount int       `json:"nodeCount"`
}

// Store is the persistence contract. Save must be safe to call concurrently
// with operations on other ids; writes to the same id are serialized by the
// adapter. The durability guarantee is last-complete-write-wins, not
// power-failure atomicity.
type Store interface {
	Mode() string
	Load(id string) (*document.Document, error)
	Save(id string, doc *document.Document) error
	Create(id, title string) (Summary, error)
	Delete(id string) (bool, error)
	List() ([]Summary, error)
}

// StateDirName is the reserved sidecar directory inside a canonical workspace.
// It is excluded from external-change observation.
const StateDirName = ".state"

// ValidateID rejects document ids that could escape the storage root or
// collide with reserved paths.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("document id must not be empty")
	}
	if strings.Contains(id, "\\") || filepath.IsAbs(id) {
		return fmt.Errorf("document id %q is not a relative path", id)
	}
	for _, part := range strings.Split(id, "/") {
		switch part {
		case "", ".", "..":
			return fmt.Errorf("document id %q contains an invalid path segment", id)
		}
	}
	if strings.HasPrefix(id, StateDirName+"/") || id == StateDirName {
		return fmt.Errorf("document id %q is reserved", id)
	}
	return nil
}

// FlattenID turns a slash-separated document id into a single filename
// component, used for sidecar files.
func FlattenID(id string) string {
	return strings.ReplaceAll(id, "/", "--")
}
