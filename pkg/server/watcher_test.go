package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, []Event{{Kind: DocumentChanged, Path: "a.canvas.json"}},
		Classify("a.canvas.json", true, true))
	assert.Equal(t, []Event{{Kind: DocumentCreated, Path: "g/a.canvas.json"}, {Kind: TreeChanged, Path: "g/a.canvas.json"}},
		Classify("g/a.canvas.json", true, false))
	assert.Equal(t, []Event{{Kind: DocumentDeleted, Path: "a.canvas.json"}, {Kind: TreeChanged, Path: "a.canvas.json"}},
		Classify("a.canvas.json", false, true))
	assert.Nil(t, Classify("a.canvas.json", false, false))

	assert.Equal(t, []Event{{Kind: SchemasChanged, Path: "schemas/schemas.json"}},
		Classify("schemas/schemas.json", true, true))
	assert.Equal(t, []Event{{Kind: TreeChanged, Path: "schemas/schemas.json"}},
		Classify("schemas/schemas.json", true, false))

	assert.Equal(t, []Event{{Kind: TreeChanged, Path: "notes.txt"}},
		Classify("notes.txt", true, false))
	assert.Nil(t, Classify("notes.txt", false, false))
}

func collectEvents(t *testing.T, w *Watcher, wanted EventKind, timeout time.Duration) *Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == wanted {
				return &ev
			}
		case <-deadline:
			return nil
		}
	}
}

func TestWatcher_ObservesDocumentLifecycle(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 50*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	docPath := filepath.Join(dir, "doc.canvas.json")
	require.NoError(t, os.WriteFile(docPath, []byte(`{"formatVersion":1,"title":"x","pages":[]}`), 0o644))
	created := collectEvents(t, w, DocumentCreated, 5*time.Second)
	require.NotNil(t, created, "expected a document-created event")
	assert.Equal(t, "doc.canvas.json", created.Path)

	require.NoError(t, os.WriteFile(docPath, []byte(`{"formatVersion":1,"title":"y","pages":[]}`), 0o644))
	changed := collectEvents(t, w, DocumentChanged, 5*time.Second)
	require.NotNil(t, changed, "expected a document-changed event")

	require.NoError(t, os.Remove(docPath))
	deleted := collectEvents(t, w, DocumentDeleted, 5*time.Second)
	require.NotNil(t, deleted, "expected a document-deleted event")
}

func TestWatcher_StateDirExcluded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".state"), 0o755))
	w, err := NewWatcher(dir, 30*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".state", "doc.ystate"), []byte("x"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event for state dir write, got %v %q", ev.Kind, ev.Path)
	case <-time.After(500 * time.Millisecond):
	}
}
