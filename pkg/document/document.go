// Package document wraps an automerge doc behind the replicated-document
// contract used by the rest of the server: transactional mutation with origin
// tags, synchronous change listeners, and binary state/update round-trips.
package document

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// Origin tags attached to transactions as their commit message. They
// distinguish programmatic changes from interactive ones so that callers can
// react selectively (the external reconciler must not re-mark a room dirty).
const (
	OriginAPI      = "api"
	OriginCreate   = "create"
	OriginExternal = "external"
)

// Change is delivered to subscribed listeners once per transaction.
type Change struct {
	Origin string
	// Update is the incremental encoding of the transaction, suitable for
	// applying on another replica. May be empty for no-op transactions.
	Update []byte
}

type Listener func(Change)

// ValidationError is a rejected mutation or a malformed durable form. The
// reason is safe to surface to clients.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Document is a replicated document. All access is serialized by an internal
// mutex so rooms, the watcher, and http handlers can share one instance.
type Document struct {
	mu           sync.Mutex
	doc          *automerge.Doc
	listeners    map[int]Listener
	nextListener int
}

// New returns an empty document.
func New() *Document {
	return &Document{doc: automerge.New(), listeners: map[int]Listener{}}
}

// LoadBinary restores a document from a full binary snapshot.
func LoadBinary(raw []byte) (*Document, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &Document{doc: doc, listeners: map[int]Listener{}}, nil
}

// FromCanvas builds a fresh document populated with the given content.
func FromCanvas(c *Canvas) (*Document, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d := New()
	if err := d.Transact(OriginCreate, func(doc *automerge.Doc) error {
		return writeCanvas(doc, c)
	}); err != nil {
		return nil, err
	}
	return d, nil
}

// Subscribe registers a listener and returns its unsubscribe function.
// Listeners fire synchronously inside the transaction that produced the
// change and must not call back into the document.
func (d *Document) Subscribe(fn Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// Transact applies fn atomically, commits it under the origin tag, and fires
// listeners exactly once before returning. If fn errors nothing is committed
// or delivered.
func (d *Document) Transact(origin string, fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := fn(d.doc); err != nil {
		return err
	}
	if _, err := d.doc.Commit(origin, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	d.fireLocked(Change{Origin: origin, Update: d.doc.SaveIncremental()})
	return nil
}

// ApplyUpdate applies an incremental update produced by another replica.
func (d *Document) ApplyUpdate(origin string, raw []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(raw); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	// drain our own incremental cursor so the next local transaction only
	// carries its own changes
	_ = d.doc.SaveIncremental()
	d.fireLocked(Change{Origin: origin, Update: raw})
	return nil
}

// EncodeState returns the full binary snapshot. The doc is forked first so
// that the incremental cursor used for broadcasts is not disturbed.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fork, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	return fork.Save(), nil
}

// MergeState merges a full binary snapshot from another replica into this one.
func (d *Document) MergeState(origin string, raw []byte) error {
	other, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.doc.Merge(other); err != nil {
		return fmt.Errorf("failed to merge state: %w", err)
	}
	update := d.doc.SaveIncremental()
	d.fireLocked(Change{Origin: origin, Update: update})
	return nil
}

// Snapshot materializes the logical content.
func (d *Document) Snapshot() (*Canvas, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return readCanvas(d.doc)
}

// Replace swaps the document content for the given canvas in a single
// transaction. It is a no-op when the content is already logically equal,
// which keeps the watcher from echoing the server's own saves back as
// changes.
func (d *Document) Replace(origin string, c *Canvas) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	current, err := readCanvas(d.doc)
	if err != nil {
		return false, err
	}
	if current.Equal(c) {
		return false, nil
	}
	if err := writeCanvas(d.doc, c); err != nil {
		return false, err
	}
	if _, err := d.doc.Commit(origin, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	d.fireLocked(Change{Origin: origin, Update: d.doc.SaveIncremental()})
	return true, nil
}

// Heads returns the current change heads, for logging.
func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

func (d *Document) fireLocked(c Change) {
	for _, fn := range d.listeners {
		fn(c)
	}
}
