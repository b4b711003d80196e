package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/canvasd/pkg/document"
	"github.com/astromechza/canvasd/pkg/store"
)

// Room binds one document id to its live replicated document, the set of
// connected sessions, and the persistence bookkeeping. The room owns the
// document for its lifetime; sessions only hold a transient subscription.
type Room struct {
	ID  string
	doc *document.Document

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool

	saver *saver
	store store.Store
	log   *slog.Logger
	unsub func()
}

func newRoom(id string, doc *document.Document, st store.Store, debounce time.Duration) *Room {
	r := &Room{
		ID:       id,
		doc:      doc,
		sessions: map[*session]struct{}{},
		store:    st,
		log:      slog.With("room", id),
	}
	r.saver = newSaver(debounce, r.log, func() error {
		return st.Save(id, doc)
	})
	r.unsub = doc.Subscribe(r.onChange)
	return r
}

// Doc returns the room's replicated document.
func (r *Room) Doc() *document.Document { return r.doc }

// Dirty reports whether the room has unsaved mutations.
func (r *Room) Dirty() bool { return r.saver.Dirty() }

// onChange runs synchronously inside every document transaction: broadcast
// the update to the other sessions and mark the room dirty. Changes applied
// by the external reconciler do not mark dirty, the disk already has them.
func (r *Room) onChange(change document.Change) {
	if len(change.Update) > 0 {
		r.broadcast(change)
	}
	if change.Origin != document.OriginExternal {
		r.saver.MarkDirty()
	}
}

func (r *Room) broadcast(change document.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.sessions {
		if s.origin() == change.Origin {
			continue
		}
		select {
		case s.send <- change.Update:
		default:
			// a session that cannot keep up is dropped rather than allowed
			// to block the fast path
			r.log.Warn("dropping lagging session", "session", s.origin())
			delete(r.sessions, s)
			s.close()
		}
	}
}

func (r *Room) attach(s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("room %q is closed", r.ID)
	}
	r.sessions[s] = struct{}{}
	return nil
}

func (r *Room) detach(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

// SessionCount returns the number of attached sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ApplyUpdate applies an incremental update from a client, marking the room
// dirty and broadcasting to the other sessions via the change listener.
func (r *Room) ApplyUpdate(origin string, raw []byte) error {
	return r.doc.ApplyUpdate(origin, raw)
}

// Reconcile replaces the room content from an externally edited canonical
// file. A dirty room skips the external change: unsaved local edits take
// precedence and the next debounced save will overwrite the file.
func (r *Room) Reconcile(loader interface {
	LoadCanvas(id string) (*document.Canvas, error)
}) {
	if r.saver.Dirty() {
		r.log.Info("skipping external change while dirty: local edits take precedence")
		return
	}
	canvas, err := loader.LoadCanvas(r.ID)
	if err != nil {
		var verr *document.ValidationError
		if errors.As(err, &verr) {
			r.log.Warn("ignoring malformed external edit", "err", err)
		} else {
			r.log.Warn("failed to reload external edit", "err", err)
		}
		return
	}
	changed, err := r.doc.Replace(document.OriginExternal, canvas)
	if err != nil {
		r.log.Warn("failed to apply external edit", "err", err)
		return
	}
	if changed {
		r.log.Info("reloaded externally changed document")
	}
}

// Flush forces a synchronous save when dirty.
func (r *Room) Flush() error {
	return r.saver.Flush()
}

// Close cancels the pending save timer, closes every session, and detaches
// from the document. It does not save: callers decide whether to Flush first.
func (r *Room) Close() {
	r.saver.Stop()
	r.unsub()
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = map[*session]struct{}{}
	r.closed = true
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
