package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/canvasd/pkg/store"
)

// Registry is the process-wide map from document id to live room. Rooms are
// created lazily on first access; concurrent first access for the same id
// performs exactly one store load with the other callers awaiting it.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*registryEntry
	store    store.Store
	debounce time.Duration
}

type registryEntry struct {
	once sync.Once
	room *Room
	err  error
}

// ActiveRoom is a listing row for observability.
type ActiveRoom struct {
	DocID        string `json:"docId"`
	SessionCount int    `json:"sessionCount"`
}

func NewRegistry(st store.Store, debounce time.Duration) *Registry {
	return &Registry{rooms: map[string]*registryEntry{}, store: st, debounce: debounce}
}

// GetOrCreate returns the room for id, loading it from the store on first
// access. A missing durable form fails with store.ErrNotFound: rooms are
// never silently materialized outside the explicit create path.
func (r *Registry) GetOrCreate(id string) (*Room, error) {
	r.mu.Lock()
	e, ok := r.rooms[id]
	if !ok {
		e = &registryEntry{}
		r.rooms[id] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		doc, err := r.store.Load(id)
		if err != nil {
			e.err = err
			return
		}
		e.room = newRoom(id, doc, r.store, r.debounce)
		slog.Info("room created", "room", id)
	})
	if e.err != nil {
		// failed creations are not cached: a later create may succeed
		r.mu.Lock()
		if r.rooms[id] == e {
			delete(r.rooms, id)
		}
		r.mu.Unlock()
		return nil, e.err
	}
	return e.room, nil
}

// Lookup returns the live room for id without creating one.
func (r *Registry) Lookup(id string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[id]; ok {
		return e.room
	}
	return nil
}

// Delete evicts the room and deletes the durable files. Returns false when
// neither a room nor a durable form existed.
func (r *Registry) Delete(id string) (bool, error) {
	evicted := r.Evict(id)
	deleted, err := r.store.Delete(id)
	if err != nil {
		return evicted, err
	}
	return evicted || deleted, nil
}

// Evict removes and closes the room without touching durable files. Used for
// externally deleted documents: the pending save timer is cancelled so stale
// in-memory state cannot resurrect the file.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	e, ok := r.rooms[id]
	if ok {
		delete(r.rooms, id)
	}
	r.mu.Unlock()
	if !ok || e.room == nil {
		return false
	}
	e.room.Close()
	slog.Info("room evicted", "room", id)
	return true
}

// ListActive reports the loaded rooms and their session counts.
func (r *Registry) ListActive() []ActiveRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveRoom, 0, len(r.rooms))
	for id, e := range r.rooms {
		if e.room == nil {
			continue
		}
		out = append(out, ActiveRoom{DocID: id, SessionCount: e.room.SessionCount()})
	}
	return out
}

// Len returns the number of loaded rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.rooms {
		if e.room != nil {
			n++
		}
	}
	return n
}

// CloseAll flushes every dirty room exactly once and closes them. Used on
// shutdown so no graceful stop loses data.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.rooms = map[string]*registryEntry{}
	r.mu.Unlock()
	for _, e := range entries {
		if e.room == nil {
			continue
		}
		if err := e.room.Flush(); err != nil {
			slog.Error("failed to flush room on shutdown", "room", e.room.ID, "err", err)
		}
		e.room.Close()
	}
}
