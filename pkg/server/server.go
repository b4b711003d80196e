// Package server hosts the document synchronization engine: the room
// registry mapping document ids to live replicated documents, the debounced
// persistence path, the external-change reconciler, and the HTTP/websocket
// transport over them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/canvasd/pkg/store"
)

// DefaultDebounce is the idle window after the last mutation before a save.
const DefaultDebounce = 2 * time.Second

// DefaultWatchDebounce matches editor-save event granularity.
const DefaultWatchDebounce = 100 * time.Millisecond

// Options configures a server instance.
type Options struct {
	// Addr is the preferred listen address. If binding fails the server
	// probes an OS-assigned ephemeral port on the same host before giving
	// up.
	Addr  string
	Store store.Store
	// Debounce overrides the per-room save debounce window.
	Debounce time.Duration
	// WatchDebounce overrides the watcher's per-path debounce window.
	WatchDebounce time.Duration
	// DisableWatcher turns off external-change observation (it only applies
	// to the canonical store anyway).
	DisableWatcher bool
	// DisableDiscovery skips writing the server.json discovery file.
	DisableDiscovery bool
}

// Server is one self-contained instance: its registry, watcher, and listener.
// Multiple instances can coexist in one process.
type Server struct {
	store    store.Store
	registry *Registry
	watcher  *Watcher
	http     *http.Server
	listener net.Listener
	root     string

	done chan struct{}
	wg   sync.WaitGroup
}

// StartServer binds a listener, starts serving, and returns once the
// instance is reachable. Callers own the returned instance and must Stop it.
func StartServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("a store is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = DefaultWatchDebounce
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:8080"
	}

	s := &Server{
		store:    opts.Store,
		registry: NewRegistry(opts.Store, opts.Debounce),
		done:     make(chan struct{}),
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet, http.MethodHead).Path("/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/api/rooms").HandlerFunc(s.handleRooms)
	r.Methods(http.MethodGet).Path("/api/documents").HandlerFunc(s.handleListDocuments)
	r.Methods(http.MethodPost).Path("/api/documents").HandlerFunc(s.handleCreateDocument)
	r.Methods(http.MethodGet).Path("/api/documents/{id:.+}/sync").HandlerFunc(s.handleSync)
	r.Methods(http.MethodGet).Path("/api/documents/{id:.+}/state").HandlerFunc(s.handleGetState)
	r.Methods(http.MethodPost).Path("/api/documents/{id:.+}/update").HandlerFunc(s.handlePostUpdate)
	r.Methods(http.MethodDelete).Path("/api/documents/{id:.+}").HandlerFunc(s.handleDeleteDocument)

	listener, err := bindWithFallback(opts.Addr)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	s.http = &http.Server{Handler: r}

	if canonical, ok := opts.Store.(*store.Canonical); ok {
		s.root = canonical.Root()
		if !opts.DisableWatcher {
			watcher, err := NewWatcher(canonical.Root(), opts.WatchDebounce)
			if err != nil {
				_ = listener.Close()
				return nil, err
			}
			s.watcher = watcher
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.dispatchWatchEvents(canonical)
			}()
		}
	}

	if s.root != "" && !opts.DisableDiscovery {
		addr := listener.Addr().String()
		if err := writeDiscovery(s.root, Discovery{
			URL:   "http://" + addr,
			WSURL: "ws://" + addr,
			PID:   os.Getpid(),
		}); err != nil {
			slog.Warn("failed to write discovery file", "err", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	slog.Info("server started", "addr", listener.Addr().String(), "persistence", opts.Store.Mode())
	return s, nil
}

// bindWithFallback tries the preferred address and falls back to an
// OS-assigned ephemeral port on the same host. Exhausting both attempts is
// fatal: there is no degraded mode for a server that could not bind.
func bindWithFallback(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err == nil {
		return listener, nil
	}
	slog.Warn("failed to bind preferred address, probing ephemeral port", "addr", addr, "err", err)
	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = "localhost"
	}
	listener, fallbackErr := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if fallbackErr != nil {
		return nil, fmt.Errorf("failed to bind %q (%w) and ephemeral fallback (%v)", addr, err, fallbackErr)
	}
	return listener, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Registry exposes the room registry, mainly for tests and tooling.
func (s *Server) Registry() *Registry { return s.registry }

// dispatchWatchEvents is the single consumer of the watcher's typed events.
func (s *Server) dispatchWatchEvents(canonical *store.Canonical) {
	for {
		select {
		case ev := <-s.watcher.Events():
			s.handleWatchEvent(canonical, ev)
		case <-s.done:
			return
		}
	}
}

func (s *Server) handleWatchEvent(canonical *store.Canonical, ev Event) {
	log := slog.With("event", ev.Kind.String(), "path", ev.Path)
	switch ev.Kind {
	case DocumentChanged:
		id, ok := store.IDForPath(ev.Path)
		if !ok {
			return
		}
		room := s.registry.Lookup(id)
		if room == nil {
			// nothing loaded, nothing to reconcile
			return
		}
		log.Info("reconciling external change")
		room.Reconcile(canonical)
	case DocumentDeleted:
		id, ok := store.IDForPath(ev.Path)
		if !ok {
			return
		}
		if s.registry.Evict(id) {
			log.Info("evicted room for externally deleted document")
		}
	case DocumentCreated:
		log.Info("observed new document")
	case SchemasChanged:
		log.Info("schema registry changed")
	case TreeChanged:
		log.Info("workspace tree changed")
	}
}

// Stop tears the instance down: watcher first, then the transport, then a
// final flush of every dirty room so a graceful stop never loses data, and
// finally the discovery file.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Stop()
	}
	err := s.http.Shutdown(ctx)
	s.registry.CloseAll()
	if s.root != "" {
		if err := removeDiscovery(s.root); err != nil {
			slog.Warn("failed to remove discovery file", "err", err)
		}
	}
	s.wg.Wait()
	slog.Info("server stopped")
	return err
}
