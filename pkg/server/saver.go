package server

import (
	"log/slog"
	"sync"
	"time"
)

// saver is the per-room debounced save scheduler. Mutations mark it dirty and
// (re)arm a single-shot timer; the timer callback is the only writer apart
// from an explicit Flush. A failed save keeps the dirty flag set so the next
// mutation or flush retries it.
type saver struct {
	mu     sync.Mutex
	saveMu sync.Mutex // serializes actual save execution
	delay  time.Duration
	save   func() error
	log    *slog.Logger

	dirty   bool
	stopped bool
	timer   *time.Timer
}

func newSaver(delay time.Duration, log *slog.Logger, save func() error) *saver {
	return &saver{delay: delay, save: save, log: log}
}

// MarkDirty records an unsaved mutation and rearms the debounce window.
func (s *saver) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

// Dirty reports whether unsaved mutations exist.
func (s *saver) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *saver) fire() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.Lock()
	if !s.dirty || s.stopped {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.save(); err != nil {
		s.log.Error("failed to save document", "err", err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

// Flush cancels any pending timer and saves synchronously, but only when
// dirty: flushing a clean room is a no-op, not a redundant write.
func (s *saver) Flush() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.save(); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// Stop cancels the pending timer and prevents any further saves. Used when a
// room is evicted after its backing file was deleted externally, so stale
// in-memory state cannot resurrect the file.
func (s *saver) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
