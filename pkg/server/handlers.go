package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/astromechza/canvasd/pkg/document"
	"github.com/astromechza/canvasd/pkg/store"
)

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verr *document.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrExists):
		status = http.StatusConflict
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(writer, status, map[string]any{"error": err.Error()})
}

func (s *Server) handleHealth(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{
		"status":      "ok",
		"rooms":       s.registry.Len(),
		"persistence": s.store.Mode(),
	})
}

func (s *Server) handleListDocuments(writer http.ResponseWriter, request *http.Request) {
	documents, err := s.store.List()
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"documents": documents})
}

func (s *Server) handleCreateDocument(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		writeError(writer, &document.ValidationError{Reason: "malformed request body"})
		return
	}
	if inputs.Title == "" {
		writeError(writer, &document.ValidationError{Reason: "title must not be empty"})
		return
	}
	// creation is durable before we respond: it does not go through the
	// debounced path
	summary, err := s.store.Create(uuid.NewString(), inputs.Title)
	if err != nil {
		writeError(writer, err)
		return
	}
	slog.Info("document created", "id", summary.ID, "title", summary.Title)
	writeJSON(writer, http.StatusCreated, map[string]any{"document": summary})
}

func (s *Server) handleDeleteDocument(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	deleted, err := s.registry.Delete(id)
	if err != nil {
		writeError(writer, err)
		return
	}
	if deleted {
		slog.Info("document deleted", "id", id)
	}
	writeJSON(writer, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleRooms(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{"rooms": s.registry.ListActive()})
}

// handleGetState is the non-streaming full-state fetch for clients that
// cannot hold a websocket open. The []byte field encodes as base64 in JSON.
func (s *Server) handleGetState(writer http.ResponseWriter, request *http.Request) {
	room, err := s.registry.GetOrCreate(mux.Vars(request)["id"])
	if err != nil {
		writeError(writer, err)
		return
	}
	state, err := room.Doc().EncodeState()
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"state": state})
}

// handlePostUpdate applies a base64 incremental update, the flush half of
// the batch-tool pair.
func (s *Server) handlePostUpdate(writer http.ResponseWriter, request *http.Request) {
	room, err := s.registry.GetOrCreate(mux.Vars(request)["id"])
	if err != nil {
		writeError(writer, err)
		return
	}
	var inputs struct {
		Update []byte `json:"update"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || len(inputs.Update) == 0 {
		writeError(writer, &document.ValidationError{Reason: "malformed request body"})
		return
	}
	if err := room.ApplyUpdate(document.OriginAPI, inputs.Update); err != nil {
		writeError(writer, &document.ValidationError{Reason: err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"applied": true})
}

func (s *Server) handleSync(writer http.ResponseWriter, request *http.Request) {
	room, err := s.registry.GetOrCreate(mux.Vars(request)["id"])
	if err != nil {
		writeError(writer, err)
		return
	}
	serveSync(room, writer, request)
}
