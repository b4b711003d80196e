package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/canvasd/pkg/document"
	"github.com/astromechza/canvasd/pkg/store"
)

func startTestServer(t *testing.T, st store.Store) *Server {
	t.Helper()
	s, err := StartServer(Options{
		Addr:             "localhost:0",
		Store:            st,
		Debounce:         time.Hour, // tests drive saves explicitly
		DisableWatcher:   true,
		DisableDiscovery: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func createDocument(t *testing.T, base string, title string) string {
	t.Helper()
	resp, body := postJSON(t, base+"/api/documents", map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var doc store.Summary
	require.NoError(t, json.Unmarshal(body["document"], &doc))
	require.NotEmpty(t, doc.ID)
	require.Equal(t, title, doc.Title)
	return doc.ID
}

func TestServer_Health(t *testing.T) {
	s := startTestServer(t, testCanonicalStore(t))
	base := "http://" + s.Addr()

	resp, body := getJSON(t, base+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"ok"`, string(body["status"]))
	assert.JSONEq(t, `"canonical"`, string(body["persistence"]))
	assert.JSONEq(t, `0`, string(body["rooms"]))

	headResp, err := http.Head(base + "/health")
	require.NoError(t, err)
	defer headResp.Body.Close()
	assert.Equal(t, http.StatusOK, headResp.StatusCode)
}

func TestServer_CreateAndList(t *testing.T) {
	s := startTestServer(t, testCanonicalStore(t))
	base := "http://" + s.Addr()

	id := createDocument(t, base, "Test Project")

	resp, body := getJSON(t, base+"/api/documents")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var documents []store.Summary
	require.NoError(t, json.Unmarshal(body["documents"], &documents))
	require.Len(t, documents, 1)
	assert.Equal(t, id, documents[0].ID)
	assert.Equal(t, "Test Project", documents[0].Title)
}

func TestServer_CreateIsImmediatelyDurable(t *testing.T) {
	st := testCanonicalStore(t)
	s := startTestServer(t, st)
	id := createDocument(t, "http://"+s.Addr(), "Durable")

	// visible from a cold load without any flush
	doc, err := st.Load(id)
	require.NoError(t, err)
	canvas, err := doc.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "Durable", canvas.Title)
}

func TestServer_MutateFlushColdLoad(t *testing.T) {
	st := testCanonicalStore(t)
	s := startTestServer(t, st)
	id := createDocument(t, "http://"+s.Addr(), "Two nodes one edge")

	room, err := s.Registry().GetOrCreate(id)
	require.NoError(t, err)
	doc := room.Doc()
	require.NoError(t, doc.AddNode(document.OriginAPI, "page-1", "n1", document.Node{
		Type: "construct", Position: document.Position{X: 0, Y: 0},
		Data: document.NodeData{ConstructType: "service", SemanticID: "svc"},
	}))
	require.NoError(t, doc.AddNode(document.OriginAPI, "page-1", "n2", document.Node{
		Type: "construct", Position: document.Position{X: 100, Y: 0},
		Data: document.NodeData{ConstructType: "db", SemanticID: "db"},
	}))
	require.NoError(t, doc.AddEdge(document.OriginAPI, "page-1", "e1", document.Edge{Source: "n1", Target: "n2"}))

	require.True(t, room.Dirty())
	require.NoError(t, room.Flush())
	require.False(t, room.Dirty())

	cold, err := st.Load(id)
	require.NoError(t, err)
	canvas, err := cold.Snapshot()
	require.NoError(t, err)
	require.Len(t, canvas.Pages, 1)
	require.Len(t, canvas.Pages[0].Nodes, 2)
	require.Len(t, canvas.Pages[0].Edges, 1)
	assert.Equal(t, "svc", canvas.Pages[0].Nodes["n1"].Data.SemanticID)
	assert.Equal(t, "db", canvas.Pages[0].Nodes["n2"].Data.SemanticID)
	assert.Equal(t, document.Edge{Source: "n1", Target: "n2"}, canvas.Pages[0].Edges["e1"])
}

func TestServer_StateAndUpdateEndpoints(t *testing.T) {
	s := startTestServer(t, testCanonicalStore(t))
	base := "http://" + s.Addr()
	id := createDocument(t, base, "Batch client")

	resp, body := getJSON(t, base+"/api/documents/"+id+"/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state []byte
	require.NoError(t, json.Unmarshal(body["state"], &state))

	clientDoc, err := automerge.Load(state)
	require.NoError(t, err)
	require.NoError(t, clientDoc.Path("title").Set("Batched edit"))
	_, err = clientDoc.Commit("batch")
	require.NoError(t, err)

	resp, body = postJSON(t, base+"/api/documents/"+id+"/update", map[string]any{"update": clientDoc.SaveIncremental()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `true`, string(body["applied"]))

	room := s.Registry().Lookup(id)
	require.NotNil(t, room)
	canvas, err := room.Doc().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "Batched edit", canvas.Title)
	assert.True(t, room.Dirty(), "applied updates mark the room dirty")
}

func TestServer_StateNotFound(t *testing.T) {
	s := startTestServer(t, testCanonicalStore(t))
	resp, body := getJSON(t, "http://"+s.Addr()+"/api/documents/missing/state")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "not found")
}

func TestServer_CreateValidation(t *testing.T) {
	s := startTestServer(t, testCanonicalStore(t))
	resp, body := postJSON(t, "http://"+s.Addr()+"/api/documents", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "title")
}

func TestServer_DeleteEvictsAndRemovesFiles(t *testing.T) {
	st := testCanonicalStore(t)
	s := startTestServer(t, st)
	base := "http://" + s.Addr()
	id := createDocument(t, base, "Doomed")

	conn := dialSync(t, s, id)
	defer conn.Close()
	_, _, err := conn.ReadMessage() // initial state
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, base+"/api/documents/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.JSONEq(t, `true`, string(out["deleted"]))

	_, listBody := getJSON(t, base+"/api/documents")
	assert.JSONEq(t, `[]`, string(listBody["documents"]))

	_, err = st.Load(id)
	require.ErrorIs(t, err, store.ErrNotFound)

	// the tracked session is closed as part of eviction
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	resp2, _ := getJSON(t, base+"/api/documents/"+id+"/state")
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServer_ShutdownFlushesDirtyRooms(t *testing.T) {
	base := testCanonicalStore(t)
	counting := &savingStore{Store: base}
	s, err := StartServer(Options{
		Addr:             "localhost:0",
		Store:            counting,
		Debounce:         time.Hour,
		DisableWatcher:   true,
		DisableDiscovery: true,
	})
	require.NoError(t, err)

	_, err = counting.Create("persist-me", "Shutdown")
	require.NoError(t, err)
	room, err := s.Registry().GetOrCreate("persist-me")
	require.NoError(t, err)
	saved := counting.saves.Load()
	require.NoError(t, room.Doc().AddNode(document.OriginAPI, "page-1", "n1", document.Node{Type: "construct"}))
	require.True(t, room.Dirty())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.EqualValues(t, saved+1, counting.saves.Load(), "shutdown performs exactly one final save")

	cold, err := base.Load("persist-me")
	require.NoError(t, err)
	canvas, err := cold.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, canvas.Pages[0].Nodes, "n1", "no data loss on graceful shutdown")
}

type savingStore struct {
	store.Store
	saves atomic.Int64
}

func (s *savingStore) Save(id string, doc *document.Document) error {
	s.saves.Add(1)
	return s.Store.Save(id, doc)
}

func TestServer_DirtyPrecedenceOverExternalChange(t *testing.T) {
	st := testCanonicalStore(t)
	s := startTestServer(t, st)
	id := createDocument(t, "http://"+s.Addr(), "Local wins")

	room, err := s.Registry().GetOrCreate(id)
	require.NoError(t, err)
	require.NoError(t, room.Doc().AddNode(document.OriginAPI, "page-1", "n1", document.Node{Type: "construct"}))
	require.True(t, room.Dirty())

	external := document.NewCanvas("External edit")
	raw, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(st.DocPath(id), raw, 0o644))

	s.handleWatchEvent(st, Event{Kind: DocumentChanged, Path: id + store.CanonicalSuffix})

	canvas, err := room.Doc().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "Local wins", canvas.Title, "external edit is ignored while dirty")
	assert.Contains(t, canvas.Pages[0].Nodes, "n1")
	assert.True(t, room.Dirty())
}

func TestServer_CleanReconciliationBroadcasts(t *testing.T) {
	st := testCanonicalStore(t)
	s := startTestServer(t, st)
	id := createDocument(t, "http://"+s.Addr(), "Before")

	conn := dialSync(t, s, id)
	defer conn.Close()
	_, initial, err := conn.ReadMessage()
	require.NoError(t, err)
	clientDoc, err := automerge.Load(initial)
	require.NoError(t, err)

	room, err := s.Registry().GetOrCreate(id)
	require.NoError(t, err)
	require.False(t, room.Dirty())

	external := document.NewCanvas("After")
	raw, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(st.DocPath(id), raw, 0o644))

	s.handleWatchEvent(st, Event{Kind: DocumentChanged, Path: id + store.CanonicalSuffix})

	canvas, err := room.Doc().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "After", canvas.Title, "clean room reflects the external edit")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, update, err := conn.ReadMessage()
	require.NoError(t, err, "connected session receives the reconciled update")
	require.NoError(t, clientDoc.LoadIncremental(update))
	title, err := automerge.As[string](clientDoc.Path("title").Get())
	require.NoError(t, err)
	assert.Equal(t, "After", title)
}

func TestServer_MalformedExternalEditLeavesRoom(t *testing.T) {
	st := testCanonicalStore(t)
	s := startTestServer(t, st)
	id := createDocument(t, "http://"+s.Addr(), "Stays valid")

	room, err := s.Registry().GetOrCreate(id)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(st.DocPath(id), []byte("{broken"), 0o644))

	s.handleWatchEvent(st, Event{Kind: DocumentChanged, Path: id + store.CanonicalSuffix})

	canvas, err := room.Doc().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "Stays valid", canvas.Title)
}

func TestServer_ExternalDeleteEvictsRoom(t *testing.T) {
	st := testCanonicalStore(t)
	s := startTestServer(t, st)
	id := createDocument(t, "http://"+s.Addr(), "Removed outside")

	room, err := s.Registry().GetOrCreate(id)
	require.NoError(t, err)
	require.NoError(t, room.Doc().AddNode(document.OriginAPI, "page-1", "n1", document.Node{Type: "construct"}))
	require.NoError(t, os.Remove(st.DocPath(id)))

	s.handleWatchEvent(st, Event{Kind: DocumentDeleted, Path: id + store.CanonicalSuffix})

	assert.Nil(t, s.Registry().Lookup(id), "room is evicted")
	// the cancelled save timer must not resurrect the file
	time.Sleep(100 * time.Millisecond)
	_, err = os.Stat(st.DocPath(id))
	assert.True(t, os.IsNotExist(err))
}

func TestServer_PortFallback(t *testing.T) {
	blocker, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer blocker.Close()

	s, err := StartServer(Options{
		Addr:             blocker.Addr().String(),
		Store:            testCanonicalStore(t),
		DisableWatcher:   true,
		DisableDiscovery: true,
	})
	require.NoError(t, err, "bind failure falls back to an ephemeral port")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()
	assert.NotEqual(t, blocker.Addr().String(), s.Addr())

	resp, _ := getJSON(t, "http://"+s.Addr()+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_DiscoveryFile(t *testing.T) {
	st := testCanonicalStore(t)
	s, err := StartServer(Options{
		Addr:           "localhost:0",
		Store:          st,
		DisableWatcher: true,
	})
	require.NoError(t, err)

	d, err := ReadDiscovery(st.Root())
	require.NoError(t, err)
	assert.Equal(t, "http://"+s.Addr(), d.URL)
	assert.Equal(t, "ws://"+s.Addr(), d.WSURL)
	assert.Equal(t, os.Getpid(), d.PID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	_, err = ReadDiscovery(st.Root())
	require.Error(t, err, "discovery file is removed on clean stop")
}

func dialSync(t *testing.T, s *Server, id string) *websocket.Conn {
	t.Helper()
	u := fmt.Sprintf("ws://%s/api/documents/%s/sync", s.Addr(), id)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return conn
}
