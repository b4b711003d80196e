package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var sessionCounter atomic.Int64

// session is one websocket connection attached to a room. The first frame
// sent is the full document state; every frame after that, in either
// direction, is an incremental update. Per-room frame order is preserved by
// the single outbound channel.
type session struct {
	id   int64
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:   sessionCounter.Add(1),
		conn: conn,
		send: make(chan []byte, 64),
	}
}

// origin is the transaction origin tag for updates arriving on this session,
// so broadcasts can skip the sender.
func (s *session) origin() string {
	return fmt.Sprintf("session-%d", s.id)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
		_ = s.conn.Close()
	})
}

// serveSync runs a session against a room until either side disconnects.
func serveSync(room *Room, writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	s := newSession(conn)
	log := slog.With("room", room.ID, "session", s.origin())
	if err := room.attach(s); err != nil {
		log.Warn("rejecting session", "err", err)
		_ = conn.Close()
		return
	}
	defer func() {
		room.detach(s)
		s.close()
	}()

	state, err := room.Doc().EncodeState()
	if err != nil {
		log.Error("failed to encode initial state", "err", err)
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, state); err != nil {
		log.Error("failed to send initial state", "err", err)
		return
	}
	log.Info("session connected")

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		for update := range s.send {
			if err := conn.WriteMessage(websocket.BinaryMessage, update); err != nil {
				log.Info("failed to write update", "err", err)
				return
			}
		}
	}()

	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			log.Info("session disconnected", "err", err)
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := room.ApplyUpdate(s.origin(), p); err != nil {
			log.Warn("failed to apply update from session", "err", err)
			break
		}
	}

	room.detach(s)
	s.close()
	wg.Wait()
}
