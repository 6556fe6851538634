// Package conn implements the Connection Supervisor: the raw-socket
// lifecycle (auth handshake, single-socket enforcement, auto-join, disconnect
// cleanup) for the chat surface, and the anonymous peer-materialization model
// for the media surface. Grounded on a gorilla/websocket upgrade with a
// per-connection registry and ping/pong keepalive, generalized from a
// single peer-id keyed connection map onto this authenticated
// user/socket/room model.
package conn

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"confluence/internal/domain"
	apperrors "confluence/pkg/errors"
)

var Upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// socketConn is one live connection. Writes are serialized by mu, per
// gorilla/websocket's single-writer requirement; one common approach relies on a
// single writer goroutine instead, but this surface has multiple
// producers of outbound messages (the read loop's acks, the gateways'
// room broadcasts), so a mutex-guarded write is the simpler fit.
type socketConn struct {
	id    domain.SocketId
	conn  *websocket.Conn
	mu    sync.Mutex
	rooms map[domain.RoomId]struct{}
}

// Hub is the connection registry shared by the chat and media socket
// surfaces; it implements ports.Broadcaster.
type Hub struct {
	mu      sync.RWMutex
	sockets map[domain.SocketId]*socketConn
	rooms   map[domain.RoomId]map[domain.SocketId]struct{}

	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewHub(writeTimeout time.Duration, logger *zap.SugaredLogger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		sockets:      make(map[domain.SocketId]*socketConn),
		rooms:        make(map[domain.RoomId]map[domain.SocketId]struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Register adds a freshly upgraded connection to the registry.
func (h *Hub) Register(socketID domain.SocketId, ws *websocket.Conn) {
	sc := &socketConn{id: socketID, conn: ws, rooms: make(map[domain.RoomId]struct{})}
	h.mu.Lock()
	h.sockets[socketID] = sc
	h.mu.Unlock()
}

// Unregister removes a socket from every room it joined and closes its
// connection. Idempotent.
func (h *Hub) Unregister(socketID domain.SocketId) {
	h.mu.Lock()
	sc, ok := h.sockets[socketID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, socketID)
	for roomID := range sc.rooms {
		if members, ok := h.rooms[roomID]; ok {
			delete(members, socketID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()

	_ = sc.conn.Close()
}

func envelope(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(struct {
		Event   string      `json:"event"`
		Payload interface{} `json:"payload"`
	}{Event: event, Payload: payload})
}

func (h *Hub) write(sc *socketConn, msg []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return sc.conn.WriteMessage(websocket.TextMessage, msg)
}

// SendToSocket implements ports.Broadcaster.
func (h *Hub) SendToSocket(roomID domain.RoomId, socketID domain.SocketId, event string, payload interface{}) error {
	msg, err := envelope(event, payload)
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	h.mu.RLock()
	sc, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := h.write(sc, msg); err != nil {
		h.Unregister(socketID)
	}
	return nil
}

// BroadcastToRoom implements ports.Broadcaster.
func (h *Hub) BroadcastToRoom(roomID domain.RoomId, event string, payload interface{}, excludeSocketID domain.SocketId) error {
	msg, err := envelope(event, payload)
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}
	h.mu.RLock()
	members := h.rooms[roomID]
	targets := make([]*socketConn, 0, len(members))
	for id := range members {
		if id == excludeSocketID {
			continue
		}
		if sc, ok := h.sockets[id]; ok {
			targets = append(targets, sc)
		}
	}
	h.mu.RUnlock()

	for _, sc := range targets {
		if err := h.write(sc, msg); err != nil {
			h.Unregister(sc.id)
		}
	}
	return nil
}

// JoinRoom implements ports.Broadcaster.
func (h *Hub) JoinRoom(roomID domain.RoomId, socketID domain.SocketId) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sc, ok := h.sockets[socketID]
	if !ok {
		return apperrors.NewNotInRoomError()
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[domain.SocketId]struct{})
	}
	h.rooms[roomID][socketID] = struct{}{}
	sc.rooms[roomID] = struct{}{}
	return nil
}

// LeaveRoom implements ports.Broadcaster.
func (h *Hub) LeaveRoom(roomID domain.RoomId, socketID domain.SocketId) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if sc, ok := h.sockets[socketID]; ok {
		delete(sc.rooms, roomID)
	}
	return nil
}

// DisconnectSocket implements ports.Broadcaster.
func (h *Hub) DisconnectSocket(socketID domain.SocketId) error {
	h.Unregister(socketID)
	return nil
}
