package conn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"confluence/internal/domain"
)

// dialHub spins up an httptest server that upgrades every request straight
// into the Hub under a fixed socket id, testing the websocket surface over
// a real loopback connection rather than mocking it.
func dialHub(t *testing.T, h *Hub, socketID domain.SocketId) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		h.Register(socketID, ws)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, map[string]interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Event   string                 `json:"event"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env.Event, env.Payload
}

func TestHub_SendToSocket_DeliversEnvelope(t *testing.T) {
	h := NewHub(time.Second, nil)
	conn := dialHub(t, h, "sock-1")
	time.Sleep(20 * time.Millisecond) // let Register land before we send

	if err := h.SendToSocket("", "sock-1", "ping", map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("SendToSocket: %v", err)
	}

	event, payload := readEnvelope(t, conn)
	if event != "ping" || payload["hello"] != "world" {
		t.Fatalf("unexpected envelope: %s %v", event, payload)
	}
}

func TestHub_SendToSocket_UnknownSocketIsNoop(t *testing.T) {
	h := NewHub(time.Second, nil)
	if err := h.SendToSocket("", "missing", "ping", nil); err != nil {
		t.Fatalf("expected nil error for unknown socket, got %v", err)
	}
}

func TestHub_BroadcastToRoom_ExcludesGivenSocket(t *testing.T) {
	h := NewHub(time.Second, nil)
	connA := dialHub(t, h, "sock-a")
	connB := dialHub(t, h, "sock-b")
	time.Sleep(20 * time.Millisecond)

	if err := h.JoinRoom("room-1", "sock-a"); err != nil {
		t.Fatalf("JoinRoom a: %v", err)
	}
	if err := h.JoinRoom("room-1", "sock-b"); err != nil {
		t.Fatalf("JoinRoom b: %v", err)
	}

	if err := h.BroadcastToRoom("room-1", "roomEvent", map[string]int{"n": 1}, "sock-a"); err != nil {
		t.Fatalf("BroadcastToRoom: %v", err)
	}

	event, payload := readEnvelope(t, connB)
	if event != "roomEvent" || payload["n"].(float64) != 1 {
		t.Fatalf("unexpected envelope on non-excluded socket: %s %v", event, payload)
	}

	connA.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := connA.ReadMessage(); err == nil {
		t.Fatal("excluded socket should not have received the broadcast")
	}
}

func TestHub_LeaveRoom_StopsFurtherBroadcasts(t *testing.T) {
	h := NewHub(time.Second, nil)
	conn := dialHub(t, h, "sock-1")
	time.Sleep(20 * time.Millisecond)

	if err := h.JoinRoom("room-1", "sock-1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := h.LeaveRoom("room-1", "sock-1"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if err := h.BroadcastToRoom("room-1", "shouldNotArrive", nil, ""); err != nil {
		t.Fatalf("BroadcastToRoom: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no message after leaving the room")
	}
}

func TestHub_DisconnectSocket_ClosesConnectionAndIsIdempotent(t *testing.T) {
	h := NewHub(time.Second, nil)
	conn := dialHub(t, h, "sock-1")
	time.Sleep(20 * time.Millisecond)

	if err := h.DisconnectSocket("sock-1"); err != nil {
		t.Fatalf("DisconnectSocket: %v", err)
	}
	if err := h.DisconnectSocket("sock-1"); err != nil {
		t.Fatalf("DisconnectSocket should be idempotent, got %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed by the server")
	}
}

func TestEnvelope_MarshalsEventAndPayload(t *testing.T) {
	raw, err := envelope("thing", map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event"] != "thing" {
		t.Fatalf("unexpected event field: %v", decoded["event"])
	}
}
