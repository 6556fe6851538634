package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"confluence/internal/activespeaker"
	"confluence/internal/domain"
	"confluence/internal/mediasfu"
	"confluence/internal/ports"
	"confluence/internal/room"
	"confluence/internal/sidetap"
	"confluence/internal/streaming"
	"confluence/internal/transportsvc"
	"confluence/tests/testutils"
)

// fakeWorkers/fakeSideTap/fakeWorkerLookup mirror the narrow fakes in
// internal/streaming's own test suite; they're unexported there so this
// package keeps a small local copy rather than reaching across packages.
type fakeWorkers struct {
	mu         sync.Mutex
	routers    map[int]int
	transports map[int]int
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{routers: make(map[int]int), transports: make(map[int]int)}
}

func (f *fakeWorkers) IncRouters(pid int, delta int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routers[pid] += delta
}

func (f *fakeWorkers) IncTransports(pid int, delta int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports[pid] += delta
}

type fakeSideTap struct{}

func (fakeSideTap) Start(ctx context.Context, router sidetap.Router, roomID domain.RoomId, participantID domain.UserId, displayName string, producer mediasfu.Producer) (*domain.AudioSession, error) {
	return domain.NewAudioSession(participantID, roomID, producer.ID(), 0), nil
}
func (fakeSideTap) Stop(ctx context.Context, roomID domain.RoomId, producerID domain.ProducerId) {}
func (fakeSideTap) ClearRoom(roomID domain.RoomId)                                               {}

type fakeWorkerLookup struct {
	mu     sync.Mutex
	worker *testutils.FakeWorker
}

func (s *fakeWorkerLookup) PickForRoom(roomID domain.RoomId) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		s.worker = testutils.NewFakeWorker(1)
	}
	return s.worker.Pid(), nil
}

func (s *fakeWorkerLookup) WorkerByPid(pid int) (mediasfu.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		s.worker = testutils.NewFakeWorker(1)
	}
	return s.worker, true
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeLocks struct{}

func (fakeLocks) WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	return task(ctx)
}

func (fakeLocks) TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) (ports.LockOutcome, error) {
	return ports.LockOutcomeRan, task(ctx)
}

// newTestStreamSupervisor wires a real streaming.Gateway over a real Hub
// (which doubles as both ports.Broadcaster and the supervisor's own socket
// transport), the same two-phase Gateway/Store wiring cmd/confluence
// performs at startup.
func newTestStreamSupervisor(t *testing.T) (*Hub, *StreamSupervisor) {
	t.Helper()
	hub := NewHub(time.Second, nil)
	workers := newFakeWorkers()
	transport := transportsvc.New(workers)
	engine := activespeaker.NewEngine(activespeaker.Config{MaxActiveSpeakers: 10}, hub, zap.NewNop())

	gw := streaming.New(workers, transport, engine, fakeSideTap{}, fakeLocks{}, hub, fixedClock{t: time.Unix(0, 0)}, nil)

	lookup := &fakeWorkerLookup{}
	store := room.NewStore(room.Config{RefreshInterval: time.Hour, ActiveSpeakerInterval: 1000}, lookup, gw.OnDominantSpeaker, gw.OnRefresh)
	gw.SetRoomStore(store)

	return hub, NewStreamSupervisor(hub, gw, nil, zap.NewNop().Sugar())
}

func dialStreamSupervisor(t *testing.T, sup *StreamSupervisor, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(sup.HandleConnection))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):] + "/media"
	if query != "" {
		wsURL += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMediaEvent(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(mediaEnvelope{Event: event, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readAck(t *testing.T, conn *websocket.Conn) (string, map[string]interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Event   string                 `json:"event"`
		Payload map[string]interface{} `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return env.Event, env.Payload
}

func TestStreamSupervisor_JoinRoomThenLeaveRoom(t *testing.T) {
	_, sup := newTestStreamSupervisor(t)
	conn := dialStreamSupervisor(t, sup, "userId=u1&displayName=Alice")

	sendMediaEvent(t, conn, "joinRoom", joinRoomPayload{RoomID: "room-1"})
	event, payload := readAck(t, conn)
	if event != "joinRoom.ack" {
		t.Fatalf("unexpected ack event: %s", event)
	}
	if payload["roomId"] != "room-1" {
		t.Fatalf("unexpected roomId in ack: %v", payload["roomId"])
	}
	if payload["isNewRoom"] != true {
		t.Fatalf("expected isNewRoom=true for the first joiner, got %v", payload["isNewRoom"])
	}

	sendMediaEvent(t, conn, "leaveRoom", struct{}{})
	event, payload = readAck(t, conn)
	if event != "leaveRoom.ack" || payload["left"] != true {
		t.Fatalf("unexpected leaveRoom ack: %s %v", event, payload)
	}
}

func TestStreamSupervisor_SecondPeerReceivesNewParticipant(t *testing.T) {
	_, sup := newTestStreamSupervisor(t)
	connA := dialStreamSupervisor(t, sup, "userId=u1&displayName=Alice")
	sendMediaEvent(t, connA, "joinRoom", joinRoomPayload{RoomID: "room-1"})
	readAck(t, connA) // joinRoom.ack for A

	connB := dialStreamSupervisor(t, sup, "userId=u2&displayName=Bob")
	sendMediaEvent(t, connB, "joinRoom", joinRoomPayload{RoomID: "room-1"})
	readAck(t, connB) // joinRoom.ack for B

	event, payload := readAck(t, connA)
	if event != streaming.EventNewParticipant {
		t.Fatalf("expected %s, got %s (%v)", streaming.EventNewParticipant, event, payload)
	}
	if payload["participantId"] != "u2" {
		t.Fatalf("unexpected participantId: %v", payload["participantId"])
	}
}

func TestStreamSupervisor_ConnectTransportWithoutPeerIsIgnored(t *testing.T) {
	_, sup := newTestStreamSupervisor(t)
	conn := dialStreamSupervisor(t, sup, "userId=u1")

	sendMediaEvent(t, conn, "connectTransport", connectTransportPayload{Role: room.RoleProducer})

	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no ack when connectTransport is sent before joining a room")
	}
}

func TestStreamSupervisor_DisconnectLeavesRoom(t *testing.T) {
	hub, sup := newTestStreamSupervisor(t)
	connA := dialStreamSupervisor(t, sup, "userId=u1&displayName=Alice")
	sendMediaEvent(t, connA, "joinRoom", joinRoomPayload{RoomID: "room-1"})
	readAck(t, connA)

	connB := dialStreamSupervisor(t, sup, "userId=u2&displayName=Bob")
	sendMediaEvent(t, connB, "joinRoom", joinRoomPayload{RoomID: "room-1"})
	readAck(t, connB)
	readAck(t, connA) // newParticipant for B

	connB.Close()

	event, payload := readAck(t, connA)
	if event != streaming.EventParticipantLeft {
		t.Fatalf("expected %s after peer disconnect, got %s (%v)", streaming.EventParticipantLeft, event, payload)
	}

	_ = hub // kept for parity with dialHub-style fixtures; no direct assertions needed here
}
