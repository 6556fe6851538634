package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"confluence/internal/domain"
	"confluence/internal/ports"
	"confluence/internal/queue"
)

type fakeIdemStore struct {
	mu     sync.Mutex
	claims map[string]bool
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{claims: make(map[string]bool)}
}

func (f *fakeIdemStore) Claim(ctx context.Context, key string, ttl time.Duration, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

type fakeLocks struct {
	busy map[string]bool
}

func (f *fakeLocks) WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	return task(ctx)
}

func (f *fakeLocks) TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) (ports.LockOutcome, error) {
	if f.busy != nil && f.busy[resource] {
		return ports.LockOutcomeBusy, nil
	}
	if err := task(ctx); err != nil {
		return ports.LockOutcomeRan, err
	}
	return ports.LockOutcomeRan, nil
}

type recordedBroadcast struct {
	roomID  domain.RoomId
	event   string
	payload interface{}
	exclude domain.SocketId
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	broadcasts []recordedBroadcast
	joined     map[domain.RoomId][]domain.SocketId
	left       map[domain.RoomId][]domain.SocketId
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		joined: make(map[domain.RoomId][]domain.SocketId),
		left:   make(map[domain.RoomId][]domain.SocketId),
	}
}

func (f *fakeBroadcaster) SendToSocket(roomID domain.RoomId, socketID domain.SocketId, event string, payload interface{}) error {
	return nil
}

func (f *fakeBroadcaster) BroadcastToRoom(roomID domain.RoomId, event string, payload interface{}, excludeSocketID domain.SocketId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, recordedBroadcast{roomID, event, payload, excludeSocketID})
	return nil
}

func (f *fakeBroadcaster) JoinRoom(roomID domain.RoomId, socketID domain.SocketId) error {
	f.joined[roomID] = append(f.joined[roomID], socketID)
	return nil
}

func (f *fakeBroadcaster) LeaveRoom(roomID domain.RoomId, socketID domain.SocketId) error {
	f.left[roomID] = append(f.left[roomID], socketID)
	return nil
}

func (f *fakeBroadcaster) DisconnectSocket(socketID domain.SocketId) error {
	return nil
}

func newTestGateway() (*Gateway, *fakeIdemStore, *fakeBroadcaster, *fakeLocks) {
	idem := newFakeIdemStore()
	broadcaster := newFakeBroadcaster()
	locks := &fakeLocks{busy: make(map[string]bool)}
	qm := queue.NewManager(time.Minute, nil)
	gw := NewWithStore(idem, locks, qm, broadcaster, Config{}, nil, nil)
	return gw, idem, broadcaster, locks
}

func testMessage(id string) domain.Message {
	return domain.Message{
		ID:               id,
		JobId:            "job-1",
		SenderId:         "u1",
		Timestamp:        10,
		EncryptedContent: map[string]interface{}{"body": "x"},
	}
}

func TestHandleMessageSend_FirstSendSucceedsAndBroadcasts(t *testing.T) {
	gw, _, broadcaster, _ := newTestGateway()

	ack, err := gw.HandleMessageSend(context.Background(), testMessage("m1"))
	if err != nil {
		t.Fatalf("HandleMessageSend: %v", err)
	}
	if !ack.Success || ack.MessageID != "m1" || ack.Timestamp != 10 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	if len(broadcaster.broadcasts) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(broadcaster.broadcasts))
	}
	if broadcaster.broadcasts[0].event != EventMessageNew || broadcaster.broadcasts[0].roomID != "job-1" {
		t.Fatalf("unexpected broadcast: %+v", broadcaster.broadcasts[0])
	}
}

func TestHandleMessageSend_DuplicateByIdempotencyKeyDoesNotBroadcastAgain(t *testing.T) {
	gw, _, broadcaster, _ := newTestGateway()
	ctx := context.Background()

	if _, err := gw.HandleMessageSend(ctx, testMessage("m1")); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ack, err := gw.HandleMessageSend(ctx, testMessage("m1"))
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if !ack.Delivered || !ack.Duplicate || ack.MessageID != "m1" {
		t.Fatalf("expected duplicate ack, got %+v", ack)
	}
	if len(broadcaster.broadcasts) != 1 {
		t.Fatalf("expected no additional broadcast, total=%d", len(broadcaster.broadcasts))
	}
}

func TestHandleMessageSend_RejectsMissingJobIdOrBody(t *testing.T) {
	gw, _, _, _ := newTestGateway()
	ctx := context.Background()

	msg := testMessage("m1")
	msg.JobId = ""
	if _, err := gw.HandleMessageSend(ctx, msg); err == nil {
		t.Fatal("expected error for missing jobId")
	}

	msg2 := testMessage("m2")
	msg2.EncryptedContent = nil
	if _, err := gw.HandleMessageSend(ctx, msg2); err == nil {
		t.Fatal("expected error for missing encryptedContent.body")
	}
}

func TestHandleMessageSendNonBlocking_BusyLockReturnsResourceBusy(t *testing.T) {
	gw, _, _, locks := newTestGateway()
	locks.busy["job-1"] = true

	result, err := gw.HandleMessageSendNonBlocking(context.Background(), testMessage("m1"))
	if err != nil {
		t.Fatalf("HandleMessageSendNonBlocking: %v", err)
	}
	busy, ok := result.(BusyAck)
	if !ok || busy.OK || busy.Error != "RESOURCE_BUSY" {
		t.Fatalf("expected BusyAck{OK:false, Error:RESOURCE_BUSY}, got %+v", result)
	}
}

func TestHandleMessagePinUnpinRead_BroadcastCorrectEvent(t *testing.T) {
	gw, _, broadcaster, _ := newTestGateway()
	ctx := context.Background()

	if err := gw.HandleMessagePin(ctx, "job-1", map[string]string{"messageId": "m1"}); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := gw.HandleMessageUnpin(ctx, "job-1", map[string]string{"messageId": "m1"}); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if err := gw.HandleMessageRead(ctx, "job-1", map[string]string{"messageId": "m1"}); err != nil {
		t.Fatalf("read: %v", err)
	}

	if len(broadcaster.broadcasts) != 3 {
		t.Fatalf("expected 3 broadcasts, got %d", len(broadcaster.broadcasts))
	}
	wantEvents := []string{EventMessagePinned, EventMessageUnpinned, EventMessageRead}
	for i, want := range wantEvents {
		if broadcaster.broadcasts[i].event != want {
			t.Fatalf("broadcast %d: got event %q, want %q", i, broadcaster.broadcasts[i].event, want)
		}
	}
}

func TestHandleMessageTyping_ExcludesSender(t *testing.T) {
	gw, _, broadcaster, _ := newTestGateway()

	if err := gw.HandleMessageTyping(context.Background(), "sender-socket", "job-1", map[string]bool{"typing": true}); err != nil {
		t.Fatalf("typing: %v", err)
	}
	if len(broadcaster.broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(broadcaster.broadcasts))
	}
	if broadcaster.broadcasts[0].exclude != "sender-socket" {
		t.Fatalf("expected sender excluded, got exclude=%q", broadcaster.broadcasts[0].exclude)
	}
}

func TestHandleRoomJoinLeave(t *testing.T) {
	gw, _, broadcaster, _ := newTestGateway()
	ctx := context.Background()

	ack, err := gw.HandleRoomJoin(ctx, "s1", "room-x")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if ack.RoomID != "room-x" {
		t.Fatalf("unexpected join ack: %+v", ack)
	}
	if len(broadcaster.joined["room-x"]) != 1 || broadcaster.joined["room-x"][0] != "s1" {
		t.Fatalf("expected socket s1 joined to room-x, got %+v", broadcaster.joined)
	}

	leaveAck, err := gw.HandleRoomLeave(ctx, "s1", "room-x")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !leaveAck.Left {
		t.Fatalf("expected Left=true, got %+v", leaveAck)
	}
}
