package transportsvc

import (
	"context"
	"testing"

	"confluence/internal/domain"
	"confluence/internal/mediasfu"
	"confluence/internal/room"
	"confluence/tests/testutils"
)

type fakeWorkers struct {
	transportDelta int
}

func (f *fakeWorkers) IncTransports(pid int, delta int) { f.transportDelta += delta }

func activate(r *room.Room, worker *testutils.FakeWorker) error {
	return r.Activate(context.Background(), worker.Pid(), worker,
		func(domain.RoomId, mediasfu.DominantSpeakerEvent) {},
		func(domain.RoomId) {},
	)
}

func TestService_HandleTransportRequest_ProducerIsIdempotent(t *testing.T) {
	r := room.New("room-1", "owner-1", "", room.Config{})
	worker := testutils.NewFakeWorker(7)
	if err := activate(r, worker); err != nil {
		t.Fatalf("activate: %v", err)
	}

	p := room.NewPeer("u1", "Alice", "s1")
	r.AddPeer(p)

	workers := &fakeWorkers{}
	svc := New(workers)

	first, err := svc.HandleTransportRequest(context.Background(), r, p, TransportRequest{Role: room.RoleProducer})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := svc.HandleTransportRequest(context.Background(), r, p, TransportRequest{Role: room.RoleProducer})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same upstream transport to be reused, got %q then %q", first.ID, second.ID)
	}
	if workers.transportDelta != 1 {
		t.Fatalf("expected IncTransports to fire exactly once, got delta %d", workers.transportDelta)
	}
}

func TestService_ConnectTransport_IsIdempotent(t *testing.T) {
	r := room.New("room-1", "owner-1", "", room.Config{})
	worker := testutils.NewFakeWorker(7)
	if err := activate(r, worker); err != nil {
		t.Fatalf("activate: %v", err)
	}

	p := room.NewPeer("u1", "Alice", "s1")
	r.AddPeer(p)

	svc := New(&fakeWorkers{})
	if _, err := svc.HandleTransportRequest(context.Background(), r, p, TransportRequest{Role: room.RoleProducer}); err != nil {
		t.Fatalf("transport request: %v", err)
	}
	transport := p.UpstreamTransport()

	if err := svc.ConnectTransport(context.Background(), transport, nil); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	ft := transport.(*testutils.FakeTransport)
	if ft.ConnectCallCount() != 1 {
		t.Fatalf("expected underlying Connect to be invoked once, got %d", ft.ConnectCallCount())
	}

	if err := svc.ConnectTransport(context.Background(), transport, nil); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if ft.ConnectCallCount() != 1 {
		t.Fatalf("expected the already-connected state to short-circuit without a second Connect call, got %d calls", ft.ConnectCallCount())
	}
}

func TestService_ConsumeMedia_DownstreamNotFoundWhenPeerHasNoMatchingTransport(t *testing.T) {
	r := room.New("room-1", "owner-1", "", room.Config{})
	worker := testutils.NewFakeWorker(7)
	if err := activate(r, worker); err != nil {
		t.Fatalf("activate: %v", err)
	}

	speaker := room.NewPeer("speaker", "Speaker", "s1")
	r.AddPeer(speaker)
	listener := room.NewPeer("listener", "Listener", "s2")
	r.AddPeer(listener)

	svc := New(&fakeWorkers{})

	if _, err := svc.HandleTransportRequest(context.Background(), r, speaker, TransportRequest{Role: room.RoleProducer}); err != nil {
		t.Fatalf("producer transport: %v", err)
	}
	producer, err := svc.StartProducing(context.Background(), r, speaker, domain.StreamKindAudio, nil)
	if err != nil {
		t.Fatalf("start producing: %v", err)
	}

	// listener never requested a consumer transport for this pid, so
	// consumeMedia must fail with DownstreamNotFound rather than panic.
	if _, err := svc.ConsumeMedia(context.Background(), r, listener, nil, producer.ID(), domain.StreamKindAudio); err == nil {
		t.Fatalf("expected an error when no downstream transport exists yet")
	}
}

func TestService_ConsumeMedia_SucceedsOnceConsumerTransportRequested(t *testing.T) {
	r := room.New("room-1", "owner-1", "", room.Config{})
	worker := testutils.NewFakeWorker(7)
	if err := activate(r, worker); err != nil {
		t.Fatalf("activate: %v", err)
	}

	speaker := room.NewPeer("speaker", "Speaker", "s1")
	r.AddPeer(speaker)
	listener := room.NewPeer("listener", "Listener", "s2")
	r.AddPeer(listener)

	svc := New(&fakeWorkers{})

	if _, err := svc.HandleTransportRequest(context.Background(), r, speaker, TransportRequest{Role: room.RoleProducer}); err != nil {
		t.Fatalf("producer transport: %v", err)
	}
	producer, err := svc.StartProducing(context.Background(), r, speaker, domain.StreamKindAudio, nil)
	if err != nil {
		t.Fatalf("start producing: %v", err)
	}

	if _, err := svc.HandleTransportRequest(context.Background(), r, listener, TransportRequest{
		Role:     room.RoleConsumer,
		AudioPid: producer.ID(),
	}); err != nil {
		t.Fatalf("consumer transport: %v", err)
	}

	result, err := svc.ConsumeMedia(context.Background(), r, listener, nil, producer.ID(), domain.StreamKindAudio)
	if err != nil {
		t.Fatalf("consume media: %v", err)
	}
	if result.ProducerID != producer.ID() {
		t.Fatalf("expected consumer to reference producer %q, got %q", producer.ID(), result.ProducerID)
	}
}

func TestService_UnpauseConsumer_ConsumerNotFound(t *testing.T) {
	r := room.New("room-1", "owner-1", "", room.Config{})
	worker := testutils.NewFakeWorker(7)
	if err := activate(r, worker); err != nil {
		t.Fatalf("activate: %v", err)
	}
	p := room.NewPeer("u1", "Alice", "s1")
	r.AddPeer(p)

	svc := New(&fakeWorkers{})
	if err := svc.UnpauseConsumer(context.Background(), p, "no-such-producer"); err == nil {
		t.Fatalf("expected ConsumerNotFound for an unknown producer id")
	}
}

func TestService_HandleAudioChange_NoUpstreamWhenPeerNeverProduced(t *testing.T) {
	p := room.NewPeer("u1", "Alice", "s1")
	svc := New(&fakeWorkers{})
	if err := svc.HandleAudioChange(context.Background(), p, AudioOpMute); err == nil {
		t.Fatalf("expected NoUpstream when the peer has no audio producer")
	}
}
