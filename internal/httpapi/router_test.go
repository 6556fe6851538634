package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"confluence/internal/room"
	"confluence/pkg/config"
)

type fakeRoomInspector struct {
	rooms map[string]*room.Room
}

func (f fakeRoomInspector) RoomByID(roomID string) (*room.Room, bool) {
	r, ok := f.rooms[roomID]
	return r, ok
}

type fakeWorkerInspector struct {
	records []WorkerRecordView
}

func (f fakeWorkerInspector) Snapshot() []WorkerRecordView { return f.records }

func newTestDeps(t *testing.T, rooms RoomInspector, workers WorkerInspector) Deps {
	t.Helper()
	cfg := config.DefaultConfig()
	return Deps{
		Config:    cfg,
		Logger:    zap.NewNop().Sugar(),
		Metrics:   NewMetricsWithRegisterer(prometheus.NewRegistry()),
		Rooms:     rooms,
		Workers:   workers,
		StartTime: time.Unix(0, 0),
	}
}

func TestRouter_HealthAlwaysOK(t *testing.T) {
	router := NewRouter(newTestDeps(t, fakeRoomInspector{rooms: map[string]*room.Room{}}, fakeWorkerInspector{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %v", body["status"])
	}
}

func TestRouter_ReadyWithNilRedisIsOK(t *testing.T) {
	router := NewRouter(newTestDeps(t, fakeRoomInspector{rooms: map[string]*room.Room{}}, fakeWorkerInspector{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_RoomNotFound(t *testing.T) {
	router := NewRouter(newTestDeps(t, fakeRoomInspector{rooms: map[string]*room.Room{}}, fakeWorkerInspector{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/missing-room", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_RoomInvalidIDRejected(t *testing.T) {
	router := NewRouter(newTestDeps(t, fakeRoomInspector{rooms: map[string]*room.Room{}}, fakeWorkerInspector{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/has%20space", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouter_RoomFound(t *testing.T) {
	r := room.New("room-1", "owner-1", "", room.Config{})
	router := NewRouter(newTestDeps(t, fakeRoomInspector{rooms: map[string]*room.Room{"room-1": r}}, fakeWorkerInspector{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms/room-1", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["roomId"] != "room-1" {
		t.Fatalf("expected roomId room-1, got %v", body["roomId"])
	}
	if body["active"] != false {
		t.Fatalf("expected inactive room (never activated), got %v", body["active"])
	}
}

func TestRouter_Workers(t *testing.T) {
	snapshot := []WorkerRecordView{{ID: 0, Pid: 1234, Online: true, Routers: 2}}
	router := NewRouter(newTestDeps(t, fakeRoomInspector{rooms: map[string]*room.Room{}}, fakeWorkerInspector{records: snapshot}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Workers []WorkerRecordView `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Workers) != 1 || body.Workers[0].Pid != 1234 {
		t.Fatalf("unexpected workers payload: %+v", body.Workers)
	}
}

func TestRouter_MetricsDisabledWhenPrometheusOff(t *testing.T) {
	deps := newTestDeps(t, fakeRoomInspector{rooms: map[string]*room.Room{}}, fakeWorkerInspector{})
	deps.Config.Monitoring.PrometheusEnabled = false
	router := NewRouter(deps)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when prometheus disabled, got %d", rec.Code)
	}
}
