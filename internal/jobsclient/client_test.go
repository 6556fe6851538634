package jobsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRoomIDs_SuccessReturnsDecodedIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"roomIds":["room-1","room-2"]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RequestTimeout: time.Second, MaxRetries: 3})
	ids, err := c.RoomIDs(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("RoomIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "room-1" || ids[1] != "room-2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestRoomIDs_RetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"roomIds":["room-1"]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RequestTimeout: time.Second, MaxRetries: 3})
	ids, err := c.RoomIDs(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("RoomIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "room-1" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected at least 2 calls (one retry), got %d", calls.Load())
	}
}

func TestRoomIDs_NonRetryableStatusFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RequestTimeout: time.Second, MaxRetries: 3})
	if _, err := c.RoomIDs(context.Background(), "tok-1"); err == nil {
		t.Fatal("expected error for 401")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable status, got %d", calls.Load())
	}
}
