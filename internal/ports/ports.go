// Package ports defines the narrow capability interfaces that replace the
// cyclic references between the gateway, the transport service, the
// active-speaker engine and the dominant-speaker handler: each
// service depends on one of these capabilities, never on a concrete sibling
// service.
package ports

import (
	"context"
	"time"

	"confluence/internal/domain"
)

// Broadcaster sends events to one socket or to every socket in a room.
// internal/conn.Hub implements this over its gorilla/websocket connections,
// shared by the chat and media surfaces.
type Broadcaster interface {
	SendToSocket(roomID domain.RoomId, socketID domain.SocketId, event string, payload interface{}) error
	BroadcastToRoom(roomID domain.RoomId, event string, payload interface{}, excludeSocketID domain.SocketId) error

	// JoinRoom/LeaveRoom manage the socket's membership in a room's fan-out
	// group.
	JoinRoom(roomID domain.RoomId, socketID domain.SocketId) error
	LeaveRoom(roomID domain.RoomId, socketID domain.SocketId) error

	// DisconnectSocket force-closes a socket, used to evict a stale
	// connection when the same user reconnects elsewhere.
	DisconnectSocket(socketID domain.SocketId) error
}

// RoomHandle is the subset of *room.Room returned by room.Store's RoomStore
// methods. internal/activespeaker takes *room.Room directly, not this
// interface.
type RoomHandle interface {
	ID() domain.RoomId
	ActiveSpeakerList() []domain.ProducerId
	SetActiveSpeakerList(ids []domain.ProducerId)
}

// RoomStore looks up, creates and removes rooms. internal/room implements
// this for the streaming gateway.
type RoomStore interface {
	Get(roomID domain.RoomId) (RoomHandle, bool)
	GetOrCreate(ctx context.Context, roomID domain.RoomId, ownerID domain.UserId) (RoomHandle, error)
	Remove(roomID domain.RoomId)
}

// WorkerSelector picks a media worker for a room. internal/workerpool
// implements this.
type WorkerSelector interface {
	PickForRoom(roomID domain.RoomId) (int, error)
	PickLeastLoaded() (int, error)
	IncRouters(pid int, delta int)
	IncTransports(pid int, delta int)
}

// LockOutcome is returned by TryWithLock to distinguish "ran" from "busy".
type LockOutcome int

const (
	LockOutcomeRan LockOutcome = iota
	LockOutcomeBusy
)

// Locks provides resource-scoped mutual exclusion. Implemented by
// internal/lock over Redis.
type Locks interface {
	WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error
	TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) (LockOutcome, error)
}

// Clock is injected wherever wall-clock time needs to be substitutable in
// tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
