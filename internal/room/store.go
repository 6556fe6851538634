package room

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"confluence/internal/domain"
	"confluence/internal/mediasfu"
	"confluence/internal/ports"
	apperrors "confluence/pkg/errors"
)

// WorkerLookup is the slice of internal/workerpool.Pool the Store needs:
// picking a worker for a new room and resolving its mediasfu.Worker handle.
type WorkerLookup interface {
	PickForRoom(roomID domain.RoomId) (int, error)
	WorkerByPid(pid int) (mediasfu.Worker, bool)
}

// Store is the room registry: rooms are created on first join and
// destroyed once their peer count drops to zero. Implements
// ports.RoomStore.
type Store struct {
	cfg     Config
	workers WorkerLookup

	onDominantSpeaker func(domain.RoomId, mediasfu.DominantSpeakerEvent)
	onRefresh         func(domain.RoomId)

	mu    sync.RWMutex
	rooms map[domain.RoomId]*Room

	creation singleflight.Group
}

func NewStore(cfg Config, workers WorkerLookup, onDominantSpeaker func(domain.RoomId, mediasfu.DominantSpeakerEvent), onRefresh func(domain.RoomId)) *Store {
	return &Store{
		cfg:               cfg,
		workers:           workers,
		onDominantSpeaker: onDominantSpeaker,
		onRefresh:         onRefresh,
		rooms:             make(map[domain.RoomId]*Room),
	}
}

func (s *Store) Get(roomID domain.RoomId) (ports.RoomHandle, bool) {
	r, ok := s.getRoom(roomID)
	if !ok {
		return nil, false
	}
	return r, true
}

func (s *Store) getRoom(roomID domain.RoomId) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// GetOrCreate returns the existing room, or creates and activates one.
// Concurrent first-joiners for the same roomID are coalesced through
// singleflight.Group so exactly one router is ever created per room:
// golang.org/x/sync/singleflight is the idiomatic fit for a "created on
// first use, coalesced across racing callers" primitive.
func (s *Store) GetOrCreate(ctx context.Context, roomID domain.RoomId, ownerID domain.UserId) (ports.RoomHandle, error) {
	if r, ok := s.getRoom(roomID); ok {
		return r, nil
	}

	v, err, _ := s.creation.Do(roomID, func() (interface{}, error) {
		if r, ok := s.getRoom(roomID); ok {
			return r, nil
		}

		r := New(roomID, ownerID, "", s.cfg)

		pid, err := s.workers.PickForRoom(roomID)
		if err != nil {
			return nil, err
		}
		worker, ok := s.workers.WorkerByPid(pid)
		if !ok {
			return nil, apperrors.NewNoWorkersAvailableError()
		}

		if err := r.Activate(ctx, pid, worker, s.onDominantSpeaker, s.onRefresh); err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.rooms[roomID] = r
		s.mu.Unlock()

		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// GetOrCreateWithPassword is the streaming-gateway entry point:
// password is only enforced on an *existing* room, and is recorded when a
// new room is created.
func (s *Store) GetOrCreateWithPassword(ctx context.Context, roomID domain.RoomId, ownerID domain.UserId, password string) (*Room, bool, error) {
	if r, ok := s.getRoom(roomID); ok {
		return r, false, nil
	}
	handle, err := s.GetOrCreate(ctx, roomID, ownerID)
	if err != nil {
		return nil, false, err
	}
	r := handle.(*Room)
	if password != "" {
		r.mu.Lock()
		r.password = password
		r.mu.Unlock()
	}
	return r, true, nil
}

func (s *Store) Remove(roomID domain.RoomId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *Store) RoomByID(roomID domain.RoomId) (*Room, bool) {
	return s.getRoom(roomID)
}

// Counts reports the number of active rooms and the total peer count summed
// across all of them, sampled for the rooms-active/participants-total
// gauges.
func (s *Store) Counts() (rooms int, participants int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms = len(s.rooms)
	for _, r := range s.rooms {
		participants += r.PeerCount()
	}
	return rooms, participants
}

// DestroyIfEmpty removes and cleans up a room once it has no peers left
//.
func (s *Store) DestroyIfEmpty(ctx context.Context, roomID domain.RoomId) {
	r, ok := s.getRoom(roomID)
	if !ok || r.PeerCount() > 0 {
		return
	}
	s.Remove(roomID)
	r.Cleanup(ctx)
}
