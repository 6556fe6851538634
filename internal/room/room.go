package room

import (
	"context"
	"sync"
	"time"

	"confluence/internal/domain"
	"confluence/internal/mediasfu"
)

// Config mirrors pkg/config.Config.Room.
type Config struct {
	RefreshInterval       time.Duration
	ActiveSpeakerInterval time.Duration
	PendingJoinTTL        time.Duration
	InitialBitrate        int
	MaxIncomingBitrate    int
}

// Room is the Room Model: per-room router, peers, active-speaker list,
// pending joins, blocklist and refresh timer.
type Room struct {
	roomID  domain.RoomId
	OwnerId domain.UserId
	cfg     Config

	mu sync.RWMutex

	workerPid int
	router    mediasfu.Router
	observer  mediasfu.Closer

	peers              []*Peer
	activeSpeakerList  []domain.ProducerId
	password           string
	blocklist          []domain.BlocklistEntry
	pendingJoins       map[domain.UserId]domain.PendingJoin

	refreshCancel context.CancelFunc
}

func New(roomID domain.RoomId, ownerID domain.UserId, password string, cfg Config) *Room {
	return &Room{
		roomID:       roomID,
		OwnerId:      ownerID,
		password:     password,
		cfg:          cfg,
		pendingJoins: make(map[domain.UserId]domain.PendingJoin),
	}
}

func (r *Room) ID() domain.RoomId { return r.roomID }

func (r *Room) Password() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.password
}

// Activate creates the media router on worker and an active-speaker
// observer at the configured interval, and starts the periodic refresh
// timer. onDominantSpeaker is called by the router's observer;
// onRefresh is invoked every RefreshInterval while the room has peers and a
// non-empty active-speaker list.
func (r *Room) Activate(ctx context.Context, workerPid int, worker mediasfu.Worker, onDominantSpeaker func(domain.RoomId, mediasfu.DominantSpeakerEvent), onRefresh func(domain.RoomId)) error {
	router, err := worker.CreateRouter(ctx, r.roomID)
	if err != nil {
		return err
	}

	observer, err := router.ObserveDominantSpeaker(ctx, int(r.cfg.ActiveSpeakerInterval.Milliseconds()), func(ev mediasfu.DominantSpeakerEvent) {
		onDominantSpeaker(r.roomID, ev)
	})
	if err != nil {
		_ = router.Close(ctx)
		return err
	}

	r.mu.Lock()
	r.workerPid = workerPid
	r.router = router
	r.observer = observer
	r.mu.Unlock()

	refreshCtx, cancel := context.WithCancel(ctx)
	r.refreshCancel = cancel
	go r.refreshLoop(refreshCtx, onRefresh)

	return nil
}

func (r *Room) refreshLoop(ctx context.Context, onRefresh func(domain.RoomId)) {
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.PeerCount() > 0 && len(r.ActiveSpeakerList()) > 0 {
				onRefresh(r.roomID)
			}
		}
	}
}

func (r *Room) Router() mediasfu.Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router
}

func (r *Room) WorkerPid() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workerPid
}

func (r *Room) Active() bool {
	return r.Router() != nil
}

// --- Peers ---

func (r *Room) AddPeer(p *Peer) {
	r.mu.Lock()
	r.peers = append(r.peers, p)
	r.mu.Unlock()
	p.setRoom(r)
}

func (r *Room) RemovePeer(p *Peer) {
	r.mu.Lock()
	for i, existing := range r.peers {
		if existing == p {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	p.setRoom(nil)
}

func (r *Room) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) PeerByUserID(userID domain.UserId) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.UserId == userID {
			return p, true
		}
	}
	return nil, false
}

// FindProducerOwner searches every peer's producers for one whose id == pid,
// returning the owning peer and the actual StreamKind it was produced under
//.
func (r *Room) FindProducerOwner(pid domain.ProducerId) (*Peer, domain.StreamKind, mediasfu.Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		for kind, pr := range p.Producers() {
			if pr.ID() == pid {
				return p, kind, pr, true
			}
		}
	}
	return nil, "", nil, false
}

// --- Active speaker list ---

func (r *Room) ActiveSpeakerList() []domain.ProducerId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProducerId, len(r.activeSpeakerList))
	copy(out, r.activeSpeakerList)
	return out
}

func (r *Room) SetActiveSpeakerList(ids []domain.ProducerId) {
	r.mu.Lock()
	r.activeSpeakerList = append([]domain.ProducerId(nil), ids...)
	r.mu.Unlock()
}

func (r *Room) AppendActiveSpeaker(pid domain.ProducerId) {
	r.mu.Lock()
	for _, existing := range r.activeSpeakerList {
		if existing == pid {
			r.mu.Unlock()
			return
		}
	}
	r.activeSpeakerList = append(r.activeSpeakerList, pid)
	r.mu.Unlock()
}

// PromoteToHead moves pid to index 0, inserting it if absent. Returns false
// if pid was already at index 0 (dominant-speaker handler's no-churn path).
func (r *Room) PromoteToHead(pid domain.ProducerId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.activeSpeakerList) > 0 && r.activeSpeakerList[0] == pid {
		return false
	}
	filtered := r.activeSpeakerList[:0:0]
	for _, existing := range r.activeSpeakerList {
		if existing != pid {
			filtered = append(filtered, existing)
		}
	}
	r.activeSpeakerList = append([]domain.ProducerId{pid}, filtered...)
	return true
}

// RemoveFromActiveSpeakerList drops pid, used on producer close / peer leave.
func (r *Room) RemoveFromActiveSpeakerList(pid domain.ProducerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	filtered := r.activeSpeakerList[:0:0]
	for _, existing := range r.activeSpeakerList {
		if existing != pid {
			filtered = append(filtered, existing)
		}
	}
	r.activeSpeakerList = filtered
}

// --- Blocklist & pending joins ---

func (r *Room) IsBlocked(userID domain.UserId, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.blocklist {
		if e.UserId == userID && e.Active(now) {
			return true
		}
	}
	return false
}

func (r *Room) Block(userID domain.UserId, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocklist = append(r.blocklist, domain.BlocklistEntry{UserId: userID, ExpiresAt: expiresAt})
}

func (r *Room) RequestPendingJoin(userID domain.UserId, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingJoins[userID] = domain.PendingJoin{
		UserId:      userID,
		RequestedAt: now,
		ExpiresAt:   now.Add(r.cfg.PendingJoinTTL),
	}
}

func (r *Room) SweepExpiredPendingJoins(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for u, j := range r.pendingJoins {
		if j.Expired(now) {
			delete(r.pendingJoins, u)
		}
	}
}

// Cleanup clears the lists and fields under the lock and stops the refresh
// timer, then closes the observer, then the router (which cascades to
// transports/producers/consumers per the mediasfu contract).
func (r *Room) Cleanup(ctx context.Context) {
	r.mu.Lock()
	observer := r.observer
	router := r.router
	r.observer = nil
	r.router = nil
	r.activeSpeakerList = nil
	r.peers = nil
	cancel := r.refreshCancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if observer != nil {
		_ = observer.Close(ctx)
	}
	if router != nil {
		_ = router.Close(ctx)
	}
}
