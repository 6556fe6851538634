// Package chat implements the Messaging Gateway: the authenticated
// chat event contract layered on the distributed lock and message job
// queue, guarded by a durable Redis idempotency key so
// contract:message.new is delivered at most once per message id even across
// process restarts. Follows the request/ack shape and Redis-backed dedup
// key pattern used ahead of job dispatch elsewhere in this codebase.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"confluence/internal/domain"
	"confluence/internal/ports"
	"confluence/internal/queue"
	apperrors "confluence/pkg/errors"
	"confluence/pkg/validation"
)

// IdempotencyStore claims msg:idem:{id} once and reports whether this call
// was the one that claimed it. Implemented over Redis SetNX in production;
// faked in tests without a live Redis connection.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration, payload []byte) (claimed bool, err error)
}

type redisIdempotencyStore struct {
	client *redis.Client
}

func (s *redisIdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration, payload []byte) (bool, error) {
	claimed, err := s.client.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return false, apperrors.NewStoreUnavailableError(err)
	}
	return claimed, nil
}

const (
	EventMessageNew      = "contract:message.new"
	EventMessagePinned   = "contract:message.pinned"
	EventMessageUnpinned = "contract:message.unpinned"
	EventMessageRead     = "contract:message.read"
	EventMessageTyping   = "contract:message.typing"
)

// LockMode selects which locking primitive contract:message.send
// serializes under: a blocking withLock variant, or a tryWithLock variant
// that answers RESOURCE_BUSY instead of waiting.
type LockMode string

const (
	LockModeBlocking    LockMode = "blocking"
	LockModeNonBlocking LockMode = "try"
)

// Config mirrors pkg/config.Config.Queue's idempotency/lock-mode fields;
// kept separate so this package doesn't depend on pkg/config.
type Config struct {
	IdempotencyTTL time.Duration
	LockMode       LockMode
}

// SendAck is the response shape for contract:message.send:
// either {success, messageId, timestamp} or {delivered, duplicate,
// messageId}.
type SendAck struct {
	Success   bool   `json:"success,omitempty"`
	Delivered bool   `json:"delivered,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// BusyAck is returned by the tryWithLock variant when the job's lock is
// already held.
type BusyAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// RoomJoinAck/RoomLeaveAck are the acks for contract:room.join /
// chat.room.leave.
type RoomJoinAck struct {
	RoomID domain.RoomId `json:"roomId"`
}

type RoomLeaveAck struct {
	Left bool `json:"left"`
}

type idemRecord struct {
	JobID domain.JobId `json:"jobId"`
}

// MessageMetrics is the slice of internal/httpapi.Metrics the gateway
// needs: counters for accepted sends (by lock mode) and idempotency-store
// duplicate rejections.
type MessageMetrics interface {
	RecordMessageSent(mode string)
	RecordDuplicate()
}

// Gateway implements the messaging event contract over a Broadcaster (the
// chat namespace's connection set), the distributed lock manager and the
// message job queue.
type Gateway struct {
	idem        IdempotencyStore
	locks       ports.Locks
	queue       *queue.Manager
	broadcaster ports.Broadcaster
	cfg         Config
	logger      *zap.SugaredLogger
	metrics     MessageMetrics
}

func New(client *redis.Client, locks ports.Locks, queueMgr *queue.Manager, broadcaster ports.Broadcaster, cfg Config, logger *zap.SugaredLogger, metrics MessageMetrics) *Gateway {
	return NewWithStore(&redisIdempotencyStore{client: client}, locks, queueMgr, broadcaster, cfg, logger, metrics)
}

// NewWithStore builds a Gateway over an explicit IdempotencyStore, used by
// tests to avoid a live Redis dependency.
func NewWithStore(store IdempotencyStore, locks ports.Locks, queueMgr *queue.Manager, broadcaster ports.Broadcaster, cfg Config, logger *zap.SugaredLogger, metrics MessageMetrics) *Gateway {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = time.Hour
	}
	if cfg.LockMode == "" {
		cfg.LockMode = LockModeBlocking
	}
	return &Gateway{
		idem:        store,
		locks:       locks,
		queue:       queueMgr,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

func idemKey(messageID string) string {
	return fmt.Sprintf("msg:idem:%s", messageID)
}

// HandleMessageSend implements contract:message.send, serialized under
// withLock(jobId). Validation happens before the lock is taken; the guarded
// section ends in success, a duplicate ack, or an error from the idempotency
// store or the broadcast.
func (g *Gateway) HandleMessageSend(ctx context.Context, msg domain.Message) (SendAck, error) {
	if err := validateSend(msg); err != nil {
		return SendAck{}, err
	}

	var ack SendAck
	err := g.locks.WithLock(ctx, msg.JobId, func(ctx context.Context) error {
		a, err := g.sendLocked(ctx, msg, string(LockModeBlocking))
		ack = a
		return err
	})
	if err != nil {
		return SendAck{}, err
	}
	return ack, nil
}

// HandleMessageSendNonBlocking is the tryWithLock variant of
// contract:message.send: on a busy lock it returns a BusyAck instead of
// waiting.
func (g *Gateway) HandleMessageSendNonBlocking(ctx context.Context, msg domain.Message) (interface{}, error) {
	if err := validateSend(msg); err != nil {
		return nil, err
	}

	var ack SendAck
	outcome, err := g.locks.TryWithLock(ctx, msg.JobId, func(ctx context.Context) error {
		a, err := g.sendLocked(ctx, msg, string(LockModeNonBlocking))
		ack = a
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome == ports.LockOutcomeBusy {
		return BusyAck{OK: false, Error: "RESOURCE_BUSY"}, nil
	}
	return ack, nil
}

func validateSend(msg domain.Message) error {
	if err := validation.ValidateNonEmptyString(msg.JobId, "jobId"); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateNonEmptyString(msg.Body(), "encryptedContent.body"); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return nil
}

// sendLocked runs inside the job's lock: claim the durable idempotency key
// first (cheap, cross-node, survives process restarts), then drive the
// message through the job queue for per-job timestamp ordering before
// broadcasting. mode labels the accepted-message counter with which lock
// primitive this send came in through.
func (g *Gateway) sendLocked(ctx context.Context, msg domain.Message, mode string) (SendAck, error) {
	duplicate, err := g.claimIdempotencyKey(ctx, msg.ID, msg.JobId)
	if err != nil {
		return SendAck{}, err
	}
	if duplicate {
		g.recordDuplicate()
		return SendAck{Delivered: true, Duplicate: true, MessageID: msg.ID}, nil
	}

	waiter, queueDuplicate := g.queue.Enqueue(msg.JobId, queue.Task{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Run: func() error {
			return g.broadcaster.BroadcastToRoom(msg.JobId, EventMessageNew, msg, "")
		},
	})
	if queueDuplicate {
		g.recordDuplicate()
		return SendAck{Delivered: true, Duplicate: true, MessageID: msg.ID}, nil
	}
	if err := <-waiter; err != nil {
		return SendAck{}, err
	}
	g.recordSent(mode)
	return SendAck{Success: true, MessageID: msg.ID, Timestamp: msg.Timestamp}, nil
}

func (g *Gateway) recordSent(mode string) {
	if g.metrics != nil {
		g.metrics.RecordMessageSent(mode)
	}
}

func (g *Gateway) recordDuplicate() {
	if g.metrics != nil {
		g.metrics.RecordDuplicate()
	}
}

// claimIdempotencyKey SetNX's msg:idem:{id} holding {jobId}. A false result
// means the key already existed: some earlier attempt (possibly on another
// node, possibly before a restart) already claimed this message id.
func (g *Gateway) claimIdempotencyKey(ctx context.Context, messageID string, jobID domain.JobId) (duplicate bool, err error) {
	payload, err := json.Marshal(idemRecord{JobID: jobID})
	if err != nil {
		return false, apperrors.NewInternalError(err.Error())
	}

	claimed, err := g.idem.Claim(ctx, idemKey(messageID), g.cfg.IdempotencyTTL, payload)
	if err != nil {
		return false, err
	}
	return !claimed, nil
}

// fanOutLocked runs withLock(jobId) and broadcasts event/payload to the
// room; pin, unpin and read all share this exact shape.
func (g *Gateway) fanOutLocked(ctx context.Context, jobID domain.RoomId, event string, payload interface{}) error {
	return g.locks.WithLock(ctx, jobID, func(ctx context.Context) error {
		return g.broadcaster.BroadcastToRoom(jobID, event, payload, "")
	})
}

func (g *Gateway) HandleMessagePin(ctx context.Context, jobID domain.RoomId, payload interface{}) error {
	return g.fanOutLocked(ctx, jobID, EventMessagePinned, payload)
}

func (g *Gateway) HandleMessageUnpin(ctx context.Context, jobID domain.RoomId, payload interface{}) error {
	return g.fanOutLocked(ctx, jobID, EventMessageUnpinned, payload)
}

func (g *Gateway) HandleMessageRead(ctx context.Context, jobID domain.RoomId, payload interface{}) error {
	return g.fanOutLocked(ctx, jobID, EventMessageRead, payload)
}

// HandleMessageTyping is an unlocked broadcast, sender excluded: typing
// indicators don't need ordering or idempotence.
func (g *Gateway) HandleMessageTyping(ctx context.Context, senderSocket domain.SocketId, jobID domain.RoomId, payload interface{}) error {
	return g.broadcaster.BroadcastToRoom(jobID, EventMessageTyping, payload, senderSocket)
}

func (g *Gateway) HandleRoomJoin(ctx context.Context, socketID domain.SocketId, roomID domain.RoomId) (RoomJoinAck, error) {
	if err := g.broadcaster.JoinRoom(roomID, socketID); err != nil {
		return RoomJoinAck{}, err
	}
	return RoomJoinAck{RoomID: roomID}, nil
}

func (g *Gateway) HandleRoomLeave(ctx context.Context, socketID domain.SocketId, roomID domain.RoomId) (RoomLeaveAck, error) {
	if err := g.broadcaster.LeaveRoom(roomID, socketID); err != nil {
		return RoomLeaveAck{}, err
	}
	return RoomLeaveAck{Left: true}, nil
}
