package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"confluence/internal/chat"
	"confluence/internal/domain"
	"confluence/internal/jobsclient"
	"confluence/internal/session"
	apperrors "confluence/pkg/errors"
	"confluence/pkg/tracing"
)

const (
	eventAuth         = "auth"
	eventError        = "error:auth"
	authCodeTimeout   = "AUTH_TIMEOUT"
	authCodeFailed    = "AUTH_FAILED"
)

// clientEnvelope is the wire shape of every inbound chat-socket message
//: event plus whatever fields that event needs.
type clientEnvelope struct {
	Event   string          `json:"event"`
	JobID   domain.RoomId   `json:"jobId,omitempty"`
	RoomID  domain.RoomId   `json:"roomId,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatSupervisor implements the authenticated chat-socket lifecycle:
// handshake, JWT validation, single-socket enforcement via the session
// registry, auto-join of a user's rooms from the external jobs service, and
// message dispatch into the Messaging Gateway.
type ChatSupervisor struct {
	hub        *Hub
	validator  *TokenValidator
	registry   *session.Registry
	evictions  *session.EvictionBus
	jobsClient *jobsclient.Client
	gateway    *chat.Gateway
	limiter    *HandshakeLimiter

	authTimeout time.Duration
	logger      *zap.SugaredLogger
}

func NewChatSupervisor(hub *Hub, validator *TokenValidator, registry *session.Registry, evictions *session.EvictionBus, jobsClient *jobsclient.Client, gateway *chat.Gateway, limiter *HandshakeLimiter, authTimeout time.Duration, logger *zap.SugaredLogger) *ChatSupervisor {
	if authTimeout <= 0 {
		authTimeout = 30 * time.Second
	}
	return &ChatSupervisor{
		hub:         hub,
		validator:   validator,
		registry:    registry,
		evictions:   evictions,
		jobsClient:  jobsClient,
		gateway:     gateway,
		limiter:     limiter,
		authTimeout: authTimeout,
		logger:      logger,
	}
}

// HandleConnection is the HTTP handler mounted at the chat socket endpoint.
func (s *ChatSupervisor) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("chat websocket upgrade failed", "error", err)
		}
		return
	}

	socketID := domain.SocketId(uuid.NewString())
	s.hub.Register(socketID, ws)

	ctx := context.Background()
	user, token, ok := s.authenticate(ctx, ws, socketID, r)
	if !ok {
		s.hub.Unregister(socketID)
		return
	}

	s.bindSingleSocket(ctx, user, socketID)
	s.autoJoinRooms(ctx, user, socketID, token)

	s.readLoop(ctx, socketID, user, ws)

	s.disconnect(ctx, socketID)
}

// authenticate enforces a 30s hard cap on reaching an authenticated state,
// with the token extracted from the query/header up front or from the
// first `auth` message otherwise.
func (s *ChatSupervisor) authenticate(ctx context.Context, ws *websocket.Conn, socketID domain.SocketId, r *http.Request) (domain.UserId, string, bool) {
	ctx, span := tracing.TraceWebSocketMessage(ctx, "auth", string(socketID))
	defer span.End()

	if token := ExtractToken(r); token != "" {
		claims, err := s.validator.Validate(token)
		if err != nil {
			tracing.RecordError(ctx, err)
			s.sendAuthError(socketID, authCodeFailed)
			return "", "", false
		}
		return claims.Sub, token, true
	}

	timer := time.NewTimer(s.authTimeout)
	defer timer.Stop()

	type authResult struct {
		user  domain.UserId
		token string
		err   error
	}
	resultCh := make(chan authResult, 1)

	go func() {
		var env clientEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			resultCh <- authResult{err: err}
			return
		}
		if env.Event != eventAuth || env.Token == "" {
			resultCh <- authResult{err: apperrors.NewAuthFailedError(nil)}
			return
		}
		claims, err := s.validator.Validate(env.Token)
		if err != nil {
			resultCh <- authResult{err: err}
			return
		}
		resultCh <- authResult{user: claims.Sub, token: env.Token}
	}()

	select {
	case <-timer.C:
		tracing.RecordError(ctx, apperrors.NewAuthTimeoutError())
		s.sendAuthError(socketID, authCodeTimeout)
		return "", "", false
	case res := <-resultCh:
		if res.err != nil {
			tracing.RecordError(ctx, res.err)
			s.sendAuthError(socketID, authCodeFailed)
			return "", "", false
		}
		return res.user, res.token, true
	}
}

func (s *ChatSupervisor) sendAuthError(socketID domain.SocketId, code string) {
	_ = s.hub.SendToSocket("", socketID, eventError, map[string]string{"code": code})
}

// bindSingleSocket enforces the single-socket-per-user invariant: evicted
// sockets are disconnected locally if present, and the eviction is
// published so other cluster nodes disconnect their own copy too.
func (s *ChatSupervisor) bindSingleSocket(ctx context.Context, user domain.UserId, socketID domain.SocketId) {
	evicted, err := s.registry.Bind(ctx, user, socketID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("session bind failed", "user", user, "error", err)
		}
		return
	}
	for _, old := range evicted {
		_ = s.hub.DisconnectSocket(old)
		if s.evictions != nil {
			if err := s.evictions.Publish(ctx, old); err != nil && s.logger != nil {
				s.logger.Warnw("failed to publish eviction", "socketId", old, "error", err)
			}
		}
	}
}

// autoJoinRooms looks up the room ids a freshly authenticated user should
// join and adds them to the session registry.
func (s *ChatSupervisor) autoJoinRooms(ctx context.Context, user domain.UserId, socketID domain.SocketId, token string) {
	if s.jobsClient == nil {
		return
	}
	roomIDs, err := s.jobsClient.RoomIDs(ctx, token)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("jobs service room lookup failed", "user", user, "error", err)
		}
		return
	}
	if err := s.registry.AddRooms(ctx, user, roomIDs); err != nil && s.logger != nil {
		s.logger.Warnw("failed to persist auto-join rooms", "user", user, "error", err)
	}
	for _, roomID := range roomIDs {
		if err := s.hub.JoinRoom(roomID, socketID); err != nil && s.logger != nil {
			s.logger.Warnw("failed to join auto-join room", "roomId", roomID, "error", err)
		}
	}
}

func (s *ChatSupervisor) readLoop(ctx context.Context, socketID domain.SocketId, user domain.UserId, ws *websocket.Conn) {
	for {
		var env clientEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		s.dispatch(ctx, socketID, user, env)
	}
}

func (s *ChatSupervisor) dispatch(ctx context.Context, socketID domain.SocketId, user domain.UserId, env clientEnvelope) {
	switch env.Event {
	case "message.send":
		var msg domain.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		msg.SenderId = user
		ack, err := s.gateway.HandleMessageSend(ctx, msg)
		s.replyOrError(socketID, "message.send.ack", ack, err)

	case "message.sendNonBlocking":
		var msg domain.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		msg.SenderId = user
		ack, err := s.gateway.HandleMessageSendNonBlocking(ctx, msg)
		s.replyOrError(socketID, "message.send.ack", ack, err)

	case "message.pin":
		err := s.gateway.HandleMessagePin(ctx, env.JobID, env.Payload)
		s.replyOrError(socketID, "message.pin.ack", nil, err)

	case "message.unpin":
		err := s.gateway.HandleMessageUnpin(ctx, env.JobID, env.Payload)
		s.replyOrError(socketID, "message.unpin.ack", nil, err)

	case "message.read":
		err := s.gateway.HandleMessageRead(ctx, env.JobID, env.Payload)
		s.replyOrError(socketID, "message.read.ack", nil, err)

	case "message.typing":
		_ = s.gateway.HandleMessageTyping(ctx, socketID, env.JobID, env.Payload)

	case "room.join":
		ack, err := s.gateway.HandleRoomJoin(ctx, socketID, env.RoomID)
		s.replyOrError(socketID, "room.join.ack", ack, err)

	case "room.leave":
		ack, err := s.gateway.HandleRoomLeave(ctx, socketID, env.RoomID)
		s.replyOrError(socketID, "room.leave.ack", ack, err)
	}
}

func (s *ChatSupervisor) replyOrError(socketID domain.SocketId, event string, payload interface{}, err error) {
	if err != nil {
		_ = s.hub.SendToSocket("", socketID, event, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	_ = s.hub.SendToSocket("", socketID, event, payload)
}

func (s *ChatSupervisor) disconnect(ctx context.Context, socketID domain.SocketId) {
	if err := s.registry.Unbind(ctx, socketID); err != nil && s.logger != nil {
		s.logger.Warnw("session unbind failed", "socketId", socketID, "error", err)
	}
	s.hub.Unregister(socketID)
	if s.logger != nil {
		s.logger.Infow("chat socket disconnected", "socketId", socketID)
	}
}
