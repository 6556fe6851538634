package conn

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"confluence/internal/domain"
	"confluence/internal/room"
	"confluence/internal/streaming"
	"confluence/internal/transportsvc"
)

// mediaEnvelope is the wire shape of every inbound media-socket message
//.
type mediaEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinRoomPayload struct {
	RoomID   domain.RoomId `json:"roomId"`
	Password string        `json:"password,omitempty"`
}

type requestTransportPayload struct {
	Role       room.Role         `json:"role"`
	StreamKind domain.StreamKind `json:"streamKind,omitempty"`
	AudioPid   domain.ProducerId `json:"audioPid,omitempty"`
	VideoPid   domain.ProducerId `json:"videoPid,omitempty"`
}

type connectTransportPayload struct {
	Role           room.Role         `json:"role"`
	AudioPid       domain.ProducerId `json:"audioPid,omitempty"`
	DtlsParameters json.RawMessage   `json:"dtlsParameters"`
}

type startProducingPayload struct {
	StreamKind    domain.StreamKind `json:"streamKind"`
	RtpParameters json.RawMessage   `json:"rtpParameters"`
}

type consumeMediaPayload struct {
	RTPCapabilities json.RawMessage   `json:"rtpCapabilities"`
	ProducerID      domain.ProducerId `json:"producerId"`
	StreamKind      domain.StreamKind `json:"streamKind,omitempty"`
}

type unpauseConsumerPayload struct {
	ProducerID domain.ProducerId `json:"producerId"`
}

type audioChangePayload struct {
	Op transportsvc.AudioOp `json:"op"`
}

type closeProducersPayload struct {
	ProducerIDs []domain.ProducerId `json:"producerIds"`
}

// StreamSupervisor implements the alternative, anonymous connection model
// for the media socket: no token, userId/displayName read from the
// handshake query, a Peer materialized on joinRoom immediately. Unlike the
// chat supervisor it is genuinely stateless per connection at the Gateway
// layer — the *room.Room/*room.Peer pair lives on this supervisor's own
// goroutine,
// matching "per-peer work serialized by handler dispatch on its
// socket".
type StreamSupervisor struct {
	hub     *Hub
	gateway *streaming.Gateway
	limiter *HandshakeLimiter
	logger  *zap.SugaredLogger
}

func NewStreamSupervisor(hub *Hub, gateway *streaming.Gateway, limiter *HandshakeLimiter, logger *zap.SugaredLogger) *StreamSupervisor {
	return &StreamSupervisor{hub: hub, gateway: gateway, limiter: limiter, logger: logger}
}

func (s *StreamSupervisor) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("media websocket upgrade failed", "error", err)
		}
		return
	}

	socketID := domain.SocketId(uuid.NewString())
	s.hub.Register(socketID, ws)

	userID := domain.UserId(r.URL.Query().Get("userId"))
	if userID == "" {
		userID = domain.UserId(uuid.NewString())
	}
	displayName := r.URL.Query().Get("displayName")

	state := &peerState{userID: userID, displayName: displayName, socketID: socketID}

	ctx := context.Background()
	s.readLoop(ctx, socketID, ws, state)

	if state.room != nil && state.peer != nil {
		roomID := state.room.ID()
		if err := s.gateway.LeaveRoom(ctx, state.room, state.peer); err != nil && s.logger != nil {
			s.logger.Warnw("leave room on disconnect failed", "roomId", roomID, "error", err)
		}
		_ = s.hub.LeaveRoom(roomID, socketID)
	}
	s.hub.Unregister(socketID)
}

// peerState holds the one room/peer pair this socket may join — the media
// socket model allows exactly one room per connection.
type peerState struct {
	userID      domain.UserId
	displayName string
	socketID    domain.SocketId

	room *room.Room
	peer *room.Peer
}

func (s *StreamSupervisor) readLoop(ctx context.Context, socketID domain.SocketId, ws *websocket.Conn, state *peerState) {
	for {
		var env mediaEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		s.dispatch(ctx, socketID, env, state)
	}
}

func (s *StreamSupervisor) dispatch(ctx context.Context, socketID domain.SocketId, env mediaEnvelope, state *peerState) {
	switch env.Event {
	case "joinRoom":
		var p joinRoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		result, err := s.gateway.JoinRoom(ctx, streaming.JoinRoomRequest{
			RoomID:      p.RoomID,
			UserID:      state.userID,
			DisplayName: state.displayName,
			SocketID:    socketID,
			Password:    p.Password,
		})
		if err != nil {
			s.replyError(socketID, "joinRoom.ack", err)
			return
		}
		state.room = result.Room
		state.peer = result.Peer
		_ = s.hub.JoinRoom(result.Room.ID(), socketID)
		s.reply(socketID, "joinRoom.ack", map[string]interface{}{
			"roomId":      result.Room.ID(),
			"isNewRoom":   result.IsNewRoom,
			"initialView": result.InitialView,
		})

	case "requestTransport":
		if state.room == nil || state.peer == nil {
			return
		}
		var p requestTransportPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		params, err := s.gateway.RequestTransport(ctx, state.room, state.peer, transportsvc.TransportRequest{
			Role:       p.Role,
			StreamKind: p.StreamKind,
			AudioPid:   p.AudioPid,
			VideoPid:   p.VideoPid,
		})
		if err != nil {
			s.replyError(socketID, "requestTransport.ack", err)
			return
		}
		s.reply(socketID, "requestTransport.ack", params)

	case "connectTransport":
		if state.peer == nil {
			return
		}
		var p connectTransportPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		err := s.gateway.ConnectTransport(ctx, state.peer, streaming.ConnectTransportRequest{
			Role:           p.Role,
			AudioPid:       p.AudioPid,
			DtlsParameters: p.DtlsParameters,
		})
		if err != nil {
			s.replyError(socketID, "connectTransport.ack", err)
			return
		}
		s.reply(socketID, "connectTransport.ack", map[string]bool{"connected": true})

	case "startProducing":
		if state.room == nil || state.peer == nil {
			return
		}
		var p startProducingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		result, err := s.gateway.StartProducing(ctx, state.room, state.peer, streaming.StartProducingRequest{
			StreamKind:    p.StreamKind,
			RtpParameters: p.RtpParameters,
		})
		if err != nil {
			s.replyError(socketID, "startProducing.ack", err)
			return
		}
		s.reply(socketID, "startProducing.ack", result)

	case "consumeMedia":
		if state.room == nil || state.peer == nil {
			return
		}
		var p consumeMediaPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		result, err := s.gateway.ConsumeMedia(ctx, state.room, state.peer, p.RTPCapabilities, p.ProducerID, p.StreamKind)
		if err != nil {
			s.replyError(socketID, "consumeMedia.ack", err)
			return
		}
		s.reply(socketID, "consumeMedia.ack", result)

	case "unpauseConsumer":
		if state.peer == nil {
			return
		}
		var p unpauseConsumerPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		err := s.gateway.UnpauseConsumer(ctx, state.peer, p.ProducerID)
		if err != nil {
			s.replyError(socketID, "unpauseConsumer.ack", err)
			return
		}
		s.reply(socketID, "unpauseConsumer.ack", map[string]bool{"ok": true})

	case "audioChange":
		if state.peer == nil {
			return
		}
		var p audioChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if err := s.gateway.AudioChange(ctx, state.peer, p.Op); err != nil {
			s.replyError(socketID, "audioChange.ack", err)
			return
		}
		s.reply(socketID, "audioChange.ack", map[string]bool{"ok": true})

	case "closeProducers":
		if state.room == nil || state.peer == nil {
			return
		}
		var p closeProducersPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if err := s.gateway.CloseProducers(ctx, state.room, state.peer, p.ProducerIDs); err != nil {
			s.replyError(socketID, "closeProducers.ack", err)
			return
		}
		s.reply(socketID, "closeProducers.ack", map[string]bool{"ok": true})

	case "leaveRoom":
		if state.room == nil || state.peer == nil {
			return
		}
		roomID := state.room.ID()
		err := s.gateway.LeaveRoom(ctx, state.room, state.peer)
		_ = s.hub.LeaveRoom(roomID, socketID)
		state.room = nil
		state.peer = nil
		if err != nil {
			s.replyError(socketID, "leaveRoom.ack", err)
			return
		}
		s.reply(socketID, "leaveRoom.ack", map[string]bool{"left": true})
	}
}

func (s *StreamSupervisor) reply(socketID domain.SocketId, event string, payload interface{}) {
	_ = s.hub.SendToSocket("", socketID, event, payload)
}

func (s *StreamSupervisor) replyError(socketID domain.SocketId, event string, err error) {
	_ = s.hub.SendToSocket("", socketID, event, map[string]interface{}{"ok": false, "error": err.Error()})
}
