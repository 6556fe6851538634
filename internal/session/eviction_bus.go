package session

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// evictionChannel is the pub/sub channel used to disconnect a stale socket
// that may live on a different process/node than the one handling the new
// bind, so single-socket enforcement works across cluster nodes.
const evictionChannel = "confluence:socket:evict"

type evictionMessage struct {
	SocketID   string `json:"socketId"`
	InstanceID string `json:"instanceId"`
}

// EvictionBus publishes and subscribes to cross-node eviction notices.
type EvictionBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewEvictionBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EvictionBus {
	return &EvictionBus{client: client, instanceID: instanceID, logger: logger}
}

// Publish announces that socketID should be force-disconnected, regardless
// of which node holds that connection.
func (b *EvictionBus) Publish(ctx context.Context, socketID string) error {
	msg, err := json.Marshal(evictionMessage{SocketID: socketID, InstanceID: b.instanceID})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, evictionChannel, msg).Err()
}

// Subscribe blocks, invoking onEvict for every eviction notice not
// originated by this instance (this instance already disconnected the
// socket locally when it called Publish).
func (b *EvictionBus) Subscribe(ctx context.Context, onEvict func(socketID string)) error {
	sub := b.client.Subscribe(ctx, evictionChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m evictionMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				if b.logger != nil {
					b.logger.Warnw("eviction bus: bad payload", "error", err)
				}
				continue
			}
			if m.InstanceID == b.instanceID {
				continue
			}
			onEvict(m.SocketID)
		}
	}
}
