// Package session implements the Session Registry: the user<->socket
// and user->rooms mappings over Redis, plus a clustered pub/sub adapter used
// to evict a stale socket living on another node. Grounded in a TTL'd Redis
// registration plus pub/sub fan-out pattern across instances, generalized
// from peer/stream membership to user/socket/room keys.
package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"confluence/internal/domain"
	apperrors "confluence/pkg/errors"
)

const (
	keyUserSockets = "user:sockets:%s" // set
	keySocketUser  = "socket:user:%s"  // string
	keyUserRooms   = "user:rooms:%s"   // set
)

// Registry implements the session registry's bind/unbind/addRooms
// operations, each backed by a single atomic Redis pipeline so bind never
// races.
type Registry struct {
	client *redis.Client
}

func New(client *redis.Client) *Registry {
	return &Registry{client: client}
}

// Bind records socket as the single live socket for user, evicting any
// sockets previously bound to user. It returns the socket ids that were
// evicted so the caller can disconnect them — including on other
// cluster nodes, via the Evictions pub/sub channel.
func (r *Registry) Bind(ctx context.Context, user domain.UserId, socket domain.SocketId) (evicted []domain.SocketId, err error) {
	existing, err := r.client.SMembers(ctx, fmt.Sprintf(keyUserSockets, user)).Result()
	if err != nil && err != redis.Nil {
		return nil, apperrors.NewStoreUnavailableError(err)
	}

	pipe := r.client.TxPipeline()
	for _, s := range existing {
		if s == socket {
			continue
		}
		pipe.SRem(ctx, fmt.Sprintf(keyUserSockets, user), s)
		pipe.Del(ctx, fmt.Sprintf(keySocketUser, s))
		evicted = append(evicted, s)
	}
	pipe.SAdd(ctx, fmt.Sprintf(keyUserSockets, user), socket)
	pipe.Set(ctx, fmt.Sprintf(keySocketUser, socket), user, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.NewStoreUnavailableError(err)
	}
	return evicted, nil
}

// Unbind removes socket from its user's set and deletes the reverse mapping.
func (r *Registry) Unbind(ctx context.Context, socket domain.SocketId) error {
	user, err := r.client.Get(ctx, fmt.Sprintf(keySocketUser, socket)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return apperrors.NewStoreUnavailableError(err)
	}

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, fmt.Sprintf(keyUserSockets, user), socket)
	pipe.Del(ctx, fmt.Sprintf(keySocketUser, socket))
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewStoreUnavailableError(err)
	}
	return nil
}

// AddRooms persists the set of rooms a user should auto-join on connect.
func (r *Registry) AddRooms(ctx context.Context, user domain.UserId, roomIDs []domain.RoomId) error {
	if len(roomIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(roomIDs))
	for i, id := range roomIDs {
		members[i] = id
	}
	if err := r.client.SAdd(ctx, fmt.Sprintf(keyUserRooms, user), members...).Err(); err != nil {
		return apperrors.NewStoreUnavailableError(err)
	}
	return nil
}

func (r *Registry) RoomsOf(ctx context.Context, user domain.UserId) ([]domain.RoomId, error) {
	rooms, err := r.client.SMembers(ctx, fmt.Sprintf(keyUserRooms, user)).Result()
	if err != nil && err != redis.Nil {
		return nil, apperrors.NewStoreUnavailableError(err)
	}
	return rooms, nil
}

func (r *Registry) UserOf(ctx context.Context, socket domain.SocketId) (domain.UserId, bool, error) {
	user, err := r.client.Get(ctx, fmt.Sprintf(keySocketUser, socket)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.NewStoreUnavailableError(err)
	}
	return user, true, nil
}

func (r *Registry) SocketsOf(ctx context.Context, user domain.UserId) ([]domain.SocketId, error) {
	sockets, err := r.client.SMembers(ctx, fmt.Sprintf(keyUserSockets, user)).Result()
	if err != nil && err != redis.Nil {
		return nil, apperrors.NewStoreUnavailableError(err)
	}
	return sockets, nil
}
