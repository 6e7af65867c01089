package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// MemberLoader reads room membership from the durable directory.
type MemberLoader interface {
	RoomMembers(ctx context.Context, roomID int64) ([]int64, error)
}

// Members caches the member set of each room, loading it on first use.
type Members struct {
	client *redis.Client
	loader MemberLoader
}

func NewMembers(client *redis.Client, loader MemberLoader) *Members {
	return &Members{client: client, loader: loader}
}

// Get returns the member ids of a room.
func (m *Members) Get(ctx context.Context, roomID int64) ([]int64, error) {
	key := roomMembersKey(roomID)

	values, err := m.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return m.Refresh(ctx, roomID)
	}

	ids := make([]int64, 0, len(values))
	for _, v := range values {
		if v == emptyMarker {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse cached member %q: %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Contains reports whether userID belongs to roomID.
func (m *Members) Contains(ctx context.Context, roomID, userID int64) (bool, error) {
	ids, err := m.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// Refresh replaces the cached member set with the durable one.
func (m *Members) Refresh(ctx context.Context, roomID int64) ([]int64, error) {
	ids, err := m.loader.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load members of room %d: %w", roomID, err)
	}

	values := make([]interface{}, 0, len(ids)+1)
	values = append(values, emptyMarker)
	for _, id := range ids {
		values = append(values, strconv.FormatInt(id, 10))
	}

	key := roomMembersKey(roomID)
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SAdd(ctx, key, values...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
