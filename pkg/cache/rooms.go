package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

// RoomCache is the per-room ordered window of recent messages. Each room is
// a sorted set whose members are encoded messages scored by their ordering
// key, so re-adding an identical message is a no-op.
type RoomCache struct {
	client *redis.Client
}

func NewRoomCache(client *redis.Client) *RoomCache {
	return &RoomCache{client: client}
}

// KeyRange selects messages by ordering key. Limit <= 0 means no limit.
type KeyRange struct {
	Min, Max         model.Key
	MinOpen, MaxOpen bool
	Limit            int64
}

// Add stores msgs and reports how many were not already cached.
func (c *RoomCache) Add(ctx context.Context, msgs ...model.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	byRoom := make(map[int64][]redis.Z)
	for _, m := range msgs {
		member, err := m.Encode()
		if err != nil {
			return 0, fmt.Errorf("encode message: %w", err)
		}
		byRoom[m.RoomID] = append(byRoom[m.RoomID], redis.Z{
			Score:  m.Key().Score(),
			Member: member,
		})
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(byRoom))
	for roomID, zs := range byRoom {
		cmds = append(cmds, pipe.ZAdd(ctx, roomMessagesKey(roomID), zs...))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	var added int64
	for _, cmd := range cmds {
		added += cmd.Val()
	}
	return added, nil
}

// RankOf returns the zero-based position of m in its room, oldest first.
func (c *RoomCache) RankOf(ctx context.Context, m model.Message) (int64, bool, error) {
	member, err := m.Encode()
	if err != nil {
		return 0, false, fmt.Errorf("encode message: %w", err)
	}

	rank, err := c.client.ZRank(ctx, roomMessagesKey(m.RoomID), member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

// RangeByRank returns the messages between lo and hi inclusive, ascending.
func (c *RoomCache) RangeByRank(ctx context.Context, roomID, lo, hi int64) ([]model.Message, error) {
	members, err := c.client.ZRange(ctx, roomMessagesKey(roomID), lo, hi).Result()
	if err != nil {
		return nil, err
	}
	return decodeAll(members)
}

// RangeByKey returns the messages inside r, ascending.
func (c *RoomCache) RangeByKey(ctx context.Context, roomID int64, r KeyRange) ([]model.Message, error) {
	by := &redis.ZRangeBy{
		Min: scoreBound(r.Min, r.MinOpen),
		Max: scoreBound(r.Max, r.MaxOpen),
	}
	if r.Limit > 0 {
		by.Count = r.Limit
	}

	members, err := c.client.ZRangeByScore(ctx, roomMessagesKey(roomID), by).Result()
	if err != nil {
		return nil, err
	}
	return decodeAll(members)
}

// OldestKey returns the smallest cached key of a room.
func (c *RoomCache) OldestKey(ctx context.Context, roomID int64) (model.Key, bool, error) {
	zs, err := c.client.ZRangeWithScores(ctx, roomMessagesKey(roomID), 0, 0).Result()
	if err != nil {
		return 0, false, err
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return model.KeyFromScore(zs[0].Score), true, nil
}

func (c *RoomCache) Len(ctx context.Context, roomID int64) (int64, error) {
	return c.client.ZCard(ctx, roomMessagesKey(roomID)).Result()
}

// All returns every cached message of a room, ascending.
func (c *RoomCache) All(ctx context.Context, roomID int64) ([]model.Message, error) {
	return c.RangeByRank(ctx, roomID, 0, -1)
}

// Purge drops the whole room window.
func (c *RoomCache) Purge(ctx context.Context, roomID int64) error {
	return c.client.Del(ctx, roomMessagesKey(roomID)).Err()
}

// Evict removes exactly msgs from their room. Messages added after msgs were
// read are left in place.
func (c *RoomCache) Evict(ctx context.Context, roomID int64, msgs []model.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	members := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		member, err := m.Encode()
		if err != nil {
			return 0, fmt.Errorf("encode message: %w", err)
		}
		members = append(members, member)
	}
	return c.client.ZRem(ctx, roomMessagesKey(roomID), members...).Result()
}

// ActiveRooms walks the cached rooms one SCAN page at a time. It returns
// the next cursor, which is zero once the walk is complete.
func (c *RoomCache) ActiveRooms(ctx context.Context, cursor uint64, count int64) ([]int64, uint64, error) {
	keys, next, err := c.client.Scan(ctx, cursor, roomMessagesPattern, count).Result()
	if err != nil {
		return nil, 0, err
	}

	rooms := make([]int64, 0, len(keys))
	for _, k := range keys {
		if id, ok := roomFromMessagesKey(k); ok {
			rooms = append(rooms, id)
		}
	}
	return rooms, next, nil
}

func scoreBound(k model.Key, open bool) string {
	s := strconv.FormatInt(int64(k), 10)
	if open {
		return "(" + s
	}
	return s
}

func decodeAll(members []string) ([]model.Message, error) {
	msgs := make([]model.Message, 0, len(members))
	for _, data := range members {
		m, err := model.DecodeMessage(data)
		if err != nil {
			return nil, fmt.Errorf("decode cached message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
