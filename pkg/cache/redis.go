// Package cache keeps the hot per-room state in Redis: the sliding window of
// recent messages, room membership and per-user push tokens.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// emptyMarker is stored in otherwise empty sets and hashes so that "loaded
// and empty" can be told apart from "not loaded".
const emptyMarker = "~"

// NewClient connects to Redis. A non-empty url takes precedence over addr.
func NewClient(ctx context.Context, addr, url string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if url != "" {
		var err error
		if opts, err = redis.ParseURL(url); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

const (
	roomMessagesPattern = "chat:room:*:messages"
	roomMessagesPrefix  = "chat:room:"
	roomMessagesSuffix  = ":messages"
)

// roomMessagesKey returns the key for a room's message sorted set.
func roomMessagesKey(roomID int64) string {
	return fmt.Sprintf("chat:room:%d:messages", roomID)
}

// roomFromMessagesKey is the inverse of roomMessagesKey.
func roomFromMessagesKey(key string) (int64, bool) {
	if !strings.HasPrefix(key, roomMessagesPrefix) || !strings.HasSuffix(key, roomMessagesSuffix) {
		return 0, false
	}
	id, err := strconv.ParseInt(key[len(roomMessagesPrefix):len(key)-len(roomMessagesSuffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func roomMembersKey(roomID int64) string {
	return fmt.Sprintf("chat:room:%d:members", roomID)
}

func userTokensKey(userID int64) string {
	return fmt.Sprintf("push:user:%d:tokens", userID)
}
