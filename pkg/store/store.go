// Package store holds the durable collaborators of the chat engine: the
// append-only message log and the membership / device token directory.
package store

import (
	"context"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

// AppendResult counts rows written and rows that already existed.
type AppendResult struct {
	Inserted int
	Skipped  int
}

// MessageLog is the append-only message history. Rows are unique on
// (sender, room, body, timestamp) and every read is ordered consistently
// with model.Key.
type MessageLog interface {
	Close() error
	Ping(ctx context.Context) error

	// Append writes msgs, ignoring rows that already exist.
	Append(ctx context.Context, msgs []model.Message) (AppendResult, error)
	// Range returns the messages of a room with from <= key < to, ascending.
	Range(ctx context.Context, roomID int64, from, to model.Key) ([]model.Message, error)
	// Before returns the newest limit messages with key < before, ascending.
	Before(ctx context.Context, roomID int64, before model.Key, limit int) ([]model.Message, error)
	// FullHistory returns every message of a room, ascending.
	FullHistory(ctx context.Context, roomID int64) ([]model.Message, error)
}

// Directory is the durable source of room membership and device tokens.
type Directory interface {
	Close() error
	Ping(ctx context.Context) error

	RoomMembers(ctx context.Context, roomID int64) ([]int64, error)
	UserRooms(ctx context.Context, userID int64) ([]int64, error)
	AddMember(ctx context.Context, roomID, userID int64) error
	RemoveMember(ctx context.Context, roomID, userID int64) error

	UserTokens(ctx context.Context, userID int64) ([]model.PushToken, error)
	SaveToken(ctx context.Context, token model.PushToken) error
	DeleteTokens(ctx context.Context, tokens []string) error
}

func reverse(msgs []model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
