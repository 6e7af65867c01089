package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

const testBase int64 = 1760000000000

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func msg(room, sender, offset int64, body string) model.Message {
	return model.Message{RoomID: room, SenderID: sender, Body: body, Timestamp: testBase + offset}
}

type fakeDirectory struct {
	members    map[int64][]int64
	tokens     map[int64][]model.PushToken
	memberHits int
	tokenHits  int
	err        error
}

func (f *fakeDirectory) RoomMembers(ctx context.Context, roomID int64) ([]int64, error) {
	f.memberHits++
	if f.err != nil {
		return nil, f.err
	}
	return f.members[roomID], nil
}

func (f *fakeDirectory) UserTokens(ctx context.Context, userID int64) ([]model.PushToken, error) {
	f.tokenHits++
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens[userID], nil
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	client.Close()

	client, err = NewClient(context.Background(), "", "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	mr.Close()
	_, err = NewClient(context.Background(), mr.Addr(), "")
	require.Error(t, err)
}

func TestRoomKeyParsing(t *testing.T) {
	id, ok := roomFromMessagesKey(roomMessagesKey(42))
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	_, ok = roomFromMessagesKey("chat:room:abc:messages")
	require.False(t, ok)
	_, ok = roomFromMessagesKey(roomMembersKey(42))
	require.False(t, ok)
}

var errDirectory = errors.New("directory down")
