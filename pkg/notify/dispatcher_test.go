package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/cache"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/push"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/store"
)

var errUnregistered = errors.New("registration-token-not-registered")

type fakeGateway struct {
	mu           sync.Mutex
	batches      []push.Batch
	unregistered map[string]bool
	err          error
}

func (g *fakeGateway) SendMulticast(ctx context.Context, b push.Batch) ([]push.TokenResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = append(g.batches, b)
	if g.err != nil {
		return nil, g.err
	}

	results := make([]push.TokenResult, 0, len(b.Tokens))
	for _, tok := range b.Tokens {
		r := push.TokenResult{Token: tok}
		if g.unregistered[tok] {
			r.Err = errUnregistered
			r.Invalid = true
		}
		results = append(results, r)
	}
	return results, nil
}

func (g *fakeGateway) sentTokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, b := range g.batches {
		out = append(out, b.Tokens...)
	}
	sort.Strings(out)
	return out
}

func (g *fakeGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = nil
}

type fixture struct {
	dir        *store.SQLiteStore
	tokens     *cache.Tokens
	gateway    *fakeGateway
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dir, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })

	tokens := cache.NewTokens(client, dir)
	gw := &fakeGateway{unregistered: map[string]bool{}}
	return &fixture{
		dir:        dir,
		tokens:     tokens,
		gateway:    gw,
		dispatcher: NewDispatcher(cache.NewMembers(client, dir), tokens, dir, gw, zerolog.Nop()),
	}
}

func token(user int64) string {
	return fmt.Sprintf("tok-%d", user)
}

// seedRoom adds users 1..n to room with one token each; odd users are on
// android, even users on ios.
func (f *fixture) seedRoom(t *testing.T, room int64, n int64) {
	t.Helper()
	ctx := context.Background()
	for user := int64(1); user <= n; user++ {
		require.NoError(t, f.dir.AddMember(ctx, room, user))
		platform := model.PlatformIOS
		if user%2 == 1 {
			platform = model.PlatformAndroid
		}
		require.NoError(t, f.dir.SaveToken(ctx, model.PushToken{UserID: user, Token: token(user), Platform: platform}))
	}
}

func TestDispatchExcludesSender(t *testing.T) {
	f := newFixture(t)
	f.seedRoom(t, 5, 4)

	m := model.Message{RoomID: 5, SenderID: 2, Body: "hi", Timestamp: 1760000000000}
	report, err := f.dispatcher.Dispatch(context.Background(), 5, m.SenderID, ChatMessage(m))
	require.NoError(t, err)

	assert.Equal(t, 3, report.Recipients)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, []string{token(1), token(3), token(4)}, f.gateway.sentTokens())
	assert.NotContains(t, f.gateway.sentTokens(), token(2))
}

func TestDispatchPartitionsByPlatform(t *testing.T) {
	f := newFixture(t)
	f.seedRoom(t, 5, 4)

	_, err := f.dispatcher.Dispatch(context.Background(), 5, 0, RoomEvent(EventJoin, 5, 4))
	require.NoError(t, err)

	require.Len(t, f.gateway.batches, 2)
	for _, b := range f.gateway.batches {
		assert.Equal(t, "join", b.Notification.Kind)
		switch b.Platform {
		case model.PlatformAndroid:
			assert.ElementsMatch(t, []string{token(1), token(3)}, b.Tokens)
		case model.PlatformIOS:
			assert.ElementsMatch(t, []string{token(2), token(4)}, b.Tokens)
		default:
			t.Fatalf("unexpected platform %q", b.Platform)
		}
	}
}

func TestDispatchPrunesUnregisteredTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRoom(t, 5, 10)
	f.gateway.unregistered[token(4)] = true
	f.gateway.unregistered[token(7)] = true

	m := model.Message{RoomID: 5, SenderID: 1, Body: "hello", Timestamp: 1760000000000}
	report, err := f.dispatcher.Dispatch(ctx, 5, 1, ChatMessage(m))
	require.NoError(t, err)

	assert.Equal(t, 9, report.Recipients)
	assert.Equal(t, 9, report.Tokens)
	assert.Equal(t, 7, report.Sent)
	assert.Equal(t, 2, report.Failed)
	assert.ElementsMatch(t, []string{token(4), token(7)}, report.Pruned)

	for _, user := range []int64{4, 7} {
		durable, err := f.dir.UserTokens(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, durable)

		cached, err := f.tokens.Get(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, cached)
	}

	f.gateway.reset()
	report, err = f.dispatcher.Dispatch(ctx, 5, 1, ChatMessage(m))
	require.NoError(t, err)
	assert.Equal(t, 7, report.Sent)
	assert.Empty(t, report.Pruned)
	sent := f.gateway.sentTokens()
	assert.Len(t, sent, 7)
	assert.NotContains(t, sent, token(4))
	assert.NotContains(t, sent, token(7))
	assert.NotContains(t, sent, token(1))
}

func TestDispatchGatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.seedRoom(t, 5, 3)
	f.gateway.err = errors.New("gateway down")

	report, err := f.dispatcher.Dispatch(context.Background(), 5, 1, RoomEvent(EventLeave, 5, 1))
	require.Error(t, err)
	assert.Equal(t, model.KindUnavailable, model.KindOf(err))
	assert.Equal(t, 2, report.Failed)
	assert.Empty(t, report.Pruned)

	tokens, err := f.dir.UserTokens(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, tokens, 1, "transient failures keep tokens")
}

func TestDispatchEmptyRoom(t *testing.T) {
	f := newFixture(t)
	report, err := f.dispatcher.Dispatch(context.Background(), 42, 1, RoomEvent(EventStart, 42, 1))
	require.NoError(t, err)
	assert.Zero(t, report.Recipients)
	assert.Empty(t, f.gateway.batches)
}

func TestDispatchAsync(t *testing.T) {
	f := newFixture(t)
	f.seedRoom(t, 5, 3)

	m := model.Message{RoomID: 5, SenderID: 3, Body: "later", Timestamp: 1760000000000}
	f.dispatcher.DispatchAsync(5, 3, ChatMessage(m))
	f.dispatcher.Wait()

	assert.Equal(t, []string{token(1), token(2)}, f.gateway.sentTokens())
}

func TestChatMessagePreview(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = '가'
	}
	n := ChatMessage(model.Message{RoomID: 1, SenderID: 2, Body: string(long), Timestamp: 1760000000000})
	assert.Len(t, []rune(n.Body), previewLength)
	assert.Equal(t, "2", n.Data["senderId"])
	assert.Equal(t, "chat", n.Kind)
}
