package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/cache"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/history"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/push"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/store"
)

const testNow int64 = 1760000000000

type notifyCall struct {
	RoomID  int64
	Exclude int64
	Kind    string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *fakeNotifier) DispatchAsync(roomID, excludeUserID int64, note push.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{RoomID: roomID, Exclude: excludeUserID, Kind: note.Kind})
}

func (n *fakeNotifier) Calls() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyCall(nil), n.calls...)
}

type fakeFlusher struct {
	mu    sync.Mutex
	rooms []int64
}

func (f *fakeFlusher) Trigger(roomID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomID)
}

type env struct {
	dir      *store.SQLiteStore
	rooms    *cache.RoomCache
	hub      *Hub
	presence *Presence
	notifier *fakeNotifier
	flusher  *fakeFlusher
	handler  *Handler
	clock    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dir, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })

	logger := zerolog.Nop()
	presence := NewPresence()
	hub := NewHub(presence, logger)
	rooms := cache.NewRoomCache(client)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	e := &env{
		dir:      dir,
		rooms:    rooms,
		hub:      hub,
		presence: presence,
		notifier: &fakeNotifier{},
		flusher:  &fakeFlusher{},
		clock:    time.UnixMilli(testNow),
	}
	e.handler = NewHandler(Deps{
		Rooms:       rooms,
		Members:     cache.NewMembers(client, dir),
		Tokens:      cache.NewTokens(client, dir),
		Directory:   dir,
		History:     history.NewResolver(rooms, dir, 50, logger),
		Notifier:    e.notifier,
		Flusher:     e.flusher,
		Broadcaster: NewLocalBroadcaster(hub),
		Hub:         hub,
		Presence:    presence,
		Logger:      logger,
		Now:         func() time.Time { return e.clock },
	})
	return e
}

func (e *env) join(t *testing.T, room int64, users ...int64) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, e.dir.AddMember(context.Background(), room, u))
	}
}

// connect registers a client without a socket, authenticated as user.
func (e *env) connect(t *testing.T, user int64) *Client {
	t.Helper()
	c := newClient(e.hub, nil, user)
	require.True(t, e.hub.Register(c))
	return c
}

func (e *env) do(t *testing.T, c *Client, event string, payload any) Response {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	return e.handler.Handle(context.Background(), c, Request{ID: 1, Event: event, Payload: raw})
}

func (e *env) login(t *testing.T, c *Client) {
	t.Helper()
	resp := e.do(t, c, EventLogin, map[string]any{"userId": c.authUser})
	require.True(t, resp.Success, "login failed: %+v", resp.Error)
}

// pushes drains the frames queued for c.
func pushes(t *testing.T, c *Client) []Push {
	t.Helper()
	var out []Push
	for {
		select {
		case frame := <-c.send:
			var p struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(frame, &p))
			out = append(out, Push{Event: p.Event, Data: p.Data})
		default:
			return out
		}
	}
}
