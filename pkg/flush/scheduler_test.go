package flush

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/cache"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/history"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/store"
)

const testBase int64 = 1760000000000

type fixture struct {
	rooms *cache.RoomCache
	log   *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	return &fixture{rooms: cache.NewRoomCache(client), log: log}
}

func series(room int64, count int) []model.Message {
	msgs := make([]model.Message, 0, count)
	for i := 0; i < count; i++ {
		msgs = append(msgs, model.Message{
			RoomID:    room,
			SenderID:  int64(i%3 + 1),
			Body:      fmt.Sprintf("message %d", i),
			Timestamp: testBase + int64(i)*1000,
		})
	}
	return msgs
}

// hookLog runs before ahead of every Append and can fail it.
type hookLog struct {
	store.MessageLog
	before func()
	err    error
}

func (l *hookLog) Append(ctx context.Context, msgs []model.Message) (store.AppendResult, error) {
	if l.before != nil {
		l.before()
	}
	if l.err != nil {
		return store.AppendResult{}, l.err
	}
	return l.MessageLog.Append(ctx, msgs)
}

func TestFlushOncePersistsAndEvicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msgs := series(5, 200)
	_, err := f.rooms.Add(ctx, msgs...)
	require.NoError(t, err)
	_, err = f.rooms.Add(ctx, series(6, 3)...)
	require.NoError(t, err)

	s := NewScheduler(f.rooms, f.log, Options{Interval: time.Hour}, zerolog.Nop())
	stats, err := s.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Rooms: 2, Inserted: 203}, stats)

	n, err := f.rooms.Len(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, n)

	durable, err := f.log.FullHistory(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, msgs, durable)

	// a second flush of the same content writes nothing new
	_, err = f.rooms.Add(ctx, msgs...)
	require.NoError(t, err)
	res, err := s.FlushRoom(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, store.AppendResult{Skipped: 200}, res)

	// and the room is still readable backwards from the log alone
	resolver := history.NewResolver(f.rooms, f.log, 50, zerolog.Nop())
	older, err := resolver.Older(ctx, msgs[199], 50)
	require.NoError(t, err)
	assert.Equal(t, msgs[149:199], older)
}

func TestFlushFailureKeepsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msgs := series(5, 20)
	_, err := f.rooms.Add(ctx, msgs...)
	require.NoError(t, err)

	down := &hookLog{MessageLog: f.log, err: errors.New("log down")}
	s := NewScheduler(f.rooms, down, Options{Interval: time.Hour}, zerolog.Nop())

	stats, err := s.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	cached, err := f.rooms.All(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, msgs, cached)

	// the next run succeeds
	down.err = nil
	stats, err = s.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Inserted)
}

func TestFlushKeepsRacingSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msgs := series(5, 10)
	_, err := f.rooms.Add(ctx, msgs...)
	require.NoError(t, err)

	late := model.Message{RoomID: 5, SenderID: 9, Body: "racing", Timestamp: testBase + 60_000}
	racing := &hookLog{MessageLog: f.log, before: func() {
		_, err := f.rooms.Add(ctx, late)
		require.NoError(t, err)
	}}
	s := NewScheduler(f.rooms, racing, Options{Interval: time.Hour}, zerolog.Nop())

	_, err = s.FlushRoom(ctx, 5, 0)
	require.NoError(t, err)

	cached, err := f.rooms.All(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []model.Message{late}, cached)
}

func TestFlushRoomRetainsNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msgs := series(5, 30)
	_, err := f.rooms.Add(ctx, msgs...)
	require.NoError(t, err)

	s := NewScheduler(f.rooms, f.log, Options{Interval: time.Hour}, zerolog.Nop())
	res, err := s.FlushRoom(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Inserted)

	cached, err := f.rooms.All(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, msgs[20:], cached)

	res, err = s.FlushRoom(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, store.AppendResult{}, res)
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := NewScheduler(f.rooms, f.log, Options{Interval: time.Hour, Threshold: 25, Retain: 5}, zerolog.Nop())

	msgs := series(5, 30)
	_, err := f.rooms.Add(ctx, msgs[:20]...)
	require.NoError(t, err)
	s.Trigger(5)
	s.Wait()

	n, err := f.rooms.Len(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n, "below threshold nothing is flushed")

	_, err = f.rooms.Add(ctx, msgs[20:]...)
	require.NoError(t, err)
	s.Trigger(5)
	s.Wait()

	cached, err := f.rooms.All(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, msgs[25:], cached)

	durable, err := f.log.FullHistory(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, msgs[:25], durable)
}

func TestTriggerDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := NewScheduler(f.rooms, f.log, Options{Interval: time.Hour}, zerolog.Nop())

	_, err := f.rooms.Add(ctx, series(5, 30)...)
	require.NoError(t, err)
	s.Trigger(5)
	s.Wait()

	n, err := f.rooms.Len(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)
}

func TestRunFlushesOnTick(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.rooms.Add(ctx, series(5, 5)...)
	require.NoError(t, err)

	s := NewScheduler(f.rooms, f.log, Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		msgs, err := f.log.FullHistory(context.Background(), 5)
		return err == nil && len(msgs) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
