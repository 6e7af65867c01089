// Package flush drains room caches into the durable message log.
package flush

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/metrics"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/store"
)

const scanCount = 100

// Window is the part of the room cache the scheduler drains.
type Window interface {
	All(ctx context.Context, roomID int64) ([]model.Message, error)
	RangeByRank(ctx context.Context, roomID, lo, hi int64) ([]model.Message, error)
	Len(ctx context.Context, roomID int64) (int64, error)
	Evict(ctx context.Context, roomID int64, msgs []model.Message) (int64, error)
	ActiveRooms(ctx context.Context, cursor uint64, count int64) ([]int64, uint64, error)
}

type Options struct {
	Interval time.Duration
	// Threshold > 0 enables Trigger: a room longer than Threshold is flushed
	// down to its newest Retain messages.
	Threshold int64
	Retain    int64
}

// Stats describes one pass over the active rooms.
type Stats struct {
	Rooms    int
	Failed   int
	Inserted int
	Skipped  int
}

type Scheduler struct {
	window Window
	log    store.MessageLog
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[int64]bool
	wg       sync.WaitGroup
}

func NewScheduler(window Window, log store.MessageLog, opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		window:   window,
		log:      log,
		opts:     opts,
		logger:   logger.With().Str("component", "flush").Logger(),
		inflight: make(map[int64]bool),
	}
}

// Run flushes every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.opts.Interval).Msg("flush scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info().Msg("flush scheduler stopped")
			return
		case <-ticker.C:
			stats, err := s.FlushOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("flush pass aborted")
				continue
			}
			s.logger.Info().
				Int("rooms", stats.Rooms).
				Int("failed", stats.Failed).
				Int("inserted", stats.Inserted).
				Int("skipped", stats.Skipped).
				Msg("flush pass complete")
		}
	}
}

// FlushOnce walks every active room and flushes it completely. A room whose
// append fails keeps its cache and is counted in Stats.Failed; only a failed
// scan aborts the pass.
func (s *Scheduler) FlushOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	var cursor uint64
	for {
		rooms, next, err := s.window.ActiveRooms(ctx, cursor, scanCount)
		if err != nil {
			return stats, model.Wrap(model.KindUnavailable, "scan rooms", err)
		}

		for _, room := range rooms {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Rooms++
			res, err := s.FlushRoom(ctx, room, 0)
			if err != nil {
				stats.Failed++
				s.logger.Error().Err(err).Int64("room_id", room).Msg("room flush failed, keeping cache")
				continue
			}
			stats.Inserted += res.Inserted
			stats.Skipped += res.Skipped
		}

		cursor = next
		if cursor == 0 {
			return stats, nil
		}
	}
}

// FlushRoom appends the cached messages of roomID to the log, leaving the
// newest retain messages cached. Messages are evicted only after the append
// succeeded, and only those that were appended.
func (s *Scheduler) FlushRoom(ctx context.Context, roomID, retain int64) (store.AppendResult, error) {
	var (
		snapshot []model.Message
		err      error
	)
	if retain <= 0 {
		snapshot, err = s.window.All(ctx, roomID)
	} else {
		var n int64
		n, err = s.window.Len(ctx, roomID)
		if err == nil && n > retain {
			snapshot, err = s.window.RangeByRank(ctx, roomID, 0, n-retain-1)
		}
	}
	if err != nil {
		metrics.FlushRuns.WithLabelValues("error").Inc()
		return store.AppendResult{}, model.Wrap(model.KindUnavailable, "read room cache", err)
	}
	if len(snapshot) == 0 {
		return store.AppendResult{}, nil
	}

	res, err := s.log.Append(ctx, snapshot)
	if err != nil {
		metrics.FlushRuns.WithLabelValues("error").Inc()
		return store.AppendResult{}, model.Wrap(model.KindUnavailable, "append room log", err)
	}
	metrics.FlushedMessages.Add(float64(res.Inserted))

	if _, err := s.window.Evict(ctx, roomID, snapshot); err != nil {
		// already durable; the next pass appends nothing and evicts again
		metrics.FlushRuns.WithLabelValues("error").Inc()
		return res, model.Wrap(model.KindUnavailable, "evict room cache", err)
	}
	metrics.FlushRuns.WithLabelValues("ok").Inc()

	s.logger.Debug().
		Int64("room_id", roomID).
		Int("inserted", res.Inserted).
		Int("skipped", res.Skipped).
		Int64("retain", retain).
		Msg("flushed room")
	return res, nil
}

// Trigger flushes roomID in the background when its cache has grown past
// the threshold. Concurrent triggers for the same room collapse into one.
func (s *Scheduler) Trigger(roomID int64) {
	if s.opts.Threshold <= 0 {
		return
	}

	s.mu.Lock()
	if s.inflight[roomID] {
		s.mu.Unlock()
		return
	}
	s.inflight[roomID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, roomID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := s.window.Len(ctx, roomID)
		if err != nil {
			s.logger.Error().Err(err).Int64("room_id", roomID).Msg("failed to read room cache size")
			return
		}
		if n <= s.opts.Threshold {
			return
		}
		if _, err := s.FlushRoom(ctx, roomID, s.opts.Retain); err != nil {
			s.logger.Error().Err(err).Int64("room_id", roomID).Msg("size triggered flush failed")
		}
	}()
}

// Wait blocks until every triggered flush has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
