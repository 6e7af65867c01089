// Package history answers "load older" and "unread since" reads from the
// room cache, backfilling it from the durable log whenever the cache alone
// cannot answer.
package history

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/cache"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/metrics"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/store"
)

// DefaultBatchSize caps a forward read unless the caller asks for all.
const DefaultBatchSize = 50

// Window is the part of the room cache the resolver reads and extends.
type Window interface {
	Add(ctx context.Context, msgs ...model.Message) (int64, error)
	RankOf(ctx context.Context, m model.Message) (int64, bool, error)
	RangeByRank(ctx context.Context, roomID, lo, hi int64) ([]model.Message, error)
	RangeByKey(ctx context.Context, roomID int64, r cache.KeyRange) ([]model.Message, error)
	OldestKey(ctx context.Context, roomID int64) (model.Key, bool, error)
}

type Resolver struct {
	window    Window
	log       store.MessageLog
	batchSize int
	logger    zerolog.Logger
}

func NewResolver(window Window, log store.MessageLog, batchSize int, logger zerolog.Logger) *Resolver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Resolver{
		window:    window,
		log:       log,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "history").Logger(),
	}
}

func (r *Resolver) BatchSize() int {
	return r.batchSize
}

// Older returns up to n messages immediately preceding ref, ascending. ref
// itself is not part of the result.
func (r *Resolver) Older(ctx context.Context, ref model.Message, n int) ([]model.Message, error) {
	const op = "load older"

	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = r.batchSize
	}
	room := ref.RoomID

	rank, found, err := r.window.RankOf(ctx, ref)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}

	if !found {
		// ref predates the window: pull [ref, oldest) so the window reaches it
		to, err := r.upperBound(ctx, room)
		if err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}
		if err := r.backfillRange(ctx, room, ref.Key(), to, "older"); err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}

		rank, found, err = r.window.RankOf(ctx, ref)
		if err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}
		if !found {
			return nil, model.Errorf(model.KindNotFound, op, "message %s not found in room %d", ref.Key(), room)
		}
	}

	if rank < int64(n) {
		oldest, ok, err := r.window.OldestKey(ctx, room)
		if err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}
		if ok {
			shortfall := int64(n) - rank
			older, err := r.log.Before(ctx, room, oldest, int(shortfall))
			if err != nil {
				return nil, model.Wrap(model.KindUnavailable, op, err)
			}
			// the cache must end on whole key groups: the oldest cached one
			// may be partial after an eviction and LIMIT may cut the new one
			bounds := []model.Key{oldest}
			if len(older) > 0 {
				bounds = append(bounds, older[0].Key())
			}
			for _, k := range bounds {
				group, err := r.log.Range(ctx, room, k, k+1)
				if err != nil {
					return nil, model.Wrap(model.KindUnavailable, op, err)
				}
				older = append(older, group...)
			}
			if err := r.seed(ctx, older, "older"); err != nil {
				return nil, model.Wrap(model.KindUnavailable, op, err)
			}
			if len(older) > 0 {
				if rank, found, err = r.window.RankOf(ctx, ref); err != nil {
					return nil, model.Wrap(model.KindUnavailable, op, err)
				}
				if !found {
					return nil, model.Errorf(model.KindNotFound, op, "message %s not found in room %d", ref.Key(), room)
				}
			}
		}
	}

	if rank == 0 {
		return []model.Message{}, nil
	}
	lo := rank - int64(n)
	if lo < 0 {
		lo = 0
	}

	msgs, err := r.window.RangeByRank(ctx, room, lo, rank-1)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	return msgs, nil
}

// Since returns the messages of roomID newer than ref, ascending. A nil ref
// returns the whole history and seeds the window with it. Unless all is set
// the result is capped at the batch size.
func (r *Resolver) Since(ctx context.Context, roomID int64, ref *model.Message, all bool) ([]model.Message, error) {
	const op = "unread since"

	if ref == nil {
		if roomID <= 0 {
			return nil, model.Errorf(model.KindValidation, op, "room id is required")
		}
		msgs, err := r.log.FullHistory(ctx, roomID)
		if err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}
		if err := r.seed(ctx, msgs, "bootstrap"); err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}
		return msgs, nil
	}

	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if roomID != 0 && roomID != ref.RoomID {
		return nil, model.Errorf(model.KindValidation, op, "reference message belongs to room %d, not %d", ref.RoomID, roomID)
	}
	room := ref.RoomID

	_, found, err := r.window.RankOf(ctx, *ref)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	if !found {
		to, err := r.upperBound(ctx, room)
		if err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}
		if err := r.backfillRange(ctx, room, ref.Key(), to, "since"); err != nil {
			return nil, model.Wrap(model.KindUnavailable, op, err)
		}
	}

	kr := cache.KeyRange{Min: ref.Key(), MinOpen: true, Max: model.MaxKey}
	if !all {
		kr.Limit = int64(r.batchSize)
	}
	msgs, err := r.window.RangeByKey(ctx, room, kr)
	if err != nil {
		return nil, model.Wrap(model.KindUnavailable, op, err)
	}
	return msgs, nil
}

// upperBound is the end of a gap backfill: the oldest cached key, or MaxKey
// when the room has nothing cached.
func (r *Resolver) upperBound(ctx context.Context, room int64) (model.Key, error) {
	oldest, ok, err := r.window.OldestKey(ctx, room)
	if err != nil {
		return 0, err
	}
	if !ok {
		return model.MaxKey, nil
	}
	return oldest, nil
}

// backfillRange seeds [from, to] from the log. The group at to is included
// since the cache may hold only part of it.
func (r *Resolver) backfillRange(ctx context.Context, room int64, from, to model.Key, mode string) error {
	if from > to {
		return nil
	}
	if to < model.MaxKey {
		to++
	}
	msgs, err := r.log.Range(ctx, room, from, to)
	if err != nil {
		return err
	}
	return r.seed(ctx, msgs, mode)
}

func (r *Resolver) seed(ctx context.Context, msgs []model.Message, mode string) error {
	if len(msgs) == 0 {
		return nil
	}
	added, err := r.window.Add(ctx, msgs...)
	if err != nil {
		return err
	}
	metrics.CacheBackfills.WithLabelValues(mode).Add(float64(added))
	r.logger.Debug().
		Int64("room_id", msgs[0].RoomID).
		Str("mode", mode).
		Int("fetched", len(msgs)).
		Int64("added", added).
		Msg("backfilled room cache")
	return nil
}
