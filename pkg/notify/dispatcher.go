// Package notify fans room notifications out to the push tokens of every
// room member and prunes tokens the push gateway rejects for good.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/metrics"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/push"
)

const defaultTimeout = 30 * time.Second

// MemberSource resolves the members of a room.
type MemberSource interface {
	Get(ctx context.Context, roomID int64) ([]int64, error)
}

// TokenCache resolves and forgets cached device tokens.
type TokenCache interface {
	Get(ctx context.Context, userID int64) ([]model.PushToken, error)
	Remove(ctx context.Context, tokens []model.PushToken) error
}

// TokenStore is the durable token table.
type TokenStore interface {
	DeleteTokens(ctx context.Context, tokens []string) error
}

// Report summarizes one dispatch.
type Report struct {
	Recipients int
	Tokens     int
	Sent       int
	Failed     int
	Pruned     []string
}

type Dispatcher struct {
	members MemberSource
	tokens  TokenCache
	durable TokenStore
	gateway push.Gateway
	logger  zerolog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(members MemberSource, tokens TokenCache, durable TokenStore, gateway push.Gateway, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		members: members,
		tokens:  tokens,
		durable: durable,
		gateway: gateway,
		logger:  logger.With().Str("component", "notify").Logger(),
		timeout: defaultTimeout,
	}
}

// Dispatch pushes n to every member of roomID except excludeUserID. Failures
// for one token or one platform do not stop delivery to the others; the
// first gateway error is returned after all platforms have been tried.
func (d *Dispatcher) Dispatch(ctx context.Context, roomID, excludeUserID int64, n push.Notification) (Report, error) {
	var report Report

	members, err := d.members.Get(ctx, roomID)
	if err != nil {
		return report, model.Wrap(model.KindUnavailable, "resolve members", err)
	}

	byPlatform := make(map[model.Platform][]string)
	owners := make(map[string]model.PushToken)
	for _, userID := range members {
		if userID == excludeUserID {
			continue
		}
		report.Recipients++

		tokens, err := d.tokens.Get(ctx, userID)
		if err != nil {
			d.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to resolve push tokens")
			continue
		}
		for _, t := range tokens {
			if !t.Platform.Valid() {
				d.logger.Warn().Str("platform", string(t.Platform)).Int64("user_id", userID).Msg("skipping token with unknown platform")
				continue
			}
			if _, dup := owners[t.Token]; dup {
				continue
			}
			owners[t.Token] = t
			byPlatform[t.Platform] = append(byPlatform[t.Platform], t.Token)
			report.Tokens++
		}
	}

	var (
		mu      sync.Mutex
		invalid []model.PushToken
	)
	var g errgroup.Group
	for platform, tokens := range byPlatform {
		platform, tokens := platform, tokens
		g.Go(func() error {
			results, err := d.gateway.SendMulticast(ctx, push.Batch{
				Platform:     platform,
				Tokens:       tokens,
				Notification: n,
			})

			mu.Lock()
			defer mu.Unlock()
			for _, r := range results {
				if r.Err == nil {
					report.Sent++
					metrics.PushSent.WithLabelValues(string(platform), "ok").Inc()
					continue
				}
				report.Failed++
				metrics.PushSent.WithLabelValues(string(platform), "error").Inc()
				if r.Invalid {
					invalid = append(invalid, owners[r.Token])
				} else {
					d.logger.Debug().Err(r.Err).Str("platform", string(platform)).Msg("push delivery failed")
				}
			}
			if err != nil {
				report.Failed += len(tokens) - len(results)
				return err
			}
			return nil
		})
	}
	sendErr := g.Wait()

	if len(invalid) > 0 {
		if err := d.prune(ctx, invalid); err != nil {
			d.logger.Error().Err(err).Int("tokens", len(invalid)).Msg("failed to prune push tokens")
		} else {
			for _, t := range invalid {
				report.Pruned = append(report.Pruned, t.Token)
			}
		}
	}

	if sendErr != nil {
		return report, model.Wrap(model.KindUnavailable, "send push", sendErr)
	}
	return report, nil
}

func (d *Dispatcher) prune(ctx context.Context, tokens []model.PushToken) error {
	values := make([]string, len(tokens))
	for i, t := range tokens {
		values[i] = t.Token
	}
	if err := d.durable.DeleteTokens(ctx, values); err != nil {
		return err
	}
	if err := d.tokens.Remove(ctx, tokens); err != nil {
		return err
	}

	metrics.PushTokensPruned.Add(float64(len(tokens)))
	d.logger.Info().Strs("tokens", values).Msg("pruned unregistered push tokens")
	return nil
}

// DispatchAsync runs Dispatch in the background, detached from the caller's
// context. Wait blocks until every pending dispatch is done.
func (d *Dispatcher) DispatchAsync(roomID, excludeUserID int64, n push.Notification) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		report, err := d.Dispatch(ctx, roomID, excludeUserID, n)
		if err != nil {
			d.logger.Error().Err(err).Int64("room_id", roomID).Str("kind", n.Kind).Msg("notification dispatch failed")
			return
		}
		d.logger.Debug().
			Int64("room_id", roomID).
			Str("kind", n.Kind).
			Int("recipients", report.Recipients).
			Int("sent", report.Sent).
			Int("failed", report.Failed).
			Int("pruned", len(report.Pruned)).
			Msg("notification dispatched")
	}()
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
