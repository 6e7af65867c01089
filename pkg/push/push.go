// Package push delivers notifications to device tokens through a multicast
// push gateway.
package push

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

// MaxTokensPerCall is the largest multicast the gateway accepts at once.
const MaxTokensPerCall = 500

// Notification is the platform independent content of a push.
type Notification struct {
	RoomID int64
	Kind   string // "chat" or a room event
	Title  string
	Body   string
	Data   map[string]string
}

// Batch is one multicast: a single payload shape for a set of tokens.
type Batch struct {
	Platform     model.Platform
	Tokens       []string
	Notification Notification
}

// TokenResult is the outcome for one token. Invalid marks a permanent
// failure after which the token must not be used again.
type TokenResult struct {
	Token   string
	Err     error
	Invalid bool
}

// Gateway sends a batch and reports a result per token, in token order.
type Gateway interface {
	SendMulticast(ctx context.Context, batch Batch) ([]TokenResult, error)
}

// LogGateway accepts every batch and only logs it. It stands in for FCM
// when no credentials are configured.
type LogGateway struct {
	logger zerolog.Logger
}

func NewLogGateway(logger zerolog.Logger) *LogGateway {
	return &LogGateway{logger: logger.With().Str("component", "push").Logger()}
}

func (g *LogGateway) SendMulticast(ctx context.Context, batch Batch) ([]TokenResult, error) {
	g.logger.Debug().
		Str("platform", string(batch.Platform)).
		Int64("room_id", batch.Notification.RoomID).
		Int("tokens", len(batch.Tokens)).
		Msg("push delivery disabled, dropping batch")

	results := make([]TokenResult, len(batch.Tokens))
	for i, t := range batch.Tokens {
		results[i] = TokenResult{Token: t}
	}
	return results, nil
}
