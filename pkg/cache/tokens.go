package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

// TokenLoader reads a user's device tokens from the durable directory.
type TokenLoader interface {
	UserTokens(ctx context.Context, userID int64) ([]model.PushToken, error)
}

// Tokens caches device tokens per user as a token -> platform hash.
type Tokens struct {
	client *redis.Client
	loader TokenLoader
}

func NewTokens(client *redis.Client, loader TokenLoader) *Tokens {
	return &Tokens{client: client, loader: loader}
}

// Get returns the tokens of userID, loading them on a miss.
func (t *Tokens) Get(ctx context.Context, userID int64) ([]model.PushToken, error) {
	fields, err := t.client.HGetAll(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return t.load(ctx, userID)
	}

	tokens := make([]model.PushToken, 0, len(fields))
	for token, platform := range fields {
		if token == emptyMarker {
			continue
		}
		tokens = append(tokens, model.PushToken{
			UserID:   userID,
			Token:    token,
			Platform: model.Platform(platform),
		})
	}
	return tokens, nil
}

func (t *Tokens) load(ctx context.Context, userID int64) ([]model.PushToken, error) {
	tokens, err := t.loader.UserTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load tokens of user %d: %w", userID, err)
	}

	values := make([]interface{}, 0, 2*len(tokens)+2)
	values = append(values, emptyMarker, "")
	for _, tok := range tokens {
		values = append(values, tok.Token, string(tok.Platform))
	}
	if err := t.client.HSet(ctx, userTokensKey(userID), values...).Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Remove drops tokens from the cache of their owners.
func (t *Tokens) Remove(ctx context.Context, tokens []model.PushToken) error {
	if len(tokens) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, tok := range tokens {
		pipe.HDel(ctx, userTokensKey(tok.UserID), tok.Token)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Invalidate forgets the cached tokens of userID.
func (t *Tokens) Invalidate(ctx context.Context, userID int64) error {
	return t.client.Del(ctx, userTokensKey(userID)).Err()
}
