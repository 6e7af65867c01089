package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

func TestMembersLazyLoad(t *testing.T) {
	client, _ := newTestClient(t)
	dir := &fakeDirectory{members: map[int64][]int64{5: {1, 2, 3}}}
	m := NewMembers(client, dir)
	ctx := context.Background()

	ids, err := m.Get(ctx, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids)

	ids, err = m.Get(ctx, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids)
	assert.Equal(t, 1, dir.memberHits, "second read must come from cache")

	ok, err := m.Contains(ctx, 5, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Contains(ctx, 5, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMembersEmptyRoomIsCached(t *testing.T) {
	client, _ := newTestClient(t)
	dir := &fakeDirectory{}
	m := NewMembers(client, dir)

	for i := 0; i < 3; i++ {
		ids, err := m.Get(context.Background(), 7)
		require.NoError(t, err)
		assert.Empty(t, ids)
	}
	assert.Equal(t, 1, dir.memberHits)
}

func TestMembersRefresh(t *testing.T) {
	client, _ := newTestClient(t)
	dir := &fakeDirectory{members: map[int64][]int64{5: {1, 2}}}
	m := NewMembers(client, dir)
	ctx := context.Background()

	_, err := m.Get(ctx, 5)
	require.NoError(t, err)

	dir.members[5] = []int64{2, 4}
	_, err = m.Refresh(ctx, 5)
	require.NoError(t, err)

	ids, err := m.Get(ctx, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 4}, ids)
}

func TestMembersLoaderError(t *testing.T) {
	client, _ := newTestClient(t)
	m := NewMembers(client, &fakeDirectory{err: errDirectory})

	_, err := m.Get(context.Background(), 5)
	assert.ErrorIs(t, err, errDirectory)
}

func TestTokensLazyLoadAndRemove(t *testing.T) {
	client, _ := newTestClient(t)
	dir := &fakeDirectory{tokens: map[int64][]model.PushToken{
		1: {
			{UserID: 1, Token: "tok-a", Platform: model.PlatformAndroid},
			{UserID: 1, Token: "tok-b", Platform: model.PlatformIOS},
		},
	}}
	tokens := NewTokens(client, dir)
	ctx := context.Background()

	got, err := tokens.Get(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, dir.tokens[1], got)

	got, err = tokens.Get(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, dir.tokens[1], got)
	assert.Equal(t, 1, dir.tokenHits)

	require.NoError(t, tokens.Remove(ctx, []model.PushToken{dir.tokens[1][0]}))
	got, err = tokens.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []model.PushToken{dir.tokens[1][1]}, got)
	assert.Equal(t, 1, dir.tokenHits, "removing one token must not force a reload")
}

func TestTokensInvalidate(t *testing.T) {
	client, _ := newTestClient(t)
	dir := &fakeDirectory{tokens: map[int64][]model.PushToken{}}
	tokens := NewTokens(client, dir)
	ctx := context.Background()

	got, err := tokens.Get(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	dir.tokens[1] = []model.PushToken{{UserID: 1, Token: "new", Platform: model.PlatformAndroid}}
	require.NoError(t, tokens.Invalidate(ctx, 1))

	got, err = tokens.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, dir.tokens[1], got)
	assert.Equal(t, 2, dir.tokenHits)
}
