package store

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewWithDB(db)
	require.NoError(t, err)
	return s
}

func TestMappingRoundTrip(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)
	ctx := context.Background()

	threadID, err := s.GetMapping(ctx, "acc1", "79990000000")
	assert.NoError(err)
	assert.Empty(threadID)

	require.NoError(t, s.SetMapping(ctx, "acc1", "79990000000", "t1"))

	threadID, err = s.GetMapping(ctx, "acc1", "79990000000")
	assert.NoError(err)
	assert.Equal("t1", threadID)
}

func TestMappingUpsertIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetMapping(ctx, "acc1", "79990000000", "t1"))
	require.NoError(t, s.SetMapping(ctx, "acc1", "79990000000", "t1"))
	require.NoError(t, s.SetMapping(ctx, "acc1", "79990000000", "t2"))

	rows, err := s.Mappings(ctx, "acc1")
	assert.NoError(err)
	require.Len(t, rows, 1)
	assert.Equal("t2", rows[0].ThreadID)
}

func TestMappingIsAccountScoped(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetMapping(ctx, "acc1", "79990000000", "t1"))
	require.NoError(t, s.SetMapping(ctx, "acc2", "79990000000", "t9"))

	threadID, err := s.GetMapping(ctx, "acc1", "79990000000")
	assert.NoError(err)
	assert.Equal("t1", threadID)

	threadID, err = s.GetMapping(ctx, "acc2", "79990000000")
	assert.NoError(err)
	assert.Equal("t9", threadID)
}

func TestCredentials(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)
	ctx := context.Background()

	t.Run("tokens last write wins", func(t *testing.T) {
		require.NoError(t, s.SaveTokens(ctx, "acc1", Tokens{AccessToken: "a1", RefreshToken: "r1"}))
		require.NoError(t, s.SaveTokens(ctx, "acc1", Tokens{AccessToken: "a2", RefreshToken: "r2"}))

		got, err := s.GetTokens(ctx, "acc1")
		assert.NoError(err)
		assert.Equal("a2", got.AccessToken)
		assert.Equal("r2", got.RefreshToken)
	})

	t.Run("scope", func(t *testing.T) {
		scope, err := s.GetScope(ctx, "acc1")
		assert.NoError(err)
		assert.Empty(scope)

		require.NoError(t, s.SaveScope(ctx, "acc1", "scope-123"))
		scope, err = s.GetScope(ctx, "acc1")
		assert.NoError(err)
		assert.Equal("scope-123", scope)
	})

	t.Run("device ref", func(t *testing.T) {
		require.NoError(t, s.SaveDevice(ctx, "acc1", "79991112233:1@s.whatsapp.net"))
		ref, err := s.GetDevice(ctx, "acc1")
		assert.NoError(err)
		assert.Equal("79991112233:1@s.whatsapp.net", ref)
	})

	t.Run("delete account keeps mappings", func(t *testing.T) {
		require.NoError(t, s.SetMapping(ctx, "acc1", "79990000000", "t1"))
		require.NoError(t, s.DeleteAccount(ctx, "acc1"))

		got, err := s.GetTokens(ctx, "acc1")
		assert.NoError(err)
		assert.Empty(got.AccessToken)

		threadID, err := s.GetMapping(ctx, "acc1", "79990000000")
		assert.NoError(err)
		assert.Equal("t1", threadID)
	})
}

func TestAccountIDs(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveScope(ctx, "acc1", "s1"))
	require.NoError(t, s.SaveScope(ctx, "acc2", "s2"))

	ids, err := s.AccountIDs(ctx)
	assert.NoError(err)
	assert.ElementsMatch([]string{"acc1", "acc2"}, ids)
}
