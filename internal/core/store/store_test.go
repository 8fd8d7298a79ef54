package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/config"
)

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{URL: "libsql://relay.turso.io", AuthToken: "token123"})
		require.NoError(t, err)
		require.Equal(t, "libsql://relay.turso.io?authToken=token123", dsn)
	})

	t.Run("URLKeepsExistingToken", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{URL: "libsql://relay.turso.io?authToken=abc", AuthToken: "other"})
		require.NoError(t, err)
		require.Equal(t, "libsql://relay.turso.io?authToken=abc", dsn)
	})

	t.Run("PlainPathGetsFilePrefix", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data", "keyrelay.db")
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: path})
		require.NoError(t, err)
		require.Equal(t, "file:"+filepath.Clean(path), dsn)
		require.DirExists(t, filepath.Dir(path))
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: "file:./keyrelay.db"})
		require.NoError(t, err)
		require.Equal(t, "file:./keyrelay.db", dsn)
	})

	t.Run("PathMissing", func(t *testing.T) {
		_, err := buildLibsqlDSN(config.StoreConfig{})
		require.Error(t, err)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: ":memory:"})
		require.NoError(t, err)
		require.Equal(t, ":memory:", dsn)
	})
}

func TestRateLimitQuery(t *testing.T) {
	require.Error(t, RateLimitQuery{}.Validate())

	where, args, err := RateLimitQuery{Prefix: "quota:"}.whereClause()
	require.NoError(t, err)
	require.Equal(t, "WHERE key LIKE ?", where)
	require.Equal(t, []any{"quota:%"}, args)

	where, args, err = RateLimitQuery{All: true}.whereClause()
	require.NoError(t, err)
	require.Empty(t, where)
	require.Nil(t, args)
}

func TestNilStoreGuards(t *testing.T) {
	var s *Store
	_, err := s.LoadPool(context.Background(), "lic")
	require.ErrorIs(t, err, errNotInitialized)
	_, err = s.BindIfAbsent(context.Background(), "lic", "dev")
	require.ErrorIs(t, err, errNotInitialized)
	require.ErrorIs(t, s.Migrate(context.Background()), errNotInitialized)
	require.NoError(t, s.Close())
}
