package binding

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "nested", "bind.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBindAndLookup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.Nickname(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Bind(ctx, 7, "Alice"))
	name, ok, err := s.Nickname(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Alice", name)
}

func TestBindConflicts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Bind(ctx, 7, "Alice"))

	assert.ErrorIs(t, s.Bind(ctx, 7, "Alicia"), ErrAlreadyBound)
	assert.ErrorIs(t, s.Bind(ctx, 7, "Alice"), ErrAlreadyBound)
	assert.ErrorIs(t, s.Bind(ctx, 8, "Alice"), ErrNicknameTaken)
	assert.ErrorIs(t, s.Bind(ctx, 8, "Al"), ErrBadNickname)
	assert.ErrorIs(t, s.Bind(ctx, 8, "has space"), ErrBadNickname)
	assert.NoError(t, s.Bind(ctx, 8, "Bob"))
}

func TestUnbind(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Unbind(ctx, 7)
	assert.ErrorIs(t, err, ErrNotBound)

	require.NoError(t, s.Bind(ctx, 7, "Alice"))
	old, err := s.Unbind(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Alice", old)

	_, ok, err := s.Nickname(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, s.Bind(ctx, 9, "Alice"), "nickname is free again")
}

func TestBindingsPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bind.db")

	s, err := Open(ctx, DriverSQLite, path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Bind(ctx, 7, "Alice"))
	require.NoError(t, s.Close())

	s, err = Open(ctx, DriverSQLite, path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	name, ok, err := s.Nickname(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Alice", name)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "postgres", "x", zerolog.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), DriverMySQL, "", zerolog.Nop())
	assert.Error(t, err)
}

func TestValidNickname(t *testing.T) {
	assert.NoError(t, ValidNickname("Steve"))
	assert.NoError(t, ValidNickname("你好世界"))
	assert.ErrorIs(t, ValidNickname("ab"), ErrBadNickname)
	assert.ErrorIs(t, ValidNickname("abcdefghijklmnopq"), ErrBadNickname)
}
