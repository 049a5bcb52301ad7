package storage

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()

	_, ok, err := s.GetString("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutString("a", "1"))
	v, ok, err := s.GetString("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)

	require.NoError(t, s.PutString("a", "2"))
	v, _, err = s.GetString("a")
	require.NoError(t, err)
	require.Equal(t, "2", v)

	// empty values are values, not absence
	require.NoError(t, s.PutString("empty", ""))
	v, ok, err = s.GetString("empty")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "", v)

	require.NoError(t, s.Remove("a"))
	_, ok, err = s.GetString("a")
	require.NoError(t, err)
	require.False(t, ok)

	// removing an absent key is fine
	require.NoError(t, s.Remove("a"))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseStorage(t, m)
	require.ElementsMatch(t, []string{"empty"}, m.Keys())
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	exerciseStorage(t, s)

	require.NoError(t, s.PutString("persist", "yes"))
	require.NoError(t, s.Close())

	_, _, err = s.GetString("persist")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.PutString("k", "v"), ErrClosed)
	require.ErrorIs(t, s.Remove("k"), ErrClosed)
	require.ErrorIs(t, s.Close(), ErrClosed)

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.GetString("persist")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "yes", v)
}

func TestRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewRedis(rdb, WithPrefix("device-1:"))
	exerciseStorage(t, s)

	require.NoError(t, s.PutString("k", "v"))
	got, err := mr.Get("device-1:k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestRedis_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer rdb.Close()

	s := NewRedis(rdb, WithTimeout(time.Second))
	_, _, err = s.GetString("k")
	require.Error(t, err)
}

func TestRedis_ClosedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(rdb)
	require.NoError(t, s.PutString("k", "v"))
	require.NoError(t, rdb.Close())

	_, _, err := s.GetString("k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.PutString("k", "v"), ErrClosed)
	require.ErrorIs(t, s.Remove("k"), ErrClosed)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	f, err := NewFile(path)
	require.NoError(t, err)
	exerciseStorage(t, f)

	// a second handle on the same path sees the writes
	other, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f.PutString("shared", "x"))
	v, ok, err := other.GetString("shared")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", v)
}

func TestFileWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	f, err := NewFile(path)
	require.NoError(t, err)

	var calls atomic.Int32
	w, err := f.Watch(func() { calls.Add(1) }, WatchOptions{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	other, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, other.PutString("a", "1"))
	require.NoError(t, other.PutString("b", "2"))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
