package script

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileClock_ModTime(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scripts/a.lua", []byte("x := 1"), 0o644))

	mtime := time.Date(2024, 5, 1, 12, 0, 0, 42, time.UTC)
	require.NoError(t, fs.Chtimes("/scripts/a.lua", mtime, mtime))

	clock := NewFileClock(fs)
	assert.Equal(t, mtime.UnixNano(), clock.ModTime("/scripts/a.lua"))
	assert.Equal(t, int64(0), clock.ModTime("/scripts/missing.lua"))
}

func TestCache_IsStale(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(clock)
	path := "/scripts/a.lua"

	// Missing file without entry is never stale.
	assert.False(t, cache.IsStale(path))

	clock.Set(path, 100)
	assert.True(t, cache.IsStale(path), "existing file without entry is stale")

	cache.Store(path, []byte("bytecode"))
	assert.False(t, cache.IsStale(path))

	clock.Set(path, 101)
	assert.True(t, cache.IsStale(path))

	// Staleness only moves with the clock; a backdated file is not stale.
	cache.Store(path, []byte("bytecode"))
	clock.Set(path, 50)
	assert.False(t, cache.IsStale(path))
}

func TestCache_StoreReplacesEntry(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(clock)
	path := "/scripts/a.lua"

	clock.Set(path, 1)
	cache.Store(path, []byte("first"))
	clock.Set(path, 2)
	cache.Store(path, []byte("second"))

	assert.Equal(t, 1, cache.Len())
	entry, ok := cache.Entry(path)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), entry.Artifact)
	assert.Equal(t, int64(2), entry.ModTime)
	assert.NotZero(t, entry.Checksum)
}

func TestCache_GetInvalidatesStaleEntry(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(clock)
	path := "/scripts/a.lua"

	clock.Set(path, 10)
	cache.Store(path, []byte("bytecode"))

	artifact, ok := cache.Get(path)
	require.True(t, ok)
	assert.Equal(t, []byte("bytecode"), artifact)

	// The returned slice is a copy.
	artifact[0] = 'X'
	again, ok := cache.Get(path)
	require.True(t, ok)
	assert.Equal(t, []byte("bytecode"), again)

	clock.Set(path, 11)
	_, ok = cache.Get(path)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len(), "stale entry is removed on lookup")
}

func TestCache_IsInCache(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(clock)

	assert.False(t, cache.IsInCache("/scripts/a.lua"))

	cache.Store("/scripts/a.lua", []byte("bytecode"))
	assert.True(t, cache.IsInCache("/scripts/a.lua"))

	cache.Store("/scripts/empty.lua", nil)
	assert.False(t, cache.IsInCache("/scripts/empty.lua"), "empty artifact does not count")

	// IsInCache does not check staleness.
	clock.Set("/scripts/a.lua", 99)
	assert.True(t, cache.IsInCache("/scripts/a.lua"))
}

func TestCache_Invalidate(t *testing.T) {
	cache := NewCache(newFakeClock())
	cache.Store("/scripts/a.lua", []byte("a"))
	cache.Store("/scripts/b.lua", []byte("b"))

	cache.Invalidate("/scripts/a.lua")
	cache.Invalidate("/scripts/missing.lua")
	assert.False(t, cache.IsInCache("/scripts/a.lua"))
	assert.True(t, cache.IsInCache("/scripts/b.lua"))

	cache.InvalidateAll()
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Entries(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(clock)
	clock.Set("/scripts/b.lua", 2)
	clock.Set("/scripts/a.lua", 1)
	cache.Store("/scripts/b.lua", []byte("bb"))
	cache.Store("/scripts/a.lua", []byte("a"))

	entries := cache.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "/scripts/a.lua", entries[0].Path)
	assert.Equal(t, 1, entries[0].Size)
	assert.Equal(t, int64(1), entries[0].ModTime)
	assert.Equal(t, "/scripts/b.lua", entries[1].Path)
	assert.Equal(t, 2, entries[1].Size)
}

func TestCache_StateGate(t *testing.T) {
	cache := NewCache(newFakeClock())
	assert.Equal(t, StateNone, cache.State())

	require.NoError(t, cache.BeginLoad())
	assert.Equal(t, StateLoading, cache.State())

	err := cache.BeginLoad()
	assert.ErrorIs(t, err, ErrLoadInProgress)

	err = cache.RequestReinit()
	assert.ErrorIs(t, err, ErrLoadInProgress, "reinit is refused while loading")

	cache.SetState(StateReady)
	assert.ErrorIs(t, cache.BeginLoad(), ErrLoadInProgress, "ready cache refuses a load")

	cache.Store("/scripts/a.lua", []byte("a"))
	require.NoError(t, cache.RequestReinit())
	assert.Equal(t, StateReinit, cache.State())
	assert.Equal(t, 0, cache.Len(), "reinit drops every entry")

	require.NoError(t, cache.BeginLoad())
	assert.Equal(t, StateLoading, cache.State())
}

func TestCacheState_String(t *testing.T) {
	assert.Equal(t, "none", StateNone.String())
	assert.Equal(t, "reinit", StateReinit.String())
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown(9)", CacheState(9).String())
}

func TestCache_Fetch(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(clock)
	path := "/scripts/a.lua"
	clock.Set(path, 1)

	var calls int32
	compile := func(p string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("compiled:" + p), nil
	}

	artifact, compiled, err := cache.Fetch(path, compile)
	require.NoError(t, err)
	assert.True(t, compiled)
	assert.Equal(t, []byte("compiled:"+path), artifact)

	_, compiled, err = cache.Fetch(path, compile)
	require.NoError(t, err)
	assert.False(t, compiled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clock.Set(path, 2)
	_, compiled, err = cache.Fetch(path, compile)
	require.NoError(t, err)
	assert.True(t, compiled, "stale entry is recompiled")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_FetchError(t *testing.T) {
	cache := NewCache(newFakeClock())
	boom := errors.New("boom")

	_, _, err := cache.Fetch("/scripts/a.lua", func(string) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_FetchConcurrent(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(clock)
	path := "/scripts/a.lua"
	clock.Set(path, 1)

	var calls int32
	release := make(chan struct{})
	compile := func(string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("bytecode"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			artifact, _, err := cache.Fetch(path, compile)
			assert.NoError(t, err)
			assert.Equal(t, []byte("bytecode"), artifact)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, cache.Len())
}
