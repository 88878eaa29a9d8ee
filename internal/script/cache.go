package script

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// CacheState gates inventory loading.
type CacheState uint8

const (
	StateNone CacheState = iota
	StateReinit
	StateLoading
	StateReady
)

func (s CacheState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateReinit:
		return "reinit"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// CacheEntry holds a compiled artifact and the modification time observed
// when it was stored.
type CacheEntry struct {
	Artifact []byte
	ModTime  int64
	Checksum uint64
}

// CacheEntryInfo summarizes an entry without its artifact bytes.
type CacheEntryInfo struct {
	Path     string
	ModTime  int64
	Size     int
	Checksum uint64
}

// Cache maps absolute script paths to compiled artifacts and invalidates
// entries whose source file changed after they were stored.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	state   CacheState
	clock   Clock
	group   singleflight.Group
}

// NewCache creates an empty cache in StateNone.
func NewCache(clock Clock) *Cache {
	return &Cache{
		entries: make(map[string]CacheEntry),
		state:   StateNone,
		clock:   clock,
	}
}

// IsStale reports whether the file at path changed after its cached entry
// was stored. A missing entry counts as stored at time zero, so any existing
// file is stale and a missing file never is.
func (c *Cache) IsStale(path string) bool {
	c.mu.RLock()
	cached := c.entries[path].ModTime
	c.mu.RUnlock()

	return c.clock.ModTime(path) > cached
}

// Get returns a copy of the cached artifact for path. A stale entry is
// invalidated and reported as a miss.
func (c *Cache) Get(path string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.clock.ModTime(path) > entry.ModTime {
		c.mu.Lock()
		if current, ok := c.entries[path]; ok && current.ModTime == entry.ModTime {
			delete(c.entries, path)
		}
		c.mu.Unlock()
		LogCache(slog.LevelInfo, "Invalidated stale bytecode", path)
		return nil, false
	}

	return bytes.Clone(entry.Artifact), true
}

// Store records artifact for path, replacing any previous entry. The entry's
// modification time is read from the clock at store time.
func (c *Cache) Store(path string, artifact []byte) {
	entry := CacheEntry{
		Artifact: bytes.Clone(artifact),
		ModTime:  c.clock.ModTime(path),
		Checksum: xxhash.Sum64(artifact),
	}

	c.mu.Lock()
	c.entries[path] = entry
	c.mu.Unlock()

	LogCache(slog.LevelDebug, "Stored bytecode", path,
		slog.Int("size", len(artifact)),
		slog.Int64("mod_time", entry.ModTime),
	)
}

// Invalidate removes the entry for path. Missing entries are ignored.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	_, ok := c.entries[path]
	delete(c.entries, path)
	c.mu.Unlock()

	if ok {
		LogCache(slog.LevelInfo, "Invalidated cache for script", path)
	}
}

// InvalidateAll removes every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	count := len(c.entries)
	c.entries = make(map[string]CacheEntry)
	c.mu.Unlock()

	LogSystem(slog.LevelInfo, "Invalidated all cached bytecode", slog.Int("entries", count))
}

// IsInCache reports whether path has an entry with a non-empty artifact. It
// does not check staleness.
func (c *Cache) IsInCache(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	return ok && len(entry.Artifact) > 0
}

// Entry returns a copy of the raw entry for path without checking staleness.
func (c *Cache) Entry(path string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	if !ok {
		return CacheEntry{}, false
	}
	entry.Artifact = bytes.Clone(entry.Artifact)
	return entry, true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries lists all entries sorted by path.
func (c *Cache) Entries() []CacheEntryInfo {
	c.mu.RLock()
	infos := make([]CacheEntryInfo, 0, len(c.entries))
	for path, entry := range c.entries {
		infos = append(infos, CacheEntryInfo{
			Path:     path,
			ModTime:  entry.ModTime,
			Size:     len(entry.Artifact),
			Checksum: entry.Checksum,
		})
	}
	c.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// State returns the current load state.
func (c *Cache) State() CacheState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState overwrites the load state.
func (c *Cache) SetState(state CacheState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()

	if prev != state {
		LogSystem(slog.LevelDebug, "Script cache state changed",
			slog.String("from", prev.String()),
			slog.String("to", state.String()),
		)
	}
}

// BeginLoad moves the cache to StateLoading. It fails with ErrLoadInProgress
// unless the current state is StateNone or StateReinit.
func (c *Cache) BeginLoad() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNone && c.state != StateReinit {
		return fmt.Errorf("%w (state %s)", ErrLoadInProgress, c.state)
	}
	c.state = StateLoading
	return nil
}

// RequestReinit moves the cache to StateReinit and drops every entry so the
// next inventory load recompiles from source. It fails while a load is
// running.
func (c *Cache) RequestReinit() error {
	c.mu.Lock()
	if c.state == StateLoading {
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrLoadInProgress, StateLoading)
	}
	c.state = StateReinit
	count := len(c.entries)
	c.entries = make(map[string]CacheEntry)
	c.mu.Unlock()

	LogSystem(slog.LevelInfo, "Script cache reinitialization requested", slog.Int("dropped_entries", count))
	return nil
}

type fetchResult struct {
	artifact []byte
	compiled bool
}

// Fetch returns a fresh artifact for path, compiling and storing it when the
// entry is missing or stale. Concurrent fetches of one path share a single
// compilation. The returned flag reports whether compile ran.
func (c *Cache) Fetch(path string, compile func(path string) ([]byte, error)) ([]byte, bool, error) {
	if artifact, ok := c.Get(path); ok {
		return artifact, false, nil
	}

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		if artifact, ok := c.Get(path); ok {
			return fetchResult{artifact: artifact}, nil
		}

		artifact, err := compile(path)
		if err != nil {
			return nil, err
		}
		c.Store(path, artifact)
		return fetchResult{artifact: artifact, compiled: true}, nil
	})
	if err != nil {
		return nil, false, err
	}

	result := v.(fetchResult)
	return bytes.Clone(result.artifact), result.compiled, nil
}
