package script

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptstate/internal/config"
)

const testRoot = "/scripts"

// fakeClock serves modification times from a map.
type fakeClock struct {
	mu    sync.Mutex
	times map[string]int64
}

func newFakeClock() *fakeClock {
	return &fakeClock{times: make(map[string]int64)}
}

func (c *fakeClock) ModTime(path string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.times[path]
}

func (c *fakeClock) Set(path string, t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times[path] = t
}

// testEnv is an in-memory script subsystem rooted at /scripts.
type testEnv struct {
	fs        afero.Fs
	cfg       *config.Config
	engine    *TengoEngine
	reporter  *ErrorReporter
	cache     *Cache
	compiler  *Compiler
	inventory *Inventory
	registry  *StateRegistry

	now time.Time
}

func newTestEnv(t *testing.T, files map[string]string) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Enabled = true
	cfg.ScriptPath = testRoot

	env := &testEnv{
		fs:       afero.NewMemMapFs(),
		cfg:      cfg,
		engine:   NewTengoEngine(),
		reporter: NewErrorReporter(),
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, env.fs.MkdirAll(testRoot, 0o755))

	env.cache = NewCache(NewFileClock(env.fs))
	env.compiler = NewCompiler(env.fs, env.engine, env.reporter)
	env.inventory = NewInventory(env.fs, cfg, env.cache, env.compiler, env.reporter)
	env.registry = NewStateRegistry(RegistryDependencies{
		Factory:   NewFactory(),
		Language:  LanguageTengo,
		Limits:    GetDefaultSecurityLimits(),
		Config:    cfg,
		Inventory: env.inventory,
		Cache:     env.cache,
		Compiler:  env.compiler,
		Reporter:  env.reporter,
	})

	for name, content := range files {
		env.write(t, name, content)
	}
	return env
}

// write creates or replaces a file relative to the root. Every write moves
// the file's modification time strictly forward.
func (e *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(testRoot, name)
	require.NoError(t, e.fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(e.fs, path, []byte(content), 0o644))

	e.now = e.now.Add(time.Second)
	require.NoError(t, e.fs.Chtimes(path, e.now, e.now))
	return path
}

func (e *testEnv) path(name string) string {
	return filepath.Join(testRoot, name)
}

func (e *testEnv) clockOf(name string) int64 {
	return NewFileClock(e.fs).ModTime(e.path(name))
}

func (e *testEnv) reload(t *testing.T) {
	t.Helper()
	if e.cache.State() == StateReady {
		require.NoError(t, e.cache.RequestReinit())
	}
	require.True(t, e.inventory.Reload())
}

// stateValue reads a key from the shared state table of a context.
func stateValue(t *testing.T, sc *InterpreterContext, key string) interface{} {
	t.Helper()

	interp, ok := sc.interp.(*tengoInterpreter)
	require.True(t, ok)

	obj, ok := interp.state.Value[key]
	if !ok {
		return nil
	}
	return tengo.ToInterface(obj)
}
