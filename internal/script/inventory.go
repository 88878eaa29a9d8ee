package script

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/nfrund/scriptstate/internal/config"
)

// Inventory discovers scripts under the configured root, builds module
// search paths and compiles sources into the cache.
type Inventory struct {
	fs       afero.Fs
	cfg      config.Provider
	cache    *Cache
	compiler *Compiler
	reporter *ErrorReporter

	mu              sync.RWMutex
	rootPath        string
	requirePath     string
	requireCPath    string
	precompiledPath string
	scripts         map[string]ScriptFile
	extensions      map[string]ScriptFile
}

// NewInventory creates an empty inventory.
func NewInventory(fs afero.Fs, cfg config.Provider, cache *Cache, compiler *Compiler, reporter *ErrorReporter) *Inventory {
	return &Inventory{
		fs:         fs,
		cfg:        cfg,
		cache:      cache,
		compiler:   compiler,
		reporter:   reporter,
		scripts:    make(map[string]ScriptFile),
		extensions: make(map[string]ScriptFile),
	}
}

// scan accumulates the results of one directory walk.
type scan struct {
	reporter        *ErrorReporter
	requirePath     strings.Builder
	requireCPath    strings.Builder
	precompiledPath strings.Builder
	scripts         map[string]ScriptFile
	extensions      map[string]ScriptFile
}

func newScan(reporter *ErrorReporter, requirePath, requireCPath string) *scan {
	s := &scan{
		reporter:   reporter,
		scripts:    make(map[string]ScriptFile),
		extensions: make(map[string]ScriptFile),
	}
	s.requirePath.WriteString(withSeparator(requirePath))
	s.requireCPath.WriteString(withSeparator(requireCPath))
	return s
}

func withSeparator(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, ";") {
		return prefix
	}
	return prefix + ";"
}

func (s *scan) addSearchDir(dir string) {
	dir = filepath.ToSlash(dir)
	s.requirePath.WriteString(dir + "/?.lua;" + dir + "/?.moon;" + dir + "/?.ext;")
	s.requireCPath.WriteString(dir + "/?.dll;" + dir + "/?.so;")
	s.precompiledPath.WriteString(dir + "/?.out;")
}

func (s *scan) addFile(path string) {
	file, ok := NewScriptFile(path)
	if !ok {
		return
	}

	target := s.scripts
	if file.IsExtension {
		target = s.extensions
	}

	if existing, dup := target[file.Name]; dup {
		s.reporter.Report(NewScriptError(ErrorTypeDuplicate, file.Name, path,
			"duplicate script name, keeping "+existing.Path, nil))
		return
	}
	target[file.Name] = file
}

func (s *scan) remove(file ScriptFile) {
	if file.IsExtension {
		delete(s.extensions, file.Name)
	} else {
		delete(s.scripts, file.Name)
	}
}

// Reload rescans the script root. It is refused unless the cache state is
// StateNone or StateReinit. On success the state becomes StateReady; on a
// failed scan it becomes StateReinit so the next call may retry.
func (inv *Inventory) Reload() bool {
	if err := inv.cache.BeginLoad(); err != nil {
		inv.reporter.Report(NewScriptError(ErrorTypeState, "", "", "refusing to reload script inventory", err))
		return false
	}

	start := time.Now()
	if !inv.load() {
		inv.cache.SetState(StateReinit)
		return false
	}
	inv.cache.SetState(StateReady)

	inv.mu.RLock()
	total := len(inv.scripts) + len(inv.extensions)
	inv.mu.RUnlock()

	LogSystem(slog.LevelInfo, "Loaded script inventory",
		slog.Int("scripts", total),
		slog.Int64("elapsed_us", time.Since(start).Microseconds()),
	)
	return true
}

func (inv *Inventory) load() bool {
	root := inv.expandRoot(inv.cfg.GetScriptPath())
	s := newScan(inv.reporter, inv.cfg.GetRequirePath(), inv.cfg.GetRequireCPath())

	exists, err := afero.DirExists(inv.fs, root)
	if err != nil {
		inv.reporter.Report(NewScriptError(ErrorTypeDiscovery, "", root, "failed to inspect script directory", err))
		return false
	}
	if !exists {
		LogSystem(slog.LevelWarn, "Script directory does not exist", slog.String("path", root))
		inv.commit(root, s)
		return true
	}

	if err := inv.walk(s, root, make(map[string]bool)); err != nil {
		inv.reporter.Report(NewScriptError(ErrorTypeDiscovery, "", root, "failed to scan script directory", err))
		return false
	}

	inv.compileAll(s)
	inv.commit(root, s)
	inv.pruneCache(s)
	return true
}

// walk adds dir and everything below it to s. Symlinks are followed and
// keep their path under the root; visited holds resolved directories so a
// link cycle ends the descent. Only a failure to read dir itself is
// returned, unreadable subdirectories are reported and skipped.
func (inv *Inventory) walk(s *scan, dir string, visited map[string]bool) error {
	resolved := inv.resolve(dir)
	if visited[resolved] {
		LogSystem(slog.LevelDebug, "Skipping already scanned directory", slog.String("path", dir))
		return nil
	}
	visited[resolved] = true

	entries, err := afero.ReadDir(inv.fs, dir)
	if err != nil {
		return err
	}
	s.addSearchDir(dir)

	for _, info := range entries {
		path := filepath.Join(dir, info.Name())
		if IsHidden(path) {
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := inv.fs.Stat(path)
			if err != nil {
				LogSystem(slog.LevelDebug, "Skipping dangling symlink", slog.String("path", path))
				continue
			}
			info = target
		}

		switch {
		case info.IsDir():
			if err := inv.walk(s, path, visited); err != nil {
				inv.reporter.Report(NewScriptError(ErrorTypeDiscovery, "", path, "failed to read script path", err))
			}
		case info.Mode().IsRegular():
			s.addFile(path)
		}
	}
	return nil
}

// resolve returns the physical location of dir. Only the OS filesystem has
// links to resolve.
func (inv *Inventory) resolve(dir string) string {
	if _, ok := inv.fs.(*afero.OsFs); !ok {
		return filepath.Clean(dir)
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return resolved
	}
	return filepath.Clean(dir)
}

// pruneCache drops entries for files that are no longer in the inventory.
func (inv *Inventory) pruneCache(s *scan) {
	known := make(map[string]bool, len(s.scripts)+len(s.extensions))
	for _, f := range s.scripts {
		known[f.Path] = true
	}
	for _, f := range s.extensions {
		known[f.Path] = true
	}

	for _, entry := range inv.cache.Entries() {
		if !known[entry.Path] {
			inv.cache.Invalidate(entry.Path)
		}
	}
}

// compileAll refreshes cached bytecode for every stale source file. Files
// that fail to compile are dropped from the scan.
func (inv *Inventory) compileAll(s *scan) {
	files := make([]ScriptFile, 0, len(s.scripts)+len(s.extensions))
	for _, f := range s.extensions {
		files = append(files, f)
	}
	for _, f := range s.scripts {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	for _, file := range files {
		if !file.Compilable() || !inv.cache.IsStale(file.Path) {
			continue
		}

		artifact, ok := inv.compiler.CompileToBytecode(file.Path)
		if !ok {
			inv.cache.Invalidate(file.Path)
			s.remove(file)
			continue
		}
		inv.cache.Store(file.Path, artifact)
	}
}

func (inv *Inventory) commit(root string, s *scan) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.rootPath = root
	inv.requirePath = strings.TrimSuffix(s.requirePath.String(), ";")
	inv.requireCPath = strings.TrimSuffix(s.requireCPath.String(), ";")
	inv.precompiledPath = strings.TrimSuffix(s.precompiledPath.String(), ";")
	inv.scripts = s.scripts
	inv.extensions = s.extensions
}

func (inv *Inventory) expandRoot(root string) string {
	if runtime.GOOS != "windows" {
		if expanded, err := homedir.Expand(root); err == nil {
			root = expanded
		} else {
			LogSystem(slog.LevelWarn, "Failed to expand home directory in script path",
				slog.String("path", root), slog.Any("error", err))
		}
	}

	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return root
}

// RootPath returns the absolute script root of the last load.
func (inv *Inventory) RootPath() string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.rootPath
}

// RequirePath returns the source module search path.
func (inv *Inventory) RequirePath() string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.requirePath
}

// RequireCPath returns the native module search path.
func (inv *Inventory) RequireCPath() string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.requireCPath
}

// PrecompiledPath returns the precompiled module search path.
func (inv *Inventory) PrecompiledPath() string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.precompiledPath
}

// Scripts returns a copy of the regular scripts keyed by logical name.
func (inv *Inventory) Scripts() map[string]ScriptFile {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return copyFiles(inv.scripts)
}

// Extensions returns a copy of the extension scripts keyed by logical name.
func (inv *Inventory) Extensions() map[string]ScriptFile {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return copyFiles(inv.extensions)
}

// Lookup finds a script by logical name, preferring extensions.
func (inv *Inventory) Lookup(name string) (ScriptFile, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if file, ok := inv.extensions[name]; ok {
		return file, true
	}
	file, ok := inv.scripts[name]
	return file, ok
}

// Ordered returns extensions followed by regular scripts, each group sorted
// by path.
func (inv *Inventory) Ordered() []ScriptFile {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return append(sortedFiles(inv.extensions), sortedFiles(inv.scripts)...)
}

// Len returns the number of known scripts.
func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.scripts) + len(inv.extensions)
}

func copyFiles(files map[string]ScriptFile) map[string]ScriptFile {
	out := make(map[string]ScriptFile, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out
}

func sortedFiles(files map[string]ScriptFile) []ScriptFile {
	out := make([]ScriptFile, 0, len(files))
	for _, f := range files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
