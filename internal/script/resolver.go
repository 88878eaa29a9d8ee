package script

import (
	"log/slog"
)

// moduleResolver serves require lookups from the inventory. Source modules
// come from the cache and are recompiled when stale.
type moduleResolver struct {
	inventory *Inventory
	cache     *Cache
	compiler  *Compiler
	reporter  *ErrorReporter
}

func newModuleResolver(inventory *Inventory, cache *Cache, compiler *Compiler, reporter *ErrorReporter) *moduleResolver {
	return &moduleResolver{
		inventory: inventory,
		cache:     cache,
		compiler:  compiler,
		reporter:  reporter,
	}
}

// Resolve implements ModuleResolver.
func (m *moduleResolver) Resolve(name string) (*Unit, bool) {
	file, ok := m.inventory.Lookup(name)
	if !ok {
		return nil, false
	}

	switch {
	case file.Compilable():
		artifact, compiled, err := m.cache.Fetch(file.Path, m.compiler.Compile)
		if err != nil {
			m.reporter.Report(err)
			return nil, false
		}
		unit, err := m.compiler.LoadArtifact(file.Path, artifact)
		if err != nil {
			m.cache.Invalidate(file.Path)
			m.reporter.Report(err)
			return nil, false
		}
		LogExecution(slog.LevelDebug, "Resolved module", file.Name, file.Path, slog.Bool("compiled", compiled))
		return unit, true

	case file.Ext == ExtPrecompiled:
		unit, err := m.compiler.LoadSource(file.Path)
		if err != nil {
			m.reporter.Report(err)
			return nil, false
		}
		return unit, true

	default:
		LogExecution(slog.LevelDebug, "Module kind cannot be loaded by the script engine", file.Name, file.Path)
		return nil, false
	}
}
