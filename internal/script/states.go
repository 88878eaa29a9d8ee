package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/scriptstate/internal/config"
)

// GlobalContextID identifies the interpreter context not tied to a partition.
const GlobalContextID int32 = -1

// InterpreterContext owns one interpreter. Executions within a context are
// serialized.
type InterpreterContext struct {
	id int32

	mu          sync.Mutex
	initialized bool
	initErr     error
	interp      Interpreter
}

func newInterpreterContext(id int32) *InterpreterContext {
	return &InterpreterContext{id: id}
}

// ID returns the partition id, or GlobalContextID.
func (c *InterpreterContext) ID() int32 { return c.id }

// IsGlobal reports whether this is the global context.
func (c *InterpreterContext) IsGlobal() bool { return c.id == GlobalContextID }

// IsInitialized reports whether initialization succeeded.
func (c *InterpreterContext) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.initErr == nil
}

// initialize runs build once. Later calls return the first result.
func (c *InterpreterContext) initialize(build func(id int32) (Interpreter, error)) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return c.initErr
	}
	c.initialized = true

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter construction panic: %v", r)
		}
		c.initErr = err
	}()

	c.interp, err = build(c.id)
	return err
}

// Execute runs unit in this context.
func (c *InterpreterContext) Execute(ctx context.Context, unit *Unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interp == nil {
		return fmt.Errorf("interpreter context %d is not initialized", c.id)
	}
	return c.interp.Execute(ctx, unit)
}

// ResetModules clears the modules loaded through require.
func (c *InterpreterContext) ResetModules() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interp != nil {
		c.interp.ResetModules()
	}
}

func (c *InterpreterContext) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interp == nil {
		return nil
	}
	err := c.interp.Close()
	c.interp = nil
	return err
}

// RunReport summarizes one RunAllScripts call.
type RunReport struct {
	RunID     string
	ContextID int32
	Executed  int
	Compiled  int
	Cached    int
	Failed    int
	Skipped   int
	Elapsed   time.Duration
}

// StateRegistry maps context ids to interpreter contexts.
type StateRegistry struct {
	mu       sync.Mutex
	contexts map[int32]*InterpreterContext

	factory   EngineFactory
	language  ScriptLanguage
	limits    SecurityLimits
	cfg       config.Provider
	inventory *Inventory
	cache     *Cache
	compiler  *Compiler
	reporter  *ErrorReporter
}

// RegistryDependencies holds all the services that the StateRegistry requires
type RegistryDependencies struct {
	Factory   EngineFactory
	Language  ScriptLanguage
	Limits    SecurityLimits
	Config    config.Provider
	Inventory *Inventory
	Cache     *Cache
	Compiler  *Compiler
	Reporter  *ErrorReporter
}

// NewStateRegistry creates an empty registry.
func NewStateRegistry(deps RegistryDependencies) *StateRegistry {
	return &StateRegistry{
		contexts:  make(map[int32]*InterpreterContext),
		factory:   deps.Factory,
		language:  deps.Language,
		limits:    deps.Limits,
		cfg:       deps.Config,
		inventory: deps.Inventory,
		cache:     deps.Cache,
		compiler:  deps.Compiler,
		reporter:  deps.Reporter,
	}
}

// GetOrCreateContext returns the context for id, creating and initializing
// it on first use. A context created while the cache is ready runs the
// script inventory before it is returned. A context whose initialization
// fails is removed so the next call retries.
func (r *StateRegistry) GetOrCreateContext(id int32) (*InterpreterContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc, created, err := r.contextLocked(id)
	if err != nil || !created {
		return sc, err
	}

	if r.cache.State() == StateReady {
		r.runScripts(context.Background(), sc)
	}
	return sc, nil
}

// contextLocked returns the context for id and whether it was created by
// this call. r.mu must be held.
func (r *StateRegistry) contextLocked(id int32) (*InterpreterContext, bool, error) {
	if existing, ok := r.contexts[id]; ok {
		return existing, false, nil
	}

	sc := newInterpreterContext(id)
	r.contexts[id] = sc

	if err := sc.initialize(r.buildInterpreter); err != nil {
		delete(r.contexts, id)
		scriptErr := NewScriptError(ErrorTypeInitialization, "", "",
			fmt.Sprintf("failed to initialize interpreter context %d", id), err)
		r.reporter.Report(scriptErr)
		return nil, false, scriptErr
	}

	LogLifecycle(slog.LevelDebug, "Created interpreter context", id)
	return sc, true, nil
}

// GetGlobalContext returns the global context, creating it on first use.
func (r *StateRegistry) GetGlobalContext() (*InterpreterContext, error) {
	return r.GetOrCreateContext(GlobalContextID)
}

// Context returns an existing context without creating one.
func (r *StateRegistry) Context(id int32) (*InterpreterContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc, ok := r.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrContextNotFound, id)
	}
	return sc, nil
}

// Contexts returns the ids of all live contexts in ascending order.
func (r *StateRegistry) Contexts() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int32, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RemoveContext closes and forgets the context for id.
func (r *StateRegistry) RemoveContext(id int32) error {
	r.mu.Lock()
	sc, ok := r.contexts[id]
	delete(r.contexts, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrContextNotFound, id)
	}

	LogLifecycle(slog.LevelDebug, "Removed interpreter context", id)
	return sc.close()
}

// Shutdown closes every context.
func (r *StateRegistry) Shutdown() error {
	r.mu.Lock()
	contexts := r.contexts
	r.contexts = make(map[int32]*InterpreterContext)
	r.mu.Unlock()

	var errs []error
	for id, sc := range contexts {
		if err := sc.close(); err != nil {
			errs = append(errs, fmt.Errorf("context %d: %w", id, err))
		}
	}

	LogSystem(slog.LevelInfo, "Interpreter contexts shut down", slog.Int("contexts", len(contexts)))
	return errors.Join(errs...)
}

func (r *StateRegistry) buildInterpreter(id int32) (Interpreter, error) {
	engine, err := r.factory.CreateEngine(r.language)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s engine: %w", r.language, err)
	}
	if err := engine.SetSecurityLimits(r.limits); err != nil {
		return nil, fmt.Errorf("failed to apply security limits: %w", err)
	}

	return engine.NewInterpreter(InterpreterOptions{
		ContextID:    id,
		PackagePath:  r.inventory.RequirePath(),
		PackageCPath: r.inventory.RequireCPath(),
		Resolver:     newModuleResolver(r.inventory, r.cache, r.compiler, r.reporter),
	})
}

// RunAllScripts executes every inventory script in the global context.
func (r *StateRegistry) RunAllScripts(ctx context.Context) RunReport {
	return r.RunScripts(ctx, GlobalContextID)
}

// RunScripts executes every inventory script in the context for id,
// extensions first, creating the context when needed. Failures are reported
// and counted; they never stop the batch.
func (r *StateRegistry) RunScripts(ctx context.Context, id int32) RunReport {
	r.mu.Lock()
	sc, _, err := r.contextLocked(id)
	r.mu.Unlock()

	if err != nil {
		report := RunReport{RunID: uuid.NewString(), ContextID: id}
		LogRunSummary(report)
		return report
	}
	return r.runScripts(ctx, sc)
}

func (r *StateRegistry) runScripts(ctx context.Context, sc *InterpreterContext) RunReport {
	start := time.Now()
	report := RunReport{
		RunID:     uuid.NewString(),
		ContextID: sc.ID(),
	}
	sc.ResetModules()

	useCache := r.cfg.IsBytecodeCacheEnabled()
	loaded := make(map[string]string)

	for _, file := range r.inventory.Ordered() {
		if ctx.Err() != nil {
			LogSystem(slog.LevelWarn, "Script run canceled",
				slog.String("run_id", report.RunID), slog.Int("context_id", int(sc.ID())))
			break
		}

		if !file.Executable() {
			report.Skipped++
			LogExecution(slog.LevelDebug, "Skipping script the engine cannot run", file.Name, file.Path)
			continue
		}

		if prev, dup := loaded[file.Name]; dup {
			report.Skipped++
			r.reporter.Report(NewScriptError(ErrorTypeDuplicate, file.Name, file.Path,
				"script name already loaded from "+prev, nil))
			continue
		}

		var (
			handled bool
			err     error
		)
		if useCache && file.Compilable() && r.cache.IsInCache(file.Path) {
			handled, err = r.runFromCache(ctx, sc, file, &report)
		}
		if !handled {
			err = r.runFromSource(ctx, sc, file)
		}

		if err != nil {
			report.Failed++
			r.reporter.Report(executionError(file, err))
			continue
		}

		report.Executed++
		loaded[file.Name] = file.Path
	}

	report.Elapsed = time.Since(start)
	LogRunSummary(report)
	return report
}

// runFromCache executes the cached artifact for file, recompiling first when
// the source changed. It returns false when no usable artifact exists so the
// caller can fall back to the source path.
func (r *StateRegistry) runFromCache(ctx context.Context, sc *InterpreterContext, file ScriptFile, report *RunReport) (bool, error) {
	compiled := false
	if r.cache.IsStale(file.Path) {
		artifact, err := r.compiler.Compile(file.Path)
		if err != nil {
			r.cache.Invalidate(file.Path)
			return true, err
		}
		r.cache.Store(file.Path, artifact)
		compiled = true
	}

	artifact, ok := r.cache.Get(file.Path)
	if !ok {
		return false, nil
	}

	unit, err := r.compiler.LoadArtifact(file.Path, artifact)
	if err != nil {
		r.cache.Invalidate(file.Path)
		LogCache(slog.LevelWarn, "Cached bytecode is unusable, loading from source", file.Path,
			slog.String("error", err.Error()))
		return false, nil
	}

	if compiled {
		report.Compiled++
	} else {
		report.Cached++
	}
	return true, sc.Execute(ctx, unit)
}

func (r *StateRegistry) runFromSource(ctx context.Context, sc *InterpreterContext, file ScriptFile) error {
	unit, err := r.compiler.LoadSource(file.Path)
	if err != nil {
		return err
	}
	return sc.Execute(ctx, unit)
}

// ExecuteScript runs the inventory script name in the context for id,
// creating the context when needed.
func (r *StateRegistry) ExecuteScript(ctx context.Context, id int32, name string) error {
	file, ok := r.inventory.Lookup(name)
	if !ok {
		return NewScriptError(ErrorTypeNotFound, name, "", "script not found: "+name, nil)
	}

	sc, err := r.GetOrCreateContext(id)
	if err != nil {
		return err
	}

	var unit *Unit
	if file.Compilable() && r.cfg.IsBytecodeCacheEnabled() {
		artifact, _, fetchErr := r.cache.Fetch(file.Path, r.compiler.Compile)
		if fetchErr != nil {
			return fetchErr
		}
		unit, err = r.compiler.LoadArtifact(file.Path, artifact)
	} else {
		unit, err = r.compiler.LoadSource(file.Path)
	}
	if err != nil {
		return err
	}

	if err := sc.Execute(ctx, unit); err != nil {
		return executionError(file, err)
	}
	return nil
}

func executionError(file ScriptFile, err error) *ScriptError {
	var scriptErr *ScriptError
	if errors.As(err, &scriptErr) {
		return scriptErr
	}

	if errors.Is(err, ErrTimeout) {
		return NewScriptError(ErrorTypeTimeout, file.Name, file.Path, "script execution timed out", err)
	}
	return NewScriptError(ErrorTypeExecution, file.Name, file.Path, "script execution failed", err)
}
