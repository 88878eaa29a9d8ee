package script

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/parser"
	"github.com/d5/tengo/v2/stdlib"
)

// Globals every interpreter defines before running a unit. Compiled units
// reference them by index, so the order is fixed.
var predefinedGlobals = []string{
	"context_id",
	"exports",
	"log",
	"package_cpath",
	"package_path",
	"require",
	"state",
}

const (
	globalContextID = iota
	globalExports
	globalLog
	globalPackageCPath
	globalPackagePath
	globalRequire
	globalState
)

// TengoEngine implements the LanguageEngine interface for Tengo scripts
type TengoEngine struct {
	mu             sync.RWMutex
	securityLimits SecurityLimits
	modules        *tengo.ModuleMap
}

// NewTengoEngine creates a new Tengo engine with default security limits
func NewTengoEngine() *TengoEngine {
	e := &TengoEngine{}
	_ = e.SetSecurityLimits(GetDefaultSecurityLimits())
	return e
}

// SetSecurityLimits configures resource and security constraints
func (e *TengoEngine) SetSecurityLimits(limits SecurityLimits) error {
	if limits.MaxAllocs == 0 {
		limits.MaxAllocs = -1
	}

	e.mu.Lock()
	e.securityLimits = limits
	e.modules = stdlib.GetModuleMap(limits.AllowedPackages...)
	e.mu.Unlock()
	return nil
}

func (e *TengoEngine) limits() (SecurityLimits, *tengo.ModuleMap) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.securityLimits, e.modules
}

func newSymbolTable() *tengo.SymbolTable {
	symbolTable := tengo.NewSymbolTable()
	for _, name := range predefinedGlobals {
		symbolTable.Define(name)
	}
	return symbolTable
}

// Compile parses and compiles src. Imports of allowed stdlib modules are
// resolved here; everything else goes through require at run time.
func (e *TengoEngine) Compile(name string, src []byte) (unit *Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tengo compiler panic: %v", r)
		}
	}()

	_, modules := e.limits()

	fileSet := parser.NewFileSet()
	srcFile := fileSet.AddFile(name, -1, len(src))
	p := parser.NewParser(srcFile, src, nil)
	file, err := p.ParseFile()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	c := tengo.NewCompiler(srcFile, newSymbolTable(), nil, modules, nil)
	if err := c.Compile(file); err != nil {
		return nil, err
	}

	bytecode := c.Bytecode()
	bytecode.RemoveDuplicates()

	return &Unit{Name: name, Language: LanguageTengo, code: bytecode}, nil
}

// Load decodes an artifact produced by Dump.
func (e *TengoEngine) Load(name string, artifact []byte) (unit *Unit, err error) {
	if len(artifact) == 0 {
		return nil, fmt.Errorf("empty bytecode for %s", name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tengo bytecode decode panic: %v", r)
		}
	}()

	_, modules := e.limits()

	bytecode := &tengo.Bytecode{}
	if err := bytecode.Decode(bytes.NewReader(artifact), modules); err != nil {
		return nil, fmt.Errorf("failed to decode bytecode for %s: %w", name, err)
	}

	return &Unit{Name: name, Language: LanguageTengo, code: bytecode}, nil
}

// Dump encodes unit into a byte artifact.
func (e *TengoEngine) Dump(unit *Unit) ([]byte, error) {
	bytecode, err := tengoBytecode(unit)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := bytecode.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode bytecode for %s: %w", unit.Name, err)
	}
	return buf.Bytes(), nil
}

// NewInterpreter creates an interpreter with its own state table and module
// cache.
func (e *TengoEngine) NewInterpreter(opts InterpreterOptions) (Interpreter, error) {
	return &tengoInterpreter{
		engine:  e,
		opts:    opts,
		state:   &tengo.Map{Value: make(map[string]tengo.Object)},
		loaded:  make(map[string]tengo.Object),
		loading: make(map[string]bool),
	}, nil
}

func tengoBytecode(unit *Unit) (*tengo.Bytecode, error) {
	if unit == nil {
		return nil, fmt.Errorf("nil unit")
	}
	bytecode, ok := unit.code.(*tengo.Bytecode)
	if !ok {
		return nil, fmt.Errorf("unit %s was not produced by the tengo engine", unit.Name)
	}
	return bytecode, nil
}

type tengoInterpreter struct {
	engine *TengoEngine
	opts   InterpreterOptions
	state  *tengo.Map

	mu      sync.Mutex
	loaded  map[string]tengo.Object
	loading map[string]bool
}

// Execute runs unit with fresh exports and the interpreter's shared state.
func (i *tengoInterpreter) Execute(ctx context.Context, unit *Unit) error {
	_, err := i.run(ctx, unit)
	return err
}

// loadedModule is the result of running a unit: its exports plus the
// bytecode and globals its exported functions are bound to.
type loadedModule struct {
	bytecode *tengo.Bytecode
	globals  []tengo.Object
	exports  *tengo.Map
}

func (i *tengoInterpreter) run(ctx context.Context, unit *Unit) (*loadedModule, error) {
	bytecode, err := tengoBytecode(unit)
	if err != nil {
		return nil, err
	}

	limits, _ := i.engine.limits()
	execCtx := ctx
	if limits.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, limits.MaxExecutionTime)
		defer cancel()
	}

	mod := &loadedModule{
		bytecode: bytecode,
		globals:  make([]tengo.Object, tengo.GlobalsSize),
		exports:  &tengo.Map{Value: make(map[string]tengo.Object)},
	}
	mod.globals[globalContextID] = &tengo.Int{Value: int64(i.opts.ContextID)}
	mod.globals[globalExports] = mod.exports
	mod.globals[globalLog] = i.logFunction(unit.Name)
	mod.globals[globalPackageCPath] = &tengo.String{Value: i.opts.PackageCPath}
	mod.globals[globalPackagePath] = &tengo.String{Value: i.opts.PackagePath}
	mod.globals[globalRequire] = i.requireFunction(ctx)
	mod.globals[globalState] = i.state

	if err := runVM(execCtx, unit.Name, bytecode, mod.globals, limits.MaxAllocs); err != nil {
		return nil, err
	}
	return mod, nil
}

// runVM executes bytecode in a goroutine so that timeouts and panics are
// turned into errors.
func runVM(ctx context.Context, name string, bytecode *tengo.Bytecode, globals []tengo.Object, maxAllocs int64) error {
	vm := tengo.NewVM(bytecode, globals, maxAllocs)

	resultChan := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- fmt.Errorf("script panic: %v", r)
			}
		}()
		resultChan <- vm.Run()
	}()

	select {
	case err := <-resultChan:
		return err
	case <-ctx.Done():
		vm.Abort()
		<-resultChan
		return fmt.Errorf("%w: %s: %v", ErrTimeout, name, ctx.Err())
	}
}

// requireFunction exposes require(name) to scripts. A module runs once per
// interpreter and its exports are returned on every later call.
func (i *tengoInterpreter) requireFunction(ctx context.Context) *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: "require",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			name, ok := tengo.ToString(args[0])
			if !ok {
				return nil, tengo.ErrInvalidArgumentType{
					Name:     "name",
					Expected: "string",
					Found:    args[0].TypeName(),
				}
			}
			return i.require(ctx, name)
		},
	}
}

func (i *tengoInterpreter) require(ctx context.Context, name string) (tengo.Object, error) {
	i.mu.Lock()
	if mod, ok := i.loaded[name]; ok {
		i.mu.Unlock()
		return mod, nil
	}
	if i.loading[name] {
		i.mu.Unlock()
		return nil, fmt.Errorf("cyclic require of module '%s'", name)
	}
	i.loading[name] = true
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		delete(i.loading, name)
		i.mu.Unlock()
	}()

	if i.opts.Resolver == nil {
		return nil, fmt.Errorf("module '%s' not found", name)
	}
	unit, ok := i.opts.Resolver.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("module '%s' not found", name)
	}

	mod, err := i.run(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("module '%s': %w", name, err)
	}
	exports := i.bindExports(mod, mod.exports)

	i.mu.Lock()
	i.loaded[name] = exports
	i.mu.Unlock()

	return exports, nil
}

// bindExports returns an immutable copy of exports in which every compiled
// function is wrapped to run against the module it came from. Compiled
// functions address constants and globals by index, so they cannot run
// inside the requiring script's VM.
func (i *tengoInterpreter) bindExports(mod *loadedModule, exports *tengo.Map) *tengo.ImmutableMap {
	bound := make(map[string]tengo.Object, len(exports.Value))
	for key, value := range exports.Value {
		bound[key] = i.bindValue(mod, key, value)
	}
	return &tengo.ImmutableMap{Value: bound}
}

func (i *tengoInterpreter) bindValue(mod *loadedModule, name string, value tengo.Object) tengo.Object {
	switch v := value.(type) {
	case *tengo.CompiledFunction:
		return i.moduleFunction(mod, name, v)
	case *tengo.Map:
		return i.bindExports(mod, v)
	case *tengo.ImmutableMap:
		return i.bindExports(mod, &tengo.Map{Value: v.Value})
	default:
		return value
	}
}

func (i *tengoInterpreter) moduleFunction(mod *loadedModule, name string, fn *tengo.CompiledFunction) *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: name,
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			return i.callModuleFunction(mod, name, fn, args)
		},
	}
}

// callModuleFunction runs fn through a small trampoline program that shares
// the module's constants and globals and stores the result in the last
// global slot.
func (i *tengoInterpreter) callModuleFunction(mod *loadedModule, name string, fn *tengo.CompiledFunction, args []tengo.Object) (tengo.Object, error) {
	constants := make([]tengo.Object, 0, len(mod.bytecode.Constants)+1+len(args))
	constants = append(constants, mod.bytecode.Constants...)

	fnIdx := len(constants)
	constants = append(constants, fn)
	insts := tengo.MakeInstruction(parser.OpConstant, fnIdx)
	for idx, arg := range args {
		constants = append(constants, arg)
		insts = append(insts, tengo.MakeInstruction(parser.OpConstant, fnIdx+1+idx)...)
	}

	resultIdx := len(mod.globals) - 1
	insts = append(insts, tengo.MakeInstruction(parser.OpCall, len(args), 0)...)
	insts = append(insts, tengo.MakeInstruction(parser.OpSetGlobal, resultIdx)...)
	insts = append(insts, tengo.MakeInstruction(parser.OpSuspend)...)

	trampoline := &tengo.Bytecode{
		FileSet:      mod.bytecode.FileSet,
		MainFunction: &tengo.CompiledFunction{Instructions: insts},
		Constants:    constants,
	}

	limits, _ := i.engine.limits()
	ctx := context.Background()
	if limits.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.MaxExecutionTime)
		defer cancel()
	}

	if err := runVM(ctx, name, trampoline, mod.globals, limits.MaxAllocs); err != nil {
		return nil, err
	}

	result := mod.globals[resultIdx]
	mod.globals[resultIdx] = nil
	if result == nil {
		return tengo.UndefinedValue, nil
	}
	return result, nil
}

// logFunction routes script log calls into slog.
func (i *tengoInterpreter) logFunction(scriptName string) *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: "log",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) == 0 {
				return nil, tengo.ErrWrongNumArguments
			}

			parts := make([]string, len(args))
			for idx, arg := range args {
				if s, ok := tengo.ToString(arg); ok {
					parts[idx] = s
				} else {
					parts[idx] = arg.String()
				}
			}

			slog.Info("Script log",
				"message", strings.Join(parts, " "),
				"script", scriptName,
				"context_id", i.opts.ContextID,
			)
			return tengo.UndefinedValue, nil
		},
	}
}

func (i *tengoInterpreter) ResetModules() {
	i.mu.Lock()
	i.loaded = make(map[string]tengo.Object)
	i.mu.Unlock()
}

func (i *tengoInterpreter) Close() error {
	i.ResetModules()
	return nil
}
