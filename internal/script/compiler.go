package script

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
)

// Compiler turns script files into bytecode artifacts.
type Compiler struct {
	fs       afero.Fs
	engine   LanguageEngine
	reporter *ErrorReporter
}

// NewCompiler creates a compiler that reads from fs and compiles with engine.
func NewCompiler(fs afero.Fs, engine LanguageEngine, reporter *ErrorReporter) *Compiler {
	return &Compiler{
		fs:       fs,
		engine:   engine,
		reporter: reporter,
	}
}

// Compile reads and compiles the script at path and returns its serialized
// artifact. Errors are always *ScriptError.
func (c *Compiler) Compile(path string) (artifact []byte, err error) {
	name := scriptNameFromPath(path)

	defer func() {
		if r := recover(); r != nil {
			artifact = nil
			err = NewScriptError(ErrorTypeInternal, name, path, "unknown error while compiling script", fmt.Errorf("%v", r))
		}
	}()

	start := time.Now()

	unit, err := c.compileUnit(path)
	if err != nil {
		return nil, err
	}

	artifact, err = c.engine.Dump(unit)
	if err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, name, path, "failed to dump bytecode", err)
	}
	if len(artifact) == 0 {
		return nil, NewScriptError(ErrorTypeCompilation, name, path, "engine produced empty bytecode", nil)
	}

	LogExecution(slog.LevelDebug, "Compiled script to bytecode", name, path,
		slog.Duration("compile_time", time.Since(start)),
		slog.Int("size", len(artifact)),
	)
	return artifact, nil
}

// CompileToBytecode compiles path and reports any failure. It returns false
// instead of an error.
func (c *Compiler) CompileToBytecode(path string) ([]byte, bool) {
	artifact, err := c.Compile(path)
	if err != nil {
		c.reporter.Report(err)
		return nil, false
	}
	return artifact, true
}

// LoadSource returns an executable unit for the file at path. Source files
// are compiled; precompiled files are decoded as artifacts.
func (c *Compiler) LoadSource(path string) (*Unit, error) {
	file, ok := NewScriptFile(path)
	if !ok {
		return nil, NewScriptError(ErrorTypeNotFound, scriptNameFromPath(path), path, "unsupported script extension", nil)
	}

	switch {
	case file.Compilable():
		return c.compileUnit(path)
	case file.Ext == ExtPrecompiled:
		artifact, err := afero.ReadFile(c.fs, path)
		if err != nil {
			return nil, NewScriptError(ErrorTypeNotFound, file.Name, path, "failed to read precompiled script", err)
		}
		return c.LoadArtifact(path, artifact)
	default:
		return nil, NewScriptError(ErrorTypeNotFound, file.Name, path, "script kind cannot be loaded by the engine", nil)
	}
}

// LoadArtifact decodes a cached or precompiled artifact without executing it.
func (c *Compiler) LoadArtifact(path string, artifact []byte) (*Unit, error) {
	unit, err := c.engine.Load(path, artifact)
	if err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, scriptNameFromPath(path), path, "failed to load bytecode", err)
	}
	return unit, nil
}

func (c *Compiler) compileUnit(path string) (*Unit, error) {
	name := scriptNameFromPath(path)

	src, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, name, path, "failed to read script", err)
	}

	unit, err := c.engine.Compile(path, src)
	if err != nil {
		errorType := ErrorTypeCompilation
		if errors.Is(err, ErrSyntax) {
			errorType = ErrorTypeInvalidSyntax
		}
		return nil, NewScriptError(errorType, name, path, "failed to compile script", err)
	}
	return unit, nil
}
