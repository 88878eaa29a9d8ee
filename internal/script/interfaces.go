package script

import (
	"context"
)

// EngineFactory creates language-specific script engines
type EngineFactory interface {
	// CreateEngine returns an engine for the specified language
	CreateEngine(language ScriptLanguage) (LanguageEngine, error)

	// SupportedLanguages returns all supported script languages
	SupportedLanguages() []ScriptLanguage
}

// LanguageEngine compiles, serializes and runs scripts in a specific language
type LanguageEngine interface {
	// Compile parses and compiles source text into a unit. Parse failures
	// wrap ErrSyntax.
	Compile(name string, src []byte) (*Unit, error)

	// Load turns an artifact produced by Dump back into a unit without
	// executing it.
	Load(name string, artifact []byte) (*Unit, error)

	// Dump serializes a unit into an opaque artifact.
	Dump(unit *Unit) ([]byte, error)

	// NewInterpreter creates an isolated interpreter instance.
	NewInterpreter(opts InterpreterOptions) (Interpreter, error)

	// SetSecurityLimits configures resource and security constraints
	SetSecurityLimits(limits SecurityLimits) error
}

// Interpreter is a single interpreter instance with its own globals and
// module table.
type Interpreter interface {
	// Execute runs unit. Timeouts wrap ErrTimeout.
	Execute(ctx context.Context, unit *Unit) error

	// ResetModules forgets every module loaded through require.
	ResetModules()

	// Close releases the interpreter.
	Close() error
}

// InterpreterOptions configure a new interpreter.
type InterpreterOptions struct {
	ContextID    int32
	PackagePath  string
	PackageCPath string
	Resolver     ModuleResolver
}

// ModuleResolver finds units for require by logical name. Resolved units are
// loaded but not executed.
type ModuleResolver interface {
	Resolve(name string) (*Unit, bool)
}
