package script

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ScriptLanguage represents supported scripting languages
type ScriptLanguage string

const (
	LanguageTengo ScriptLanguage = "tengo"
)

// ErrorType categorizes different types of script errors
type ErrorType string

const (
	ErrorTypeDiscovery      ErrorType = "discovery"
	ErrorTypeCompilation    ErrorType = "compilation"
	ErrorTypeInvalidSyntax  ErrorType = "invalid_syntax"
	ErrorTypeExecution      ErrorType = "execution"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeState          ErrorType = "state"
	ErrorTypeDuplicate      ErrorType = "duplicate"
	ErrorTypeInitialization ErrorType = "initialization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeInternal       ErrorType = "internal"
)

// Recognized script file extensions.
const (
	ExtScript      = ".lua"
	ExtExtension   = ".ext"
	ExtMoon        = ".moon"
	ExtPrecompiled = ".out"
	ExtNativeDLL   = ".dll"
	ExtNativeSO    = ".so"
)

var validExtensions = map[string]bool{
	ExtScript:      true,
	ExtExtension:   true,
	ExtMoon:        true,
	ExtPrecompiled: true,
	ExtNativeDLL:   true,
	ExtNativeSO:    true,
}

var (
	// ErrSyntax is wrapped by engines when source text cannot be parsed.
	ErrSyntax = errors.New("syntax error")

	// ErrTimeout is wrapped by engines when execution exceeds its time limit.
	ErrTimeout = errors.New("script execution timed out")

	// ErrLoadInProgress is returned when an inventory load is requested
	// while another load is running or the cache is already ready.
	ErrLoadInProgress = errors.New("script cache is not awaiting a load")

	// ErrContextNotFound is returned for unknown interpreter context ids.
	ErrContextNotFound = errors.New("interpreter context not found")
)

// IsValidScriptExtension reports whether ext is on the recognized allow-list.
// The comparison is case-sensitive.
func IsValidScriptExtension(ext string) bool {
	return validExtensions[ext]
}

// ScriptFile describes a discovered script.
type ScriptFile struct {
	// Path is the absolute file path and the cache key.
	Path string
	// Ext is the file extension including the dot.
	Ext string
	// Name is the logical name used for lookups and require().
	Name string
	// ModulePath is the directory holding the file.
	ModulePath string
	// IsExtension marks files that run before regular scripts.
	IsExtension bool
}

// NewScriptFile classifies path. It returns false when the extension is not
// on the allow-list.
func NewScriptFile(path string) (ScriptFile, bool) {
	ext := filepath.Ext(path)
	if !IsValidScriptExtension(ext) {
		return ScriptFile{}, false
	}

	base := filepath.Base(path)
	return ScriptFile{
		Path:        path,
		Ext:         ext,
		Name:        strings.TrimSuffix(base, ext),
		ModulePath:  filepath.Dir(path),
		IsExtension: ext == ExtExtension,
	}, true
}

// Compilable reports whether the file is source text the engine compiles.
func (f ScriptFile) Compilable() bool {
	return f.Ext == ExtScript || f.Ext == ExtExtension
}

// Executable reports whether the file can be run by the batch runner.
func (f ScriptFile) Executable() bool {
	return f.Compilable() || f.Ext == ExtPrecompiled
}

// SecurityLimits defines resource constraints for script execution
type SecurityLimits struct {
	MaxExecutionTime time.Duration
	// MaxAllocs bounds VM object allocations per execution; -1 disables the limit.
	MaxAllocs       int64
	AllowedPackages []string
}

// Unit is a loaded, executable script in an engine-specific representation.
type Unit struct {
	Name     string
	Language ScriptLanguage
	code     interface{}
}

// ScriptError represents script-related errors with context
type ScriptError struct {
	Type       ErrorType
	ScriptName string
	Path       string
	Message    string
	Cause      error
	Timestamp  time.Time
}

func (e *ScriptError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

// NewScriptError creates a new ScriptError with the given parameters
func NewScriptError(errorType ErrorType, scriptName, path, message string, cause error) *ScriptError {
	return &ScriptError{
		Type:       errorType,
		ScriptName: scriptName,
		Path:       path,
		Message:    message,
		Cause:      cause,
		Timestamp:  time.Now(),
	}
}

// scriptNameFromPath returns the file name of path without its extension.
func scriptNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
