package script

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrorReporter categorizes, counts and logs script errors. Errors never
// propagate out of a batch operation; they are reported here instead.
type ErrorReporter struct {
	mu          sync.Mutex
	errorCounts map[errorKey]int
	lastErrors  map[errorKey]*ScriptError
}

type errorKey struct {
	path      string
	errorType ErrorType
}

// ErrorReport contains information about a reported error
type ErrorReport struct {
	Error           *ScriptError
	Severity        ErrorSeverity
	SuggestedAction string
	Occurrences     int
	FirstOccurrence bool
}

// ErrorSeverity categorizes the impact of errors
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "critical" // the subsystem cannot operate
	SeverityHigh     ErrorSeverity = "high"     // a script or context is unusable
	SeverityMedium   ErrorSeverity = "medium"   // a single script was skipped
	SeverityLow      ErrorSeverity = "low"      // informational
)

// ErrorSummary provides aggregated error information
type ErrorSummary struct {
	TotalErrors     int
	ErrorsByType    map[ErrorType]int
	ErrorsByScript  map[string]int
	MostCommonError *ScriptError
	LastErrorTime   time.Time
}

// NewErrorReporter creates an empty error reporter
func NewErrorReporter() *ErrorReporter {
	return &ErrorReporter{
		errorCounts: make(map[errorKey]int),
		lastErrors:  make(map[errorKey]*ScriptError),
	}
}

// Report records err and logs it with a level matching its severity. Errors
// that are not a *ScriptError are recorded as internal errors.
func (er *ErrorReporter) Report(err error) *ErrorReport {
	if err == nil {
		return nil
	}

	var scriptErr *ScriptError
	if !errors.As(err, &scriptErr) {
		scriptErr = NewScriptError(ErrorTypeInternal, "", "", "unexpected script subsystem error", err)
	}

	key := errorKey{path: scriptErr.Path, errorType: scriptErr.Type}

	er.mu.Lock()
	er.errorCounts[key]++
	er.lastErrors[key] = scriptErr
	count := er.errorCounts[key]
	er.mu.Unlock()

	report := &ErrorReport{
		Error:           scriptErr,
		Severity:        determineSeverity(scriptErr, count),
		SuggestedAction: suggestAction(scriptErr),
		Occurrences:     count,
		FirstOccurrence: count == 1,
	}

	er.logError(report)
	return report
}

func determineSeverity(err *ScriptError, count int) ErrorSeverity {
	switch err.Type {
	case ErrorTypeInternal:
		return SeverityCritical
	case ErrorTypeInitialization:
		return SeverityHigh
	case ErrorTypeExecution, ErrorTypeTimeout:
		if count > 3 {
			return SeverityHigh
		}
		return SeverityMedium
	case ErrorTypeCompilation, ErrorTypeInvalidSyntax, ErrorTypeDiscovery:
		return SeverityMedium
	case ErrorTypeDuplicate, ErrorTypeState, ErrorTypeNotFound:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func suggestAction(err *ScriptError) string {
	switch err.Type {
	case ErrorTypeInvalidSyntax:
		return "Fix the syntax error; the script is skipped until it compiles."
	case ErrorTypeCompilation:
		return "Check imports and referenced globals; the script is skipped until it compiles."
	case ErrorTypeExecution:
		return "Review script logic; other scripts continue to run."
	case ErrorTypeTimeout:
		return "Check for infinite loops or raise SCRIPT_MAX_EXECUTION_TIME."
	case ErrorTypeDuplicate:
		return "Rename one of the scripts; only the first one found is used."
	case ErrorTypeDiscovery:
		return "Check permissions on the script directory."
	case ErrorTypeState:
		return "Request a reinit before reloading the inventory."
	case ErrorTypeInitialization:
		return "Check the script engine configuration; the context will be rebuilt on next use."
	default:
		return ""
	}
}

func (er *ErrorReporter) logError(report *ErrorReport) {
	fields := []slog.Attr{
		slog.String("severity", string(report.Severity)),
		slog.Int("occurrences", report.Occurrences),
		slog.Bool("first_occurrence", report.FirstOccurrence),
	}
	if report.SuggestedAction != "" {
		fields = append(fields, slog.String("suggestion", report.SuggestedAction))
	}

	level := slog.LevelWarn
	switch report.Severity {
	case SeverityCritical, SeverityHigh:
		level = slog.LevelError
	case SeverityLow:
		level = slog.LevelInfo
	}

	LogError(level, report.Error, fields...)
}

// GetErrorSummary returns aggregated error statistics
func (er *ErrorReporter) GetErrorSummary() *ErrorSummary {
	er.mu.Lock()
	defer er.mu.Unlock()

	summary := &ErrorSummary{
		ErrorsByType:   make(map[ErrorType]int),
		ErrorsByScript: make(map[string]int),
	}

	var mostCommonCount int
	for key, count := range er.errorCounts {
		summary.TotalErrors += count
		summary.ErrorsByType[key.errorType] += count

		lastErr := er.lastErrors[key]
		summary.ErrorsByScript[lastErr.ScriptName] += count

		if count > mostCommonCount {
			mostCommonCount = count
			summary.MostCommonError = lastErr
		}
		if lastErr.Timestamp.After(summary.LastErrorTime) {
			summary.LastErrorTime = lastErr.Timestamp
		}
	}

	return summary
}

// ClearErrorHistory clears error tracking history
func (er *ErrorReporter) ClearErrorHistory() {
	er.mu.Lock()
	er.errorCounts = make(map[errorKey]int)
	er.lastErrors = make(map[errorKey]*ScriptError)
	er.mu.Unlock()

	slog.Info("Error history cleared")
}
