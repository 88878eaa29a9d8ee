package script

import (
	"context"
	"log/slog"
)

// ScriptLogger provides centralized logging for the script system
type ScriptLogger struct {
	baseFields []slog.Attr
}

// NewScriptLogger creates a new script logger with base fields
func NewScriptLogger() *ScriptLogger {
	return &ScriptLogger{
		baseFields: []slog.Attr{
			slog.String("component", "script_state"),
		},
	}
}

func (sl *ScriptLogger) log(level slog.Level, message, eventType string, fields ...slog.Attr) {
	attrs := make([]slog.Attr, 0, len(sl.baseFields)+1+len(fields))
	attrs = append(attrs, sl.baseFields...)
	attrs = append(attrs, slog.String("event_type", eventType))
	attrs = append(attrs, fields...)

	slog.LogAttrs(context.TODO(), level, message, attrs...)
}

// LogScriptExecution logs script execution events with consistent structure
func (sl *ScriptLogger) LogScriptExecution(level slog.Level, message string, scriptName, path string, additionalFields ...slog.Attr) {
	fields := append([]slog.Attr{
		slog.String("script", scriptName),
		slog.String("path", path),
	}, additionalFields...)
	sl.log(level, message, "script_execution", fields...)
}

// LogScriptError logs script errors with comprehensive context
func (sl *ScriptLogger) LogScriptError(level slog.Level, err *ScriptError, additionalFields ...slog.Attr) {
	fields := make([]slog.Attr, 0, 6+len(additionalFields))
	fields = append(fields,
		slog.String("script", err.ScriptName),
		slog.String("path", err.Path),
		slog.String("error_type", string(err.Type)),
		slog.String("error_message", err.Message),
		slog.Time("error_timestamp", err.Timestamp),
	)

	if err.Cause != nil {
		fields = append(fields, slog.String("cause", err.Cause.Error()))
	}
	fields = append(fields, additionalFields...)

	sl.log(level, "Script error", "script_error", fields...)
}

// LogCacheEvent logs bytecode cache events for a single path.
func (sl *ScriptLogger) LogCacheEvent(level slog.Level, message, path string, additionalFields ...slog.Attr) {
	fields := append([]slog.Attr{slog.String("path", path)}, additionalFields...)
	sl.log(level, message, "script_cache", fields...)
}

// LogContextLifecycle logs interpreter context creation and teardown.
func (sl *ScriptLogger) LogContextLifecycle(level slog.Level, message string, contextID int32, additionalFields ...slog.Attr) {
	fields := append([]slog.Attr{slog.Int("context_id", int(contextID))}, additionalFields...)
	sl.log(level, message, "context_lifecycle", fields...)
}

// LogSystemEvent logs system-level script events
func (sl *ScriptLogger) LogSystemEvent(level slog.Level, message string, additionalFields ...slog.Attr) {
	sl.log(level, message, "script_system", additionalFields...)
}

// LogRun logs the outcome of a batch run.
func (sl *ScriptLogger) LogRun(report RunReport) {
	level := slog.LevelInfo
	if report.Failed > 0 {
		level = slog.LevelWarn
	}

	sl.log(level, "Loaded scripts", "script_run",
		slog.String("run_id", report.RunID),
		slog.Int("context_id", int(report.ContextID)),
		slog.Int("executed", report.Executed),
		slog.Int("compiled", report.Compiled),
		slog.Int("cached", report.Cached),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Duration("elapsed", report.Elapsed),
	)
}

// LogHotReload logs hot-reload events
func (sl *ScriptLogger) LogHotReload(action, filePath string, success bool, err error) {
	fields := []slog.Attr{
		slog.String("file_path", filePath),
		slog.String("action", action),
		slog.Bool("success", success),
	}
	if err != nil {
		fields = append(fields, slog.String("error", err.Error()))
	}

	level := slog.LevelInfo
	if !success {
		level = slog.LevelError
	}

	sl.log(level, "Script hot-reload "+action, "hot_reload", fields...)
}

// Global script logger instance
var scriptLogger = NewScriptLogger()

// LogExecution logs a script execution event
func LogExecution(level slog.Level, message string, scriptName, path string, additionalFields ...slog.Attr) {
	scriptLogger.LogScriptExecution(level, message, scriptName, path, additionalFields...)
}

// LogError logs a script error
func LogError(level slog.Level, err *ScriptError, additionalFields ...slog.Attr) {
	scriptLogger.LogScriptError(level, err, additionalFields...)
}

// LogCache logs a bytecode cache event
func LogCache(level slog.Level, message, path string, additionalFields ...slog.Attr) {
	scriptLogger.LogCacheEvent(level, message, path, additionalFields...)
}

// LogLifecycle logs an interpreter context lifecycle event
func LogLifecycle(level slog.Level, message string, contextID int32, additionalFields ...slog.Attr) {
	scriptLogger.LogContextLifecycle(level, message, contextID, additionalFields...)
}

// LogSystem logs a system-level event
func LogSystem(level slog.Level, message string, additionalFields ...slog.Attr) {
	scriptLogger.LogSystemEvent(level, message, additionalFields...)
}

// LogRunSummary logs a batch run report
func LogRunSummary(report RunReport) {
	scriptLogger.LogRun(report)
}

// LogHotReloadEvent logs hot-reload events
func LogHotReloadEvent(action, filePath string, success bool, err error) {
	scriptLogger.LogHotReload(action, filePath, success, err)
}
