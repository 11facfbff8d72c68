// Package log provides a small leveled logging interface for planflow.
//
// The Logger interface carries four printf-style methods (Debug, Info,
// Warn, Error). Two implementations ship with the package: DefaultLogger,
// built on the standard library, and GologLogger, a thin wrapper around
// github.com/kataras/golog for applications that already use it.
//
// A package-level default logger is available through Debug/Info/Warn/Error
// so that libraries can log without threading a Logger through every call;
// SetDefaultLogger replaces it.
//
// Workflow transition logs follow one convention across the engine:
// thread id, checkpoint id, node name, duration and status, in that order.
// Caller-supplied credentials are never logged.
package log
