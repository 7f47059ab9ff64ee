// Package logging provides the timestamped, colorized console output used
// by every tracksrv component, in place of a structured logging library.
package logging

import "tracksrv/pkg/colors"

// Logger tags every line it prints with a component name, so that a single
// terminal running several tracksrv subcommands can be told apart.
type Logger struct {
	component string
}

// New returns a Logger that prefixes its output with component.
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) tag(format string) string {
	return "[" + l.component + "] " + format
}

func (l *Logger) Info(format string, args ...interface{}) {
	colors.PrintInfo(l.tag(format), args...)
}

func (l *Logger) Success(format string, args ...interface{}) {
	colors.PrintSuccess(l.tag(format), args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	colors.PrintWarning(l.tag(format), args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	colors.PrintError(l.tag(format), args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	colors.PrintDebug(l.tag(format), args...)
}

func (l *Logger) Conn(icon, format string, args ...interface{}) {
	colors.PrintConnection(icon, l.tag(format), args...)
}

func (l *Logger) Data(icon, format string, args ...interface{}) {
	colors.PrintData(icon, l.tag(format), args...)
}

func (l *Logger) Shutdown() {
	colors.PrintShutdown(l.component)
}
