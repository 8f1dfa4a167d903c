// Package logging provides a thin, component-tagged wrapper over the
// standard library logger, matching the facade's plain log.Printf style.
package logging

import (
	"log"
	"os"
)

// Logger tags every line with a component name, mirroring the facade's
// inline log.Printf convention instead of pulling in a structured logger.
type Logger struct {
	prefix string
	std    *log.Logger
}

// New returns a Logger tagged with component.
func New(component string) *Logger {
	return &Logger{
		prefix: "[" + component + "] ",
		std:    log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf(l.prefix+format, args...)
}

func (l *Logger) Println(args ...any) {
	l.std.Println(append([]any{l.prefix}, args...)...)
}
