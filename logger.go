package isotp

import (
	"fmt"
	"os"
)

// LeveledLogger is the logging sink used by the engine and its adapters.
// Callers may supply their own implementation (e.g. to route messages
// into a structured logging backend); a minimal stdout/stderr writer is
// used by default.
type LeveledLogger interface {
	Info(msg string)
	Infof(format string, msg ...interface{})
	Warning(msg string)
	Warningf(format string, msg ...interface{})
	Error(msg string)
	Errorf(format string, msg ...interface{})
}

var _ LeveledLogger = (*logger)(nil)

type logger struct {
	prefix string
}

func newLogger(prefix string) (l *logger) {
	l = &logger{
		prefix: prefix,
	}

	return
}

func (l *logger) Info(msg string) {
	l.write(false, fmt.Sprintf("%s [info]: %s\n", l.prefix, msg))
}

func (l *logger) Infof(format string, msg ...interface{}) {
	l.write(false, fmt.Sprintf("%s [info]: %s\n", l.prefix, fmt.Sprintf(format, msg...)))
}

func (l *logger) Warning(msg string) {
	l.write(false, fmt.Sprintf("%s [warn]: %s\n", l.prefix, msg))
}

func (l *logger) Warningf(format string, msg ...interface{}) {
	l.write(false, fmt.Sprintf("%s [warn]: %s\n", l.prefix, fmt.Sprintf(format, msg...)))
}

func (l *logger) Error(msg string) {
	l.write(true, fmt.Sprintf("%s [error]: %s\n", l.prefix, msg))
}

func (l *logger) Errorf(format string, msg ...interface{}) {
	l.write(true, fmt.Sprintf("%s [error]: %s\n", l.prefix, fmt.Sprintf(format, msg...)))
}

func (l *logger) write(stderr bool, msg string) {
	if stderr {
		os.Stderr.WriteString(msg)
	} else {
		os.Stdout.WriteString(msg)
	}
}
