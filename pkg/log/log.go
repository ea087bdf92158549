package log

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// A Logger provides leveled printf-style logging for one engine module.
// The function fields are never nil; disabled levels point at DiscardLogf.
// All functions are safe for concurrent use and do not require a trailing
// newline in the format.
type Logger struct {
	module   string
	Verbosef func(format string, args ...any)
	Infof    func(format string, args ...any)
	Warningf func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// Log levels for use with NewLogger.
const (
	LevelSilent  = iota // No logging
	LevelVerbose        // Debug logging
	LevelInfo           // Info logging
	LevelWarning        // Warning logging
	LevelError          // Error logging
)

// Level is the process-wide default used by packages that construct their
// own module loggers.
var Level = LevelInfo

// ParseLevel maps a config string to a level, defaulting to silent.
func ParseLevel(level string) int {
	switch strings.ToLower(level) {
	case "verbose", "debug":
		return LevelVerbose
	case "info":
		return LevelInfo
	case "warning", "warn":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelSilent
	}
}

// DiscardLogf is the sink for disabled log levels.
func DiscardLogf(format string, args ...any) {}

func (logger *Logger) logf(prefix string) func(string, ...any) {
	return log.New(os.Stdout, fmt.Sprintf("[%s] %s: ", logger.module, prefix), log.Ldate|log.Ltime).Printf
}

// NewLogger constructs a Logger for the named module that writes to stdout,
// logging at the given level and above.
func NewLogger(level int, module string) *Logger {
	logger := &Logger{module, DiscardLogf, DiscardLogf, DiscardLogf, DiscardLogf}
	logger.set(level)
	return logger
}

// SetLogLevel reconfigures the logger from a config string.
func (logger *Logger) SetLogLevel(level string) *Logger {
	logger.set(ParseLevel(level))
	return logger
}

func (logger *Logger) set(level int) {
	logger.Verbosef = DiscardLogf
	logger.Infof = DiscardLogf
	logger.Warningf = DiscardLogf
	logger.Errorf = DiscardLogf
	switch level {
	case LevelVerbose:
		logger.Verbosef = logger.logf("DEBUG")
		fallthrough
	case LevelInfo:
		logger.Infof = logger.logf("INFO")
		fallthrough
	case LevelWarning:
		logger.Warningf = logger.logf("WARNING")
		fallthrough
	case LevelError:
		logger.Errorf = logger.logf("ERROR")
	}
}
