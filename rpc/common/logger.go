package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Log levels
// --------------------------------------------------------------------------

var (
	// dragonboatLoggers are configured as one group named "raft"
	dragonboatLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb"}
	muCoreLoggers     = []string{
		"protocol", "directory", "mapserver", "persistence", "core", "hub", "auth",
		"transport/gateway", "transport/admin", "server", "sim",
	}
)

// LogLevels is a default level plus per-logger overrides. The text form is
// "info,mapserver=debug,raft=warn": one bare level and any number of
// name=level pairs, where name is a muCore logger or "raft" for all
// Dragonboat loggers.
type LogLevels struct {
	Default   logger.LogLevel
	Overrides map[string]logger.LogLevel
}

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// ParseLogLevels parses the text form of LogLevels. Without a bare level the
// default is info.
func ParseLogLevels(spec string) (LogLevels, error) {
	levels := LogLevels{Default: logger.INFO, Overrides: map[string]logger.LogLevel{}}
	seenDefault := false

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, isOverride := strings.Cut(part, "=")
		if !isOverride {
			if seenDefault {
				return levels, fmt.Errorf("invalid log level %q: more than one default level", spec)
			}
			lvl, err := ParseLogLevel(part)
			if err != nil {
				return levels, err
			}
			levels.Default, seenDefault = lvl, true
			continue
		}

		name = strings.ToLower(strings.TrimSpace(name))
		if !knownLogger(name) {
			return levels, fmt.Errorf("invalid log level %q: unknown logger %q", spec, name)
		}
		lvl, err := ParseLogLevel(value)
		if err != nil {
			return levels, err
		}
		levels.Overrides[name] = lvl
	}
	return levels, nil
}

// For returns the level of the named logger
func (l LogLevels) For(name string) logger.LogLevel {
	if lvl, ok := l.Overrides[name]; ok {
		return lvl
	}
	for _, d := range dragonboatLoggers {
		if d == name {
			if lvl, ok := l.Overrides["raft"]; ok {
				return lvl
			}
			break
		}
	}
	return l.Default
}

// String renders the levels in their text form with sorted overrides
func (l LogLevels) String() string {
	parts := []string{levelName(l.Default)}
	names := make([]string, 0, len(l.Overrides))
	for name := range l.Overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+levelName(l.Overrides[name]))
	}
	return strings.Join(parts, ",")
}

func knownLogger(name string) bool {
	if name == "raft" {
		return true
	}
	for _, n := range muCoreLoggers {
		if n == name {
			return true
		}
	}
	return false
}

func levelName(lvl logger.LogLevel) string {
	switch lvl {
	case logger.DEBUG:
		return "debug"
	case logger.WARNING:
		return "warn"
	case logger.ERROR:
		return "error"
	default:
		return "info"
	}
}

// --------------------------------------------------------------------------
// Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// muLogger writes "LEVEL | name | message" lines. The level is read on every
// call and may change while other goroutines log.
type muLogger struct {
	name   string
	level  atomic.Int32
	logger *log.Logger
}

func newMuLogger(name string, level logger.LogLevel, w io.Writer, flags int) *muLogger {
	l := &muLogger{name: name, logger: log.New(w, "", flags)}
	l.level.Store(int32(level))
	return l
}

func (l *muLogger) SetLevel(level logger.LogLevel) { l.level.Store(int32(level)) }

func (l *muLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *muLogger) Debugf(format string, args ...interface{}) { l.logf(logger.DEBUG, format, args) }
func (l *muLogger) Infof(format string, args ...interface{})  { l.logf(logger.INFO, format, args) }
func (l *muLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args)
}
func (l *muLogger) Errorf(format string, args ...interface{}) { l.logf(logger.ERROR, format, args) }

// Panicf always panics, whatever the level
func (l *muLogger) Panicf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-17s | %s", "PANIC", l.name, message)
	panic(message)
}

func (l *muLogger) logf(level logger.LogLevel, format string, args []interface{}) {
	if !l.enabled(level) {
		return
	}
	l.logger.Printf("%-5s | %-17s | %s", strings.ToUpper(levelName(level)), l.name, fmt.Sprintf(format, args...))
}

// CreateLogger implements the dragonboat logger Factory
func CreateLogger(pkgName string) logger.ILogger {
	return newMuLogger(pkgName, logger.INFO, os.Stdout, log.Ldate|log.Ltime)
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the logger factory and applies spec (see LogLevels) to
// all Dragonboat and muCore loggers
func InitLoggers(spec string) error {
	levels, err := ParseLogLevels(spec)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, name := range dragonboatLoggers {
		logger.GetLogger(name).SetLevel(levels.For(name))
	}
	for _, name := range muCoreLoggers {
		logger.GetLogger(name).SetLevel(levels.For(name))
	}
	return nil
}
