// Package logging provides the named, leveled loggers used across dSync.
//
// All packages obtain their logger through dragonboat's logger registry
// (logger.GetLogger("sync"), ...). Init installs a factory that renders the
// output with charmbracelet/log and applies one level to every dSync logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	charm "github.com/charmbracelet/log"
	"github.com/lni/dragonboat/v4/logger"
)

// Names of all loggers used by dSync packages.
const (
	NameDB       = "db"
	NameSync     = "sync"
	NameKeychain = "keychain"
	NameReactive = "reactive"
	NameWorker   = "worker"
	NameConn     = "conn"
	NameRPC      = "rpc"
)

var (
	factoryOnce sync.Once
	output      io.Writer = os.Stderr
	outputMu    sync.Mutex
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dSyncLogger implements the ILogger interface on top of a charm logger
type dSyncLogger struct {
	name  string
	level logger.LogLevel
	out   *charm.Logger
}

func (l *dSyncLogger) SetLevel(level logger.LogLevel) {
	l.level = level
	l.out.SetLevel(toCharmLevel(level))
}

func (l *dSyncLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.out.Debugf(format, args...)
	}
}

func (l *dSyncLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.out.Infof(format, args...)
	}
}

func (l *dSyncLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.out.Warnf(format, args...)
	}
}

func (l *dSyncLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.out.Errorf(format, args...)
	}
}

func (l *dSyncLogger) Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements dragonboats logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	outputMu.Lock()
	w := output
	outputMu.Unlock()

	out := charm.NewWithOptions(w, charm.Options{
		Prefix:          pkgName,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           charm.InfoLevel,
	})

	return &dSyncLogger{
		name:  pkgName,
		level: logger.INFO,
		out:   out,
	}
}

// SetOutput redirects loggers created after this call. Must be called before Init.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLevel converts a string level to logger.LogLevel
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

func toCharmLevel(level logger.LogLevel) charm.Level {
	switch {
	case level >= logger.DEBUG:
		return charm.DebugLevel
	case level >= logger.INFO:
		return charm.InfoLevel
	case level >= logger.WARNING:
		return charm.WarnLevel
	default:
		return charm.ErrorLevel
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// Init installs the dSync logger factory (once) and sets the level of all dSync loggers
func Init(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	for _, name := range []string{NameDB, NameSync, NameKeychain, NameReactive, NameWorker, NameConn, NameRPC} {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
