// Package logging is the process-wide structured logger. It mirrors the
// teacher's internal/logging call-site shape (Infof/Warnf/Errorf/Debugf,
// WithError(err).Warn(...)) over github.com/rs/zerolog instead of a
// bespoke logger, with optional rotation via lumberjack when file
// logging is enabled (spec's ambient logging expansion).
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.RWMutex
	logger  = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	debugOn atomic.Bool
)

// FileConfig configures rotation when logging to a file is enabled
// (spec AMBIENT STACK logging section).
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Configure replaces the global logger. debug raises the level to
// debug; fileCfg, if non-nil, tees output through a rotating file sink.
func Configure(debug bool, fileCfg *FileConfig) {
	debugOn.Store(debug)

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	if fileCfg != nil && fileCfg.Path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   fileCfg.Path,
			MaxSize:    fileCfg.MaxSizeMB,
			MaxBackups: fileCfg.MaxBackups,
			MaxAge:     fileCfg.MaxAgeDays,
			Compress:   fileCfg.Compress,
		})
	}

	mu.Lock()
	logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	mu.Unlock()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debugf(format string, args ...any) { current().Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { current().Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { current().Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { current().Error().Msgf(format, args...) }

// Entry wraps a zerolog.Event chain started by WithError/With, letting
// call sites write `log.WithError(err).Warn("...")` as in the teacher.
type Entry struct {
	logger zerolog.Logger
	err    error
}

// WithError attaches err as the entry's `error` field.
func WithError(err error) Entry {
	return Entry{logger: current(), err: err}
}

// WithField attaches an arbitrary key/value pair.
func WithField(key string, value any) Entry {
	return Entry{logger: current().With().Interface(key, value).Logger()}
}

func (e Entry) event(ev *zerolog.Event) *zerolog.Event {
	if e.err != nil {
		return ev.Err(e.err)
	}
	return ev
}

func (e Entry) Debug(msg string) { e.event(e.logger.Debug()).Msg(msg) }
func (e Entry) Info(msg string)  { e.event(e.logger.Info()).Msg(msg) }
func (e Entry) Warn(msg string)  { e.event(e.logger.Warn()).Msg(msg) }
func (e Entry) Error(msg string) { e.event(e.logger.Error()).Msg(msg) }

// DebugEnabled reports whether the debug level is currently active, for
// call sites that want to skip building an expensive message.
func DebugEnabled() bool { return debugOn.Load() }

// GinLogger replaces gin's default logger with one line per request
// through the shared zerolog sink (spec ambient logging, mirroring the
// teacher's logging.GinLogrusLogger).
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		current().Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// GinRecovery recovers panics inside gin handlers, logs them, and
// returns 500 instead of crashing the process (mirrors the teacher's
// logging.GinLogrusRecovery).
func GinRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				current().Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("recovered from panic")
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}

// RequestLogger is the pluggable per-request forensic hook the teacher's
// middleware.RequestLoggingMiddleware dispatches to — implemented by
// internal/forensics' admin-request audit ring buffer (Recorder.LogRequest).
type RequestLogger interface {
	LogRequest(c *gin.Context, status int, latency time.Duration)
}
