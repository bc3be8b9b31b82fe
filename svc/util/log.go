package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var globalLog = zerolog.New(io.Discard)

type LogOpts struct {
	Level      string
	Dev        bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitLog configures the process-wide logger. When File is set, output is
// duplicated into a size-rotated file next to stdout.
func InitLog(o LogOpts) io.Closer {
	var out io.Writer = os.Stdout
	if o.Dev {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	var closer io.Closer = nopCloser{}
	if o.File != "" {
		rot := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    o.MaxSizeMB,
			MaxBackups: o.MaxBackups,
			MaxAge:     o.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rot)
		closer = rot
	}
	zerolog.SetGlobalLevel(ParseLevel(o.Level))
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger().
		Hook(redactHook{})
	log.Logger = globalLog
	return closer
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// redactHook flags messages that look like they carry credentials so they can
// be found and fixed; the message itself cannot be rewritten from a hook.
type redactHook struct{}

func (h redactHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if msg != RedactLogLine(msg) {
		e.Bool("redaction_needed", true)
	}
}
