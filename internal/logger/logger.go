// Package logger provides the level-filtered structured log sink used by
// every fabric component.
//
// With pretty output, lines read `[<iso-timestamp>] [<LEVEL>] <message>`
// followed by fields such as `tag=<tag>`, produced through a
// zerolog.ConsoleWriter with custom field formatters rather than
// hand-built strings; the tag is a trailing field, not a leading bracketed
// part. Without pretty output, lines are JSON objects. Components get
// their own tagged child logger via Tagged, mirroring how the reference
// logger hands out component sub-loggers (Security(), WebSocket(), ...).
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the five thresholds the fabric recognizes. They map onto
// zerolog's own level set but are kept as a distinct type so callers never
// need to import zerolog just to pick a threshold.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel accepts the usual level names, case-insensitively, defaulting
// to Info on anything unrecognized rather than failing boot over a typo in
// an environment variable.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Log is the package-wide logger, configured once via Initialize.
var Log zerolog.Logger

// Initialize sets the global threshold and output writer. pretty selects
// the bracketed console writer (used in development); when false, plain
// JSON lines are emitted instead (production/aggregation friendly).
func Initialize(level Level, pretty bool) {
	zerolog.SetGlobalLevel(level.zerolog())

	var w zerolog.ConsoleWriter
	if pretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				return fmt.Sprintf("[%s]", strings.ToUpper(fmt.Sprintf("%v", i)))
			},
			FormatTimestamp: func(i interface{}) string {
				return fmt.Sprintf("[%v]", i)
			},
			FormatFieldName: func(i interface{}) string {
				return fmt.Sprintf("%v=", i)
			},
		}
		Log = zerolog.New(w).With().Timestamp().Logger()
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
		Log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	Log.Info().Str("level", level.zerolog().String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Tagged returns a child logger carrying a "tag" field, the fabric
// component named in spec.md's bracketed output format (e.g. "cluster",
// "wireclient", "wireserver", "hub", "token").
func Tagged(tag string) zerolog.Logger {
	return Log.With().Str("tag", tag).Logger()
}
