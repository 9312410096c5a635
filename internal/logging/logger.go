package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cbmmg/painel-centrais/internal/models"
)

type Logger struct {
	*slog.Logger
	verbose bool
}

// NewLogger creates a new logger based on the configuration. Output is
// written by zerolog: "json" emits one JSON object per line, "console" a
// colored human format and anything else the plain console format.
func NewLogger(format string, verbose bool, output io.Writer, version, commit, buildDate string) *Logger {
	if output == nil {
		output = os.Stdout
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	var zl zerolog.Logger
	switch format {
	case "json":
		zl = zerolog.New(output).With().Timestamp().Logger()
	case "console":
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	default:
		// journald adds its own timestamps
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, NoColor: true, PartsExclude: []string{zerolog.TimestampFieldName}})
	}
	zl = zl.Level(level)

	// Get application name from args
	var application string
	if len(os.Args) > 0 {
		application = filepath.Base(os.Args[0])
	}

	logger := slog.New(newZerologHandler(zl)).With(
		slog.String("service", application),
		slog.String("version", version),
		slog.String("commit", commit),
		slog.String("build_date", buildDate),
	)

	return &Logger{
		Logger:  logger,
		verbose: verbose,
	}
}

// SetAsDefault sets this logger as the default slog logger
func (l *Logger) SetAsDefault() {
	slog.SetDefault(l.Logger)
	// Also set the standard log package to use slog
	if l.verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	} else {
		slog.SetLogLoggerLevel(slog.LevelInfo)
	}
}

// Verbose logs a message only if verbose logging is enabled
func (l *Logger) Verbose(msg string, args ...any) {
	if l.verbose {
		l.Debug(msg, args...)
	}
}

// LogSyncStats logs the statistics of one sync run in a structured way
func LogSyncStats(logger *slog.Logger, stats *models.SyncStats) {
	if stats == nil {
		return
	}
	logger.Info("sync_completed",
		"run_id", stats.RunID,
		"sync_type", string(stats.SyncType),
		"records_fetched", stats.RecordsFetched,
		"records_dropped", stats.RecordsDropped,
		"warnings", stats.Warnings,
		"records_added", stats.RecordsAdded,
		"cache_refreshed", stats.CacheRefreshed,
		"duration", stats.Duration,
	)
}

// LogError logs an error with context
func (l *Logger) LogError(msg string, err error, args ...any) {
	allArgs := append([]any{slog.String("error", err.Error())}, args...)
	l.Error(msg, allArgs...)
}
