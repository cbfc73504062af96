package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupStructured initializes the global zerolog logger to write
// human-readable output to stdout and JSON lines to the rotating file
// sink. The Rotator underneath is this package's size-capped file
// writer; components log structured fields (run_id,
// trade_id, symbol) through zerolog's global log package.
func SetupStructured(filename string, maxSizeMB int64, maxBackups int, level string) {
	rotator := &Rotator{
		Filename:   filename,
		MaxSize:    maxSizeMB * 1024 * 1024,
		MaxBackups: maxBackups,
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	var sink io.Writer = console
	if err := rotator.openExistingOrNew(); err != nil {
		log.Warn().Err(err).Msg("failed to open log file, using stdout only")
	} else {
		sink = zerolog.MultiLevelWriter(console, rotator)
	}

	zerolog.SetGlobalLevel(parseLevel(level))
	log.Logger = zerolog.New(sink).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
