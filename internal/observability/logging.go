package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a structured JSON logger writing to stdout.
// Production default is info; override via CIPHER_LOG_LEVEL.
func NewLogger(component string) zerolog.Logger {
	return newLogger(component, os.Stdout)
}

// NewFileLogger additionally tees logs into a size-rotated file.
func NewFileLogger(component, path string) zerolog.Logger {
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	return newLogger(component, io.MultiWriter(os.Stdout, rotated))
}

func newLogger(component string, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if env := os.Getenv("CIPHER_LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
