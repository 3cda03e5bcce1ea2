// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Level  string
	Format string // json | console
	Output io.Writer
}

// New returns a logger configured from opts. Lambda ships stdout to CloudWatch, so json
// on stdout is the default.
func New(opts Options) (zerolog.Logger, error) {
	levelName := strings.ToLower(strings.TrimSpace(opts.Level))
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level '%s': %w", opts.Level, err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	switch strings.ToLower(opts.Format) {
	case "", "json":
	case "console":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format '%s'", opts.Format)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}

func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
