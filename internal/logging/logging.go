package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process logger. Dev gets a human readable console writer,
// everything else emits JSON lines.
func New(env, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
