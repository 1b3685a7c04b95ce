// Package logging configures the global zerolog logger for the binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup sets the global level and output. Console output is human readable;
// otherwise JSON lines go to w.
func Setup(w io.Writer, level string, console bool) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", level, err)
		}
		lvl = parsed
	}
	if w == nil {
		w = os.Stderr
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(lvl)
	return nil
}
