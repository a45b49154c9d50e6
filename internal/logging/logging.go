// Package logging builds the process logger. Everything goes to stderr;
// stdout belongs to the child's passthrough.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// New returns a logger writing to stderr at the given level ("" is info).
func New(level string) (*log.Logger, error) {
	return NewWithWriter(os.Stderr, level)
}

func NewWithWriter(w io.Writer, level string) (*log.Logger, error) {
	lvl := log.InfoLevel
	if s := strings.TrimSpace(level); s != "" {
		parsed, err := log.ParseLevel(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = parsed
	}
	logger := log.NewWithOptions(w, log.Options{
		Prefix: "mog",
		Level:  lvl,
	})
	return logger, nil
}

// Discard is a logger for tests and library callers that want silence.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
