// Package logging builds the logrus loggers used across telecore.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// DefaultLevel is the log level used when none is configured.
const DefaultLevel = "info"

// New creates a logger writing to w with the prefixed text formatter. The
// returned entry carries the given prefix.
func New(w io.Writer, level, prefix string) (*logrus.Entry, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.Out = w
	logger.Level = lvl
	logger.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	}
	return logger.WithField("prefix", prefix), nil
}

// Discard returns an entry that drops everything. Useful as a default when
// the embedding application does not hand us a logger.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.Out = io.Discard
	return logrus.NewEntry(logger)
}
