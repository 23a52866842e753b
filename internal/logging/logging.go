package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// VersionKey is the field carrying the build version.
const VersionKey = "version"

// New builds a logger from the configured level and format ("json" or
// "text"). Unknown levels fall back to info.
func New(level, format string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)

	switch strings.ToLower(format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// WithVersion returns an entry carrying the build version.
func WithVersion(l logrus.FieldLogger, version string) *logrus.Entry {
	return l.WithField(VersionKey, version)
}
