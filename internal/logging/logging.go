// Package logging centralizes structured-context logging: every fatal
// or degraded-path event carries fields for namespace, apiKeyUuid,
// sessionId, serverUuid, and toolName wherever those are known, tagged
// with a component name via logrus fields rather than free-text
// prefixes.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a shorthand alias so callers don't import logrus directly.
type Fields = logrus.Fields

// New builds the gateway's root logger. Output is JSON by default;
// set METAMCP_LOG_FORMAT=text for a terse local-dev format instead.
func New() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if os.Getenv("METAMCP_LOG_FORMAT") == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("METAMCP_LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Component returns a child entry tagged with a component name.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
