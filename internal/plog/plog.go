// Package plog provides the structured loggers used across detourx's
// packages through a single NamedLogger(component, subsystem) constructor.
package plog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = newRootLogger()

func newRootLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("DETOURX_DEBUG") != "" {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// NamedLogger returns an entry tagged with component/subsystem fields, so
// log lines from patch and detour can be told apart without
// separate logger instances per package.
func NamedLogger(component, subsystem string) *logrus.Entry {
	return root.WithFields(logrus.Fields{
		"component": component,
		"subsystem": subsystem,
	})
}
