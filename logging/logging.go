// Package logging builds logrus loggers from an explicit policy instead of
// mutating the global logger from library code.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Policy is the verbosity and format a process or session logs with.
type Policy struct {
	Level  logrus.Level
	JSON   bool
	Output io.Writer
}

// Debug logs everything as text.
func Debug() Policy {
	return Policy{Level: logrus.DebugLevel}
}

// Production logs warnings and errors as JSON.
func Production() Policy {
	return Policy{Level: logrus.WarnLevel, JSON: true}
}

// Parse builds a policy from configuration values.
func Parse(level string, json bool) (Policy, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return Policy{}, err
	}
	return Policy{Level: lvl, JSON: json}, nil
}

// New returns a fresh logger configured by p.
func New(p Policy) *logrus.Logger {
	l := logrus.New()
	Apply(l, p)
	return l
}

// Apply configures an existing logger, typically logrus.StandardLogger()
// from main.
func Apply(l *logrus.Logger, p Policy) {
	l.SetLevel(p.Level)
	if p.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	if p.Output != nil {
		l.SetOutput(p.Output)
	} else {
		l.SetOutput(os.Stderr)
	}
}
