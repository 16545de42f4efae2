// Package logger provides named sub-loggers backed by logrus, the way
// every rain subsystem obtains a logger.Logger via logger.New(name).
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the narrow interface subsystems depend on. Keeping it
// narrow (instead of passing *logrus.Entry around) lets call sites
// stay oblivious to the backing implementation.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
}

var (
	once  sync.Once
	root  *logrus.Logger
	level = logrus.InfoLevel
)

// SetJSON switches the shared root logger to JSON output, for
// deployments that ship logs to a collector instead of a terminal.
func SetJSON(enabled bool) {
	initRoot()
	if enabled {
		root.SetFormatter(&logrus.JSONFormatter{})
	} else {
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetLevel adjusts the verbosity of every logger returned by New.
func SetLevel(l logrus.Level) {
	initRoot()
	level = l
	root.SetLevel(l)
}

func initRoot() {
	once.Do(func() {
		root = logrus.New()
		root.SetOutput(os.Stderr)
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		root.SetLevel(level)
	})
}

// New returns a logger scoped to a subsystem name, e.g. logger.New("session").
func New(name string) Logger {
	initRoot()
	return &entryLogger{root.WithField("component", name)}
}

type entryLogger struct {
	e *logrus.Entry
}

func (l *entryLogger) Debugln(args ...interface{})                 { l.e.Debugln(args...) }
func (l *entryLogger) Debugf(format string, args ...interface{})   { l.e.Debugf(format, args...) }
func (l *entryLogger) Infoln(args ...interface{})                  { l.e.Infoln(args...) }
func (l *entryLogger) Infof(format string, args ...interface{})    { l.e.Infof(format, args...) }
func (l *entryLogger) Warningln(args ...interface{})               { l.e.Warnln(args...) }
func (l *entryLogger) Warningf(format string, args ...interface{}) { l.e.Warnf(format, args...) }
func (l *entryLogger) Errorln(args ...interface{})                 { l.e.Errorln(args...) }
func (l *entryLogger) Errorf(format string, args ...interface{})   { l.e.Errorf(format, args...) }
func (l *entryLogger) Error(args ...interface{})                   { l.e.Error(args...) }
