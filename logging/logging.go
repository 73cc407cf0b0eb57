// Package logging provides caller-annotated logrus logging.
//
// Every entry carries a "caller" field naming the function that emitted it.
package logging

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

// Configure the shared logger.
//
// Level is any level understood by logrus. Format is either "text" or
// "json"; an empty format leaves the current formatter in place.
func Configure(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid logging level %q: %w", level, err)
	}

	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "":
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid logging format %q", format)
	}

	return nil
}

// Set the output of the shared logger.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Set the level of the shared logger.
func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// Logger returns the shared logger.
func Logger() *logrus.Logger {
	return logger
}

func identifyCaller(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "<unknown>"
	}

	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "<unknown>"
	}

	return fn.Name()
}

func entry(skip int) *logrus.Entry {
	return logger.WithField("caller", identifyCaller(skip+1))
}

// WithField returns a caller-annotated entry with an additional field.
func WithField(key string, value interface{}) *logrus.Entry {
	return entry(2).WithField(key, value)
}

// WithFields returns a caller-annotated entry with additional fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return entry(2).WithFields(fields)
}

func Debug(args ...interface{}) {
	entry(2).Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	entry(2).Debugf(format, args...)
}

func Info(args ...interface{}) {
	entry(2).Info(args...)
}

func Infof(format string, args ...interface{}) {
	entry(2).Infof(format, args...)
}

func Warn(args ...interface{}) {
	entry(2).Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	entry(2).Warnf(format, args...)
}

func Error(args ...interface{}) {
	entry(2).Error(args...)
}

func Errorf(format string, args ...interface{}) {
	entry(2).Errorf(format, args...)
}
