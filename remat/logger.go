package remat

import (
	"io"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// LogLevelNone disables all logging
	LogLevelNone LogLevel = iota
	// LogLevelError enables error logging
	LogLevelError
	// LogLevelInfo enables info and error logging
	LogLevelInfo
	// LogLevelDebug enables all logging
	LogLevelDebug
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	SetLogLevel(LogLevelInfo)
}

// SetLogLevel sets the level of the package logger.
func SetLogLevel(level LogLevel) {
	switch level {
	case LogLevelNone:
		log.SetLevel(logrus.PanicLevel)
	case LogLevelError:
		log.SetLevel(logrus.ErrorLevel)
	case LogLevelInfo:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.DebugLevel)
	}
}

// SetLogOutput redirects the package logger.
func SetLogOutput(w io.Writer) {
	log.SetOutput(w)
}

// Debug logs debug information
func Debug(format string, v ...interface{}) {
	log.Debugf(format, v...)
}

// Info logs informational messages
func Info(format string, v ...interface{}) {
	log.Infof(format, v...)
}

// Warn logs warnings
func Warn(format string, v ...interface{}) {
	log.Warnf(format, v...)
}

// Error logs error information
func Error(format string, v ...interface{}) {
	log.Errorf(format, v...)
}
