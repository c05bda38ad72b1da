package log

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	TRACE
)

var MaxLogLevel LogLevel = TRACE

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.TraceLevel)
}

// SetLogLevel sets MaxLogLevel based on the provided string
func SetLogLevel(level string) (ok bool) {
	switch strings.ToUpper(level) {
	case "ERROR":
		MaxLogLevel = ERROR
		logrus.SetLevel(logrus.ErrorLevel)
	case "WARN":
		MaxLogLevel = WARN
		logrus.SetLevel(logrus.WarnLevel)
	case "INFO":
		MaxLogLevel = INFO
		logrus.SetLevel(logrus.InfoLevel)
	case "TRACE":
		MaxLogLevel = TRACE
		logrus.SetLevel(logrus.TraceLevel)
	default:
		LogError("Unknown log level requested: %v", level)
		return false
	}
	return true
}

// SetOutput redirects log output, used by the daemon when a logfile is
// configured.
func SetOutput(w io.Writer) {
	logrus.SetOutput(w)
}

// LogError logs a message to the 'standard' Logger (always)
func LogError(msg string, args ...interface{}) {
	logrus.Errorf(msg, args...)
}

// LogWarn logs a message to the 'standard' Logger if MaxLogLevel is >= WARN
func LogWarn(msg string, args ...interface{}) {
	if MaxLogLevel >= WARN {
		logrus.Warnf(msg, args...)
	}
}

// LogInfo logs a message to the 'standard' Logger if MaxLogLevel is >= INFO
func LogInfo(msg string, args ...interface{}) {
	if MaxLogLevel >= INFO {
		logrus.Infof(msg, args...)
	}
}

// LogTrace logs a message to the 'standard' Logger if MaxLogLevel is >= TRACE
func LogTrace(msg string, args ...interface{}) {
	if MaxLogLevel >= TRACE {
		logrus.Tracef(msg, args...)
	}
}
