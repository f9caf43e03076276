// Package telemetry provides the ambient logging and metrics used across
// the transport: a small leveled-logging facade over logrus (in the shape
// of the teacher's own pkg/logger — package-level Debug/Info/Warn/Error/
// Success/Fatal calls) and a set of Prometheus collectors for packet and
// congestion-window visibility.
package telemetry

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel sets the minimum log level by name ("debug", "info", "warn",
// "error"); unrecognized names are ignored.
func SetLevel(level string) {
	if lv, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lv)
	}
}

// Debug logs a debug-level message with structured fields.
func Debug(msg string, fields logrus.Fields) {
	log.WithFields(fields).Debug(msg)
}

// Info logs an info-level message with structured fields.
func Info(msg string, fields logrus.Fields) {
	log.WithFields(fields).Info(msg)
}

// Warn logs a warning with structured fields.
func Warn(msg string, fields logrus.Fields) {
	log.WithFields(fields).Warn(msg)
}

// Error logs an error with structured fields.
func Error(msg string, fields logrus.Fields) {
	log.WithFields(fields).Error(msg)
}

// Success logs a notable positive event (connection established, transfer
// completed) at info level with a success marker field, echoing the
// teacher's dedicated Success level.
func Success(msg string, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["outcome"] = "success"
	log.WithFields(fields).Info(msg)
}

// Fatal logs and exits, for unrecoverable startup failures in cmd/portal-utp.
func Fatal(msg string, fields logrus.Fields) {
	log.WithFields(fields).Fatal(msg)
}

// Section prints a boxed section header, for the demo binary's startup log.
func Section(title string) {
	border := "────────────────────────────────────────"
	fmt.Fprintf(os.Stderr, "\n%s\n %s\n%s\n", border, title, border)
}

// Banner prints the application banner once at startup.
func Banner(title, version string) {
	fmt.Fprintf(os.Stderr, "\n%s (%s)\n\n", title, version)
}
