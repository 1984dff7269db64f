package common

import (
	"os"

	"github.com/sirupsen/logrus"
)

// RFC3339Milli is a RFC3339 timestamp format restricted to millisecond precision.
// No standard format is provided, so we create our own.
const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// LogSetup returns a fresh logger writing to stdout, in JSON or text format.
// An empty logLevel keeps the logrus default (info).
func LogSetup(json bool, logLevel string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if json {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: RFC3339Milli,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: RFC3339Milli,
			FullTimestamp:   true,
		})
	}

	log := logrus.NewEntry(logger)
	if logLevel != "" {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			log.Fatalf("Invalid loglevel: %s", logLevel)
		}
		logger.SetLevel(lvl)
	}
	return log
}
