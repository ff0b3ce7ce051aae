package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Configure sets the level (DEBUG, INFO, WARN, ERROR) and the formatter
// ("json" or text) of the shared logger.
func Configure(level, format string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "WARN", "WARNING":
		logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

// ForRegion returns an entry tagged with the region being processed.
func ForRegion(region string) *logrus.Entry {
	return logger.WithField("region", region)
}
