package engine

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the pipeline logger. The level comes from the
// configuration, with REMASTER_LOG_LEVEL as an override for debugging a
// single run.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if env := os.Getenv("REMASTER_LOG_LEVEL"); env != "" {
		level = env
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
