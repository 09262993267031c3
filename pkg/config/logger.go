package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusLevel maps the numeric agent log level (0 silent .. 4 debug) onto logrus.
func LogrusLevel(level int) logrus.Level {
	switch {
	case level <= 0:
		return logrus.PanicLevel
	case level == 1:
		return logrus.ErrorLevel
	case level == 2:
		return logrus.WarnLevel
	case level == 3:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// InitLogrus initializes the standard logger.
func InitLogrus(level int) {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.DateTime,
	})
	logrus.SetLevel(LogrusLevel(level))
}

func init() {
	InitLogrus(Default().LogLevel)
}
