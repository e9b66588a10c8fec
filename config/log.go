package config

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// InitLog applies the log section to the standard logrus logger.
func InitLog(c Log) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(c.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if err != nil && c.Level != "" {
		log.WithField("level", c.Level).Warn("unknown log level, using info")
	}
}
