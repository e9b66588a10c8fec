// Package app holds the startup shared by the commands.
package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/petclassifier/backbone"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/device"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Flags parses the command line and loads the configuration it names.
//
// Returns:
//   - config.Config: The configuration, with logging already applied.
//   - error: An error if the configuration cannot be loaded.
func Flags() (config.Config, error) {
	conf := flag.String("conf", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*conf)
	if err != nil {
		return cfg, err
	}
	config.InitLog(cfg.Log)
	log.WithField("conf", *conf).Debug("configuration loaded")
	return cfg, nil
}

// Context is cancelled on SIGINT or SIGTERM.
func Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Backbone initialises the device runtime and opens the configured backbone.
func Backbone(cfg config.Config) (backbone.Backbone, error) {
	rt, err := device.Init(cfg.Device)
	if err != nil {
		return nil, errors.Wrap(err, "init device")
	}
	log.WithFields(log.Fields{"backend": rt.Backend, "precision": rt.Precision}).Info("device ready")

	bb, err := backbone.New(cfg.Model, rt)
	if err != nil {
		return nil, errors.Wrap(err, "open backbone")
	}
	return bb, nil
}

// Close releases bb and the device runtime, logging failures.
func Close(bb backbone.Backbone) {
	if bb != nil {
		if err := bb.Close(); err != nil {
			log.WithError(err).Warn("close backbone")
		}
	}
	if err := device.Shutdown(); err != nil {
		log.WithError(err).Warn("shutdown device")
	}
}
