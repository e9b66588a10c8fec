package main

import (
	"github.com/nvr-ai/petclassifier/backbone"
	"github.com/nvr-ai/petclassifier/cmd/internal/app"
	"github.com/nvr-ai/petclassifier/device"
	"github.com/nvr-ai/petclassifier/serving"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := app.Flags()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := app.Context()
	defer stop()

	models := serving.NewModels(cfg, func() (backbone.Backbone, error) {
		return app.Backbone(cfg)
	})
	defer func() {
		if err := models.Close(); err != nil {
			log.WithError(err).Warn("close model")
		}
		if err := device.Shutdown(); err != nil {
			log.WithError(err).Warn("shutdown device")
		}
	}()

	s, err := serving.New(cfg, models)
	if err != nil {
		log.WithError(err).Fatal("create server")
	}

	log.WithFields(log.Fields{"addr": cfg.Server.Addr, "model": cfg.Model.Path}).Info("starting pet classifier")
	if err := s.Run(ctx); err != nil {
		log.WithError(err).Error("server stopped")
		return
	}
	log.Info("server stopped")
}
