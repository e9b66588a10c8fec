package main

import (
	"os"

	"github.com/nvr-ai/petclassifier/cmd/internal/app"
	"github.com/nvr-ai/petclassifier/dataset"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := app.Flags()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := app.Context()
	defer stop()

	report, err := dataset.Acquire(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("dataset preparation failed")
		stop()
		os.Exit(1)
	}

	log.WithFields(log.Fields{
		"root":       report.Dirs.Root,
		"downloaded": report.Downloaded,
		"extracted":  report.Extracted,
		"other":      report.Other,
	}).Info("dataset ready")
}
