package main

import (
	"os"

	"github.com/nvr-ai/petclassifier/classifier"
	"github.com/nvr-ai/petclassifier/cmd/internal/app"
	"github.com/nvr-ai/petclassifier/training"
	log "github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := app.Flags()
	if err != nil {
		log.WithError(err).Error("load config")
		return 1
	}

	ctx, stop := app.Context()
	defer stop()

	bb, err := app.Backbone(cfg)
	if err != nil {
		log.WithError(err).Error("full training")
		app.Close(nil)
		return 1
	}
	defer app.Close(bb)

	driver := training.NewDriver(cfg, classifier.New(cfg, bb))
	report, err := driver.Run(ctx)
	if err != nil {
		log.WithError(err).WithField("phase", driver.Phase()).Error("full training failed")
		return 1
	}

	log.WithFields(report.Fields()).Info("full training complete")
	if !report.TargetMet {
		log.WithFields(log.Fields{
			"val_accuracy": report.Validation.Accuracy,
			"target":       report.TargetAccuracy,
		}).Warn("validation accuracy is below the target")
	}
	return 0
}
