package main

import (
	"encoding/json"
	"os"

	"github.com/nvr-ai/petclassifier/cmd/internal/app"
	"github.com/nvr-ai/petclassifier/device"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := app.Flags()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := app.Context()
	defer stop()

	rt, err := device.Init(cfg.Device)
	if err != nil {
		log.WithError(err).Warn("ONNX Runtime unavailable, checking CPU compute only")
		rt = nil
	}
	defer func() {
		if err := device.Shutdown(); err != nil {
			log.WithError(err).Warn("shutdown device")
		}
	}()

	report := device.Check(ctx, rt)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.WithError(err).Error("write report")
	}

	switch {
	case report.ComputeErr != "":
		log.WithField("error", report.ComputeErr).Error("compute smoke test failed")
	case len(report.GPUs) == 0:
		log.Info("no GPU detected, training will use the CPU")
	default:
		log.WithFields(log.Fields{"gpus": len(report.GPUs), "backend": report.Backend}).Info("GPU available")
	}
}
