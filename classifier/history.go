package classifier

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// EpochLogs are the metrics recorded at the end of one epoch.
type EpochLogs struct {
	// Epoch is zero-based within its fit.
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
	LR          float64 `json:"lr"`
	// HasVal is false when the fit ran without validation data.
	HasVal bool `json:"-"`
}

// Get returns a metric by name.
func (l EpochLogs) Get(name string) (float64, bool) {
	switch name {
	case MetricLoss:
		return l.Loss, true
	case MetricAccuracy:
		return l.Accuracy, true
	case MetricValLoss:
		return l.ValLoss, l.HasVal
	case MetricValAccuracy:
		return l.ValAccuracy, l.HasVal
	case "lr":
		return l.LR, true
	}
	return 0, false
}

// History is the sequence of epoch logs across one or more fits.
type History struct {
	Epochs []EpochLogs
}

// Len is the number of recorded epochs.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Epochs)
}

// Append records an epoch.
func (h *History) Append(l EpochLogs) {
	h.Epochs = append(h.Epochs, l)
}

// Merge appends another history after this one.
func (h *History) Merge(other *History) {
	if other == nil {
		return
	}
	h.Epochs = append(h.Epochs, other.Epochs...)
}

// Series returns the metrics as one slice per name, the layout of a Keras history.
func (h *History) Series() map[string][]float64 {
	out := map[string][]float64{
		MetricLoss:     {},
		MetricAccuracy: {},
		"lr":           {},
	}
	hasVal := false
	for _, e := range h.Epochs {
		hasVal = hasVal || e.HasVal
	}
	if hasVal {
		out[MetricValLoss] = []float64{}
		out[MetricValAccuracy] = []float64{}
	}
	for _, e := range h.Epochs {
		out[MetricLoss] = append(out[MetricLoss], e.Loss)
		out[MetricAccuracy] = append(out[MetricAccuracy], e.Accuracy)
		out["lr"] = append(out["lr"], e.LR)
		if hasVal {
			out[MetricValLoss] = append(out[MetricValLoss], e.ValLoss)
			out[MetricValAccuracy] = append(out[MetricValAccuracy], e.ValAccuracy)
		}
	}
	return out
}

// WriteJSON writes the series to path.
func (h *History) WriteJSON(path string) error {
	data, err := json.MarshalIndent(h.Series(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write history %s", path)
	}
	return nil
}
