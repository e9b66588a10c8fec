package classifier

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEarlyStoppingRestoresBestWeights(t *testing.T) {
	c, _ := newTestClassifier(t)
	state := &TrainState{c: c}
	es := NewEarlyStopping(MetricValLoss, 3, 0, true)
	es.OnTrainBegin(state)

	var best *Head
	for epoch, loss := range []float64{1.0, 0.5, 0.6, 0.7, 0.8, 0.9} {
		c.head.W1[0] = float32(epoch)
		if epoch == 1 {
			best = c.head.Clone()
		}
		require.NoError(t, es.OnEpochEnd(state, EpochLogs{Epoch: epoch, ValLoss: loss, HasVal: true}))
		if state.Stopped() {
			break
		}
	}

	assert.True(t, state.Stopped())
	assert.Equal(t, 4, es.StoppedEpoch)
	assert.Equal(t, best.W1, c.head.W1)
	assert.Equal(t, float32(1), c.head.W1[0])
}

func TestEarlyStoppingMaxModeAndDelta(t *testing.T) {
	c, _ := newTestClassifier(t)
	state := &TrainState{c: c}
	es := NewEarlyStopping(MetricValAccuracy, 2, 0.001, false)
	es.OnTrainBegin(state)

	// 0.5005 is within min delta of 0.5, so it does not count as progress.
	for epoch, acc := range []float64{0.5, 0.5005, 0.5008} {
		require.NoError(t, es.OnEpochEnd(state, EpochLogs{Epoch: epoch, ValAccuracy: acc, HasVal: true}))
	}
	assert.True(t, state.Stopped())
	assert.Equal(t, 2, es.StoppedEpoch)
}

func TestEarlyStoppingIgnoresMissingMetric(t *testing.T) {
	c, _ := newTestClassifier(t)
	state := &TrainState{c: c}
	es := NewEarlyStopping(MetricValLoss, 1, 0, true)
	es.OnTrainBegin(state)
	for epoch := 0; epoch < 4; epoch++ {
		require.NoError(t, es.OnEpochEnd(state, EpochLogs{Epoch: epoch, Loss: 1}))
	}
	assert.False(t, state.Stopped())
}

func TestReduceLROnPlateau(t *testing.T) {
	c, _ := newTestClassifier(t)
	c.Compile(0.001)
	state := &TrainState{c: c}
	r := NewReduceLROnPlateau(MetricValLoss, 0.5, 2, 0.0003)
	r.OnTrainBegin(state)

	want := []float64{0.001, 0.001, 0.0005, 0.0005, 0.0003, 0.0003, 0.0003}
	for epoch, lr := range want {
		require.NoError(t, r.OnEpochEnd(state, EpochLogs{Epoch: epoch, ValLoss: 1, HasVal: true}))
		assert.InDelta(t, lr, c.LR(), 1e-12, "epoch %d", epoch)
	}
}

func TestReduceLRResetsOnImprovement(t *testing.T) {
	c, _ := newTestClassifier(t)
	c.Compile(0.01)
	state := &TrainState{c: c}
	r := NewReduceLROnPlateau(MetricValLoss, 0.5, 2, 0)
	r.OnTrainBegin(state)

	for epoch, loss := range []float64{1, 1, 0.5, 0.5} {
		require.NoError(t, r.OnEpochEnd(state, EpochLogs{Epoch: epoch, ValLoss: loss, HasVal: true}))
	}
	assert.Equal(t, 0.01, c.LR())
}

func TestModelCheckpointKeepsBestAcrossFits(t *testing.T) {
	c, _ := newTestClassifier(t)
	state := &TrainState{c: c}
	path := filepath.Join(t.TempDir(), "best.bin")
	mc := NewModelCheckpoint(path, MetricValAccuracy)

	mc.OnTrainBegin(state)
	for epoch, acc := range []float64{0.5, 0.4} {
		require.NoError(t, mc.OnEpochEnd(state, EpochLogs{Epoch: epoch, ValAccuracy: acc, HasVal: true}))
	}
	assert.Equal(t, 1, mc.Saved)
	assert.FileExists(t, path)

	mc.OnTrainBegin(state)
	for epoch, acc := range []float64{0.45, 0.6} {
		require.NoError(t, mc.OnEpochEnd(state, EpochLogs{Epoch: epoch, ValAccuracy: acc, HasVal: true}))
	}
	assert.Equal(t, 2, mc.Saved)
	assert.Equal(t, 0.6, mc.Best())

	every := &ModelCheckpoint{Path: path, Monitor: MetricValAccuracy}
	every.OnTrainBegin(state)
	for epoch, acc := range []float64{0.5, 0.4} {
		require.NoError(t, every.OnEpochEnd(state, EpochLogs{Epoch: epoch, ValAccuracy: acc, HasVal: true}))
	}
	assert.Equal(t, 2, every.Saved)
	assert.Equal(t, 0.5, every.Best())
}

func TestFitStopsEarly(t *testing.T) {
	c, _ := newTestClassifier(t)
	train, val := generators(t, c.cfg)

	// A patience of zero with an impossible delta stops after the second epoch.
	es := NewEarlyStopping(MetricValLoss, 0, 1e9, true)
	history, err := c.Fit(context.Background(), train, val, 10, es)
	require.NoError(t, err)
	assert.Equal(t, 2, history.Len())
	assert.Equal(t, 1, es.StoppedEpoch)
}

func TestHistory(t *testing.T) {
	h := &History{}
	h.Append(EpochLogs{Epoch: 0, Loss: 1, Accuracy: 0.5, ValLoss: 1.1, ValAccuracy: 0.4, LR: 0.001, HasVal: true})
	other := &History{}
	other.Append(EpochLogs{Epoch: 0, Loss: 0.5, Accuracy: 0.8, ValLoss: 0.6, ValAccuracy: 0.7, LR: 0.0001, HasVal: true})
	h.Merge(other)
	h.Merge(nil)
	require.Equal(t, 2, h.Len())

	series := h.Series()
	assert.Equal(t, []float64{1, 0.5}, series[MetricLoss])
	assert.Equal(t, []float64{0.4, 0.7}, series[MetricValAccuracy])
	assert.Equal(t, []float64{0.001, 0.0001}, series["lr"])

	path := filepath.Join(t.TempDir(), "out", "training_history.json")
	require.NoError(t, h.WriteJSON(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string][]float64
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, series, decoded)

	noVal := &History{}
	noVal.Append(EpochLogs{Loss: 1})
	_, ok := noVal.Series()[MetricValLoss]
	assert.False(t, ok)
	var empty *History
	assert.Equal(t, 0, empty.Len())
}

func TestAdamFirstStep(t *testing.T) {
	a := NewAdam(0.01)
	p := [][]float32{{0, 0}}
	require.NoError(t, a.Update(p, [][]float32{{1, -1}}))
	assert.InDelta(t, -0.01, p[0][0], 1e-5)
	assert.InDelta(t, 0.01, p[0][1], 1e-5)
	assert.Equal(t, 1, a.Step)

	assert.Error(t, a.Update(p, [][]float32{{1}}))
	assert.Error(t, a.Update(p, nil))
}
