package backbone_test

import (
	"context"
	"testing"

	"github.com/nvr-ai/petclassifier/backbone"
	"github.com/nvr-ai/petclassifier/backbone/backbonetest"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalAveragePool(t *testing.T) {
	// Two images, 2 spatial positions, 3 channels.
	maps := []float32{
		1, 2, 3,
		3, 4, 5,

		0, 0, 0,
		10, 20, 30,
	}
	got := backbone.GlobalAveragePool(maps, 2, 2, 3)
	assert.InDeltaSlice(t, []float32{2, 3, 4, 5, 10, 15}, got, 1e-6)

	assert.Equal(t, []float32{0, 0}, backbone.GlobalAveragePool(nil, 1, 0, 2))
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, backbone.Names(), backbone.MobileNetV2)

	cfg := config.Default().Model
	cfg.Backbone = "does-not-exist"
	_, err := backbone.New(cfg, nil)
	assert.Error(t, err)

	backbone.Register("fake-test", func(cfg config.Model, _ *device.Runtime) (backbone.Backbone, error) {
		return backbonetest.New(cfg.ImageSize), nil
	})
	cfg.Backbone = "fake-test"
	cfg.ImageSize = 4
	b, err := backbone.New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, b.InputSize())
}

func TestONNXRequiresRuntime(t *testing.T) {
	_, err := backbone.NewONNX(config.Default().Model, nil)
	assert.Error(t, err)
}

func TestFakeFeatures(t *testing.T) {
	f := backbonetest.New(2)
	batch := make([]float32, 2*2*2*3)
	for p := 0; p < 4; p++ {
		batch[p*3] = 1        // first image red
		batch[12+p*3+2] = 0.5 // second image half blue
	}

	feats, err := f.Extract(context.Background(), batch, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0, 1, 1, 0, 0, 0.5, 1, 1, 0.5}, feats, 1e-6)
}
