// Package backbone - Pretrained feature extractors feeding the classifier head.
package backbone

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/device"
)

// Backbone is a frozen feature extractor.
//
// Extract consumes a batch of NHWC [0,1] images and returns one pooled feature
// vector per image.
type Backbone interface {
	// Name is the registered backbone name.
	Name() string
	// InputSize is the square input resolution.
	InputSize() int
	// FeatureDim is the length of a pooled feature vector.
	FeatureDim() int
	// Layers is the number of layers in the backbone graph.
	Layers() int
	// Extract returns n x FeatureDim pooled features for n images.
	Extract(ctx context.Context, batch []float32, n int) ([]float32, error)
	// Close releases native resources.
	Close() error
}

// Factory creates a backbone from the model configuration.
type Factory func(cfg config.Model, rt *device.Runtime) (Backbone, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a backbone factory under name, replacing any previous one.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names lists the registered backbones.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the backbone named by cfg.Backbone.
//
// Arguments:
//   - cfg: The model configuration.
//   - rt: The inference runtime.
//
// Returns:
//   - Backbone: The backbone.
//   - error: An error if the name is not registered or construction fails.
func New(cfg config.Model, rt *device.Runtime) (Backbone, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Backbone]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported backbone: %s", cfg.Backbone)
	}
	return f(cfg, rt)
}

// GlobalAveragePool averages NHWC feature maps over their spatial positions.
//
// Arguments:
//   - maps: n x spatial x channels values.
//   - n: The batch size.
//   - spatial: The number of spatial positions (height * width).
//   - channels: The channel count.
//
// Returns:
//   - []float32: n x channels pooled values.
func GlobalAveragePool(maps []float32, n, spatial, channels int) []float32 {
	out := make([]float32, n*channels)
	if spatial == 0 {
		return out
	}
	inv := 1 / float32(spatial)
	for b := 0; b < n; b++ {
		dst := out[b*channels : (b+1)*channels]
		base := b * spatial * channels
		for s := 0; s < spatial; s++ {
			row := maps[base+s*channels : base+(s+1)*channels]
			for c, v := range row {
				dst[c] += v
			}
		}
		for c := range dst {
			dst[c] *= inv
		}
	}
	return out
}
