// Package backbonetest - A deterministic in-memory backbone for tests.
package backbonetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nvr-ai/petclassifier/images"
)

// FeatureDim is the feature length of the fake backbone.
const FeatureDim = 6

// Fake pools each image to its mean colour.
//
// Features are (r, g, b, 1-r, 1-g, 1-b) of the image mean, so solid red, green
// and blue images are linearly separable.
type Fake struct {
	Size   int
	LayerN int

	mu     sync.Mutex
	calls  int
	closed bool
}

// New creates a fake backbone for size x size inputs.
func New(size int) *Fake {
	return &Fake{Size: size, LayerN: 154}
}

// Name implements backbone.Backbone.
func (f *Fake) Name() string { return "fake" }

// InputSize implements backbone.Backbone.
func (f *Fake) InputSize() int { return f.Size }

// FeatureDim implements backbone.Backbone.
func (f *Fake) FeatureDim() int { return FeatureDim }

// Layers implements backbone.Backbone.
func (f *Fake) Layers() int { return f.LayerN }

// Calls is the number of Extract calls made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Extract implements backbone.Backbone.
func (f *Fake) Extract(ctx context.Context, batch []float32, n int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sampleLen := f.Size * f.Size * images.Channels
	if n <= 0 || len(batch) < n*sampleLen {
		return nil, fmt.Errorf("batch holds %d floats, need %d", len(batch), n*sampleLen)
	}

	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make([]float32, n*FeatureDim)
	pixels := float32(f.Size * f.Size)
	for i := 0; i < n; i++ {
		sample := batch[i*sampleLen : (i+1)*sampleLen]
		var sum [3]float32
		for p := 0; p < len(sample); p += 3 {
			sum[0] += sample[p]
			sum[1] += sample[p+1]
			sum[2] += sample[p+2]
		}
		row := out[i*FeatureDim : (i+1)*FeatureDim]
		for c := 0; c < 3; c++ {
			mean := sum[c] / pixels
			row[c] = mean
			row[c+3] = 1 - mean
		}
	}
	return out, nil
}

// Close implements backbone.Backbone.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
