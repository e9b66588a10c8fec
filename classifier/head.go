package classifier

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Head is the trainable part of the model: dense(relu) -> dropout -> dense(softmax)
// over pooled backbone features.
//
// Weights are row-major: W1 is In x Hidden, W2 is Hidden x Out.
type Head struct {
	In      int
	Hidden  int
	Out     int
	Dropout float64

	W1 []float32
	B1 []float32
	W2 []float32
	B2 []float32
}

// NewHead creates a head with Glorot-uniform kernels and zero biases.
//
// Arguments:
//   - in: The feature dimension.
//   - hidden: The hidden dense width.
//   - out: The number of classes.
//   - dropout: The dropout rate applied after the hidden layer while training.
//
// Returns:
//   - *Head: The initialised head.
func NewHead(in, hidden, out int, dropout float64) *Head {
	return &Head{
		In:      in,
		Hidden:  hidden,
		Out:     out,
		Dropout: dropout,
		W1:      G.GlorotU(1)(tensor.Float32, in, hidden).([]float32),
		B1:      make([]float32, hidden),
		W2:      G.GlorotU(1)(tensor.Float32, hidden, out).([]float32),
		B2:      make([]float32, out),
	}
}

// Params returns the weight slices in a fixed order. The slices alias the head.
func (h *Head) Params() [][]float32 {
	return [][]float32{h.W1, h.B1, h.W2, h.B2}
}

// Validate checks that the weight lengths match the declared architecture.
func (h *Head) Validate() error {
	if h.In <= 0 || h.Hidden <= 0 || h.Out <= 0 {
		return errors.Errorf("invalid head dimensions %dx%dx%d", h.In, h.Hidden, h.Out)
	}
	if len(h.W1) != h.In*h.Hidden || len(h.B1) != h.Hidden || len(h.W2) != h.Hidden*h.Out || len(h.B2) != h.Out {
		return errors.Errorf("head weights do not match %dx%dx%d", h.In, h.Hidden, h.Out)
	}
	return nil
}

// Clone returns a deep copy.
func (h *Head) Clone() *Head {
	c := *h
	c.W1 = append([]float32(nil), h.W1...)
	c.B1 = append([]float32(nil), h.B1...)
	c.W2 = append([]float32(nil), h.W2...)
	c.B2 = append([]float32(nil), h.B2...)
	return &c
}

// CopyFrom overwrites the weights in place, keeping the slices bound to any training graph.
func (h *Head) CopyFrom(src *Head) {
	copy(h.W1, src.W1)
	copy(h.B1, src.B1)
	copy(h.W2, src.W2)
	copy(h.B2, src.B2)
}

// Forward computes class probabilities for n feature rows. Dropout is not applied.
//
// Arguments:
//   - features: n x In values.
//   - n: The number of rows.
//
// Returns:
//   - []float32: n x Out probabilities, each row summing to 1.
func (h *Head) Forward(features []float32, n int) []float32 {
	out := make([]float32, n*h.Out)
	hidden := make([]float32, h.Hidden)

	for r := 0; r < n; r++ {
		x := features[r*h.In : (r+1)*h.In]

		copy(hidden, h.B1)
		for i, xi := range x {
			if xi == 0 {
				continue
			}
			w := h.W1[i*h.Hidden : (i+1)*h.Hidden]
			for j, wij := range w {
				hidden[j] += xi * wij
			}
		}
		for j, v := range hidden {
			if v < 0 {
				hidden[j] = 0
			}
		}

		logits := out[r*h.Out : (r+1)*h.Out]
		copy(logits, h.B2)
		for j, hj := range hidden {
			if hj == 0 {
				continue
			}
			w := h.W2[j*h.Out : (j+1)*h.Out]
			for k, wjk := range w {
				logits[k] += hj * wjk
			}
		}
		softmax(logits)
	}

	return out
}

// softmax normalises v in place.
func softmax(v []float32) {
	hi := v[0]
	for _, x := range v[1:] {
		hi = math32.Max(hi, x)
	}
	var sum float32
	for i, x := range v {
		v[i] = math32.Exp(x - hi)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}

// argmax returns the index of the largest value.
func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
