package classifier

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Adam is the Adam optimiser with a mutable learning rate.
//
// Defaults follow Keras: beta1 0.9, beta2 0.999, epsilon 1e-7.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
	// Step is the number of updates applied.
	Step int
	// M and V are the first and second moment estimates, one slice per parameter.
	M [][]float32
	V [][]float32
}

// NewAdam creates an optimiser with fresh moments.
func NewAdam(lr float64) *Adam {
	return &Adam{
		LR:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-7,
	}
}

// Update applies one step to params given their gradients.
//
// Arguments:
//   - params: The parameters, updated in place.
//   - grads: The gradients, one per parameter and of equal length.
//
// Returns:
//   - error: An error if the shapes do not line up with earlier steps.
func (a *Adam) Update(params, grads [][]float32) error {
	if len(params) != len(grads) {
		return errors.Errorf("%d parameters but %d gradients", len(params), len(grads))
	}
	if a.M == nil {
		a.M = make([][]float32, len(params))
		a.V = make([][]float32, len(params))
		for i, p := range params {
			a.M[i] = make([]float32, len(p))
			a.V[i] = make([]float32, len(p))
		}
	}
	if len(a.M) != len(params) {
		return errors.Errorf("optimiser tracks %d parameters, got %d", len(a.M), len(params))
	}

	a.Step++
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	t := float32(a.Step)
	lr := float32(a.LR) * math32.Sqrt(1-math32.Pow(b2, t)) / (1 - math32.Pow(b1, t))
	eps := float32(a.Epsilon)

	for i, p := range params {
		g, m, v := grads[i], a.M[i], a.V[i]
		if len(g) != len(p) || len(m) != len(p) {
			return errors.Errorf("parameter %d: %d values, %d gradients, %d moments", i, len(p), len(g), len(m))
		}
		for j := range p {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			p[j] -= lr * m[j] / (math32.Sqrt(v[j]) + eps)
		}
	}
	return nil
}
