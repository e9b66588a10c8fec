// Package augment - Random per-sample image transforms for the training generator.
//
// Transforms follow the Keras ImageDataGenerator semantics: an affine warp
// (rotation, shift, shear, zoom) with nearest fill at the borders, then a
// channel shift, a horizontal flip and a brightness scale.
package augment

import (
	"image"
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/petclassifier/config"
	"github.com/nvr-ai/petclassifier/images"
	"github.com/pkg/errors"
)

// Transform is one sampled set of augmentation parameters.
type Transform struct {
	// Theta is the rotation in radians.
	Theta float64
	// Tx and Ty are the row and column shifts in pixels.
	Tx, Ty float64
	// Shear is the shear angle in radians.
	Shear float64
	// Zx and Zy are the row and column zoom factors.
	Zx, Zy float64
	// Flip mirrors the image horizontally.
	Flip bool
	// Brightness multiplies every channel. 1 is a no-op.
	Brightness float64
	// ChannelShift is added to every channel, in 0-255 pixel units.
	ChannelShift float64
}

// Identity returns the transform that leaves an image unchanged.
func Identity() Transform {
	return Transform{Zx: 1, Zy: 1, Brightness: 1}
}

// IsAffineIdentity reports whether the geometric part of t is a no-op.
func (t Transform) IsAffineIdentity() bool {
	return t.Theta == 0 && t.Tx == 0 && t.Ty == 0 && t.Shear == 0 && t.Zx == 1 && t.Zy == 1
}

// Augmenter samples and applies transforms.
//
// An Augmenter is not safe for concurrent use: it owns its random source.
type Augmenter struct {
	params config.Augmentation
	rng    *rand.Rand
	prep   *images.Preprocessor
}

// New creates an augmenter for square images of size pixels.
//
// Arguments:
//   - params: The augmentation ranges.
//   - size: The model input resolution.
//   - seed: The random seed.
//
// Returns:
//   - *Augmenter: The augmenter.
func New(params config.Augmentation, size int, seed int64) *Augmenter {
	return &Augmenter{
		params: params,
		rng:    rand.New(rand.NewSource(seed)),
		prep:   images.NewPreprocessor(size),
	}
}

func (a *Augmenter) uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + a.rng.Float64()*(hi-lo)
}

// Sample draws one transform for an h x w image.
func (a *Augmenter) Sample(h, w int) Transform {
	p := a.params
	t := Identity()

	if p.RotationRange > 0 {
		t.Theta = a.uniform(-p.RotationRange, p.RotationRange) * math.Pi / 180
	}
	if p.HeightShiftRange > 0 {
		t.Tx = a.uniform(-p.HeightShiftRange, p.HeightShiftRange) * float64(h)
	}
	if p.WidthShiftRange > 0 {
		t.Ty = a.uniform(-p.WidthShiftRange, p.WidthShiftRange) * float64(w)
	}
	if p.ShearRange > 0 {
		t.Shear = a.uniform(-p.ShearRange, p.ShearRange) * math.Pi / 180
	}
	if p.ZoomRange > 0 {
		t.Zx = a.uniform(1-p.ZoomRange, 1+p.ZoomRange)
		t.Zy = a.uniform(1-p.ZoomRange, 1+p.ZoomRange)
	}
	if p.ChannelShift > 0 {
		t.ChannelShift = a.uniform(-p.ChannelShift, p.ChannelShift)
	}
	if p.HorizontalFlip {
		t.Flip = a.rng.Float64() < 0.5
	}
	if p.BrightnessRange[0] != 0 || p.BrightnessRange[1] != 0 {
		t.Brightness = a.uniform(p.BrightnessRange[0], p.BrightnessRange[1])
	}
	return t
}

// Augment resizes img, applies a freshly sampled transform and writes the
// result into dst as NHWC floats in [0,1].
//
// Arguments:
//   - img: The decoded source image.
//   - dst: Destination slice holding at least one sample.
//
// Returns:
//   - Transform: The transform that was applied.
//   - error: An error if dst is too small or the warp fails.
func (a *Augmenter) Augment(img image.Image, dst []float32) (Transform, error) {
	if len(dst) < a.prep.SampleLen() {
		return Transform{}, errors.Errorf("destination holds %d floats, needs %d", len(dst), a.prep.SampleLen())
	}

	rgba := images.ToRGBA(a.prep.Resize(img))
	t := a.Sample(rgba.Bounds().Dy(), rgba.Bounds().Dx())

	out, err := ApplyWithBorder(rgba, t, BorderMode(a.params.FillMode))
	if err != nil {
		return t, err
	}

	images.WriteNHWC(out, dst)
	Photometric(dst[:a.prep.SampleLen()], t)
	return t, nil
}

// Matrix returns the inverse affine map of t in OpenCV (x, y) order.
//
// The map takes output pixel coordinates to source pixel coordinates and is
// centred on the image, as used with warpAffine's inverse-map flag.
//
// Arguments:
//   - t: The transform.
//   - h: The image height.
//   - w: The image width.
//
// Returns:
//   - [6]float64: The row-major 2x3 matrix.
func Matrix(t Transform, h, w int) [6]float64 {
	cos, sin := math.Cos(t.Theta), math.Sin(t.Theta)
	rotation := mat3{{cos, -sin, 0}, {sin, cos, 0}, {0, 0, 1}}
	shift := mat3{{1, 0, t.Tx}, {0, 1, t.Ty}, {0, 0, 1}}
	shear := mat3{{1, -math.Sin(t.Shear), 0}, {0, math.Cos(t.Shear), 0}, {0, 0, 1}}
	zoom := mat3{{t.Zx, 0, 0}, {0, t.Zy, 0}, {0, 0, 1}}

	m := rotation.mul(shift).mul(shear).mul(zoom)

	// (row, col) coordinates, centred on the pixel grid.
	or, oc := float64(h)/2-0.5, float64(w)/2-0.5
	offset := mat3{{1, 0, or}, {0, 1, oc}, {0, 0, 1}}
	reset := mat3{{1, 0, -or}, {0, 1, -oc}, {0, 0, 1}}
	m = offset.mul(m).mul(reset)

	// Swap to (x, y) = (col, row).
	return [6]float64{
		m[1][1], m[1][0], m[1][2],
		m[0][1], m[0][0], m[0][2],
	}
}

// Photometric applies the channel shift and brightness of t to an NHWC sample in place.
func Photometric(sample []float32, t Transform) {
	if len(sample) == 0 {
		return
	}

	if t.ChannelShift != 0 {
		lo, hi := sample[0], sample[0]
		for _, v := range sample {
			lo = math32.Min(lo, v)
			hi = math32.Max(hi, v)
		}
		shift := float32(t.ChannelShift / 255.0)
		for i, v := range sample {
			sample[i] = clamp(v+shift, lo, hi)
		}
	}

	if t.Brightness != 1 && t.Brightness != 0 {
		b := float32(t.Brightness)
		for i, v := range sample {
			sample[i] = clamp(v*b, 0, 1)
		}
	}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}

type mat3 [3][3]float64

func (a mat3) mul(b mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}
