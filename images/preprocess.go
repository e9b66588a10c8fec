package images

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Channels is the number of color channels of a model input.
const Channels = 3

// Preprocessor converts decoded images into model input tensors.
//
// Inputs are laid out NHWC (height, width, RGB), scaled to [0,1], which is the
// layout the Keras-exported backbone expects.
type Preprocessor struct {
	// Size is the square target resolution.
	Size int
	// Interpolation is the resampling filter used for resizing.
	Interpolation resize.InterpolationFunction
}

// NewPreprocessor creates a preprocessor for a square input of size pixels.
//
// Arguments:
//   - size: The target width and height.
//
// Returns:
//   - *Preprocessor: The preprocessor.
func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{
		Size:          size,
		Interpolation: resize.Bilinear,
	}
}

// SampleLen is the number of floats one prepared image occupies.
func (p *Preprocessor) SampleLen() int {
	return p.Size * p.Size * Channels
}

// ToRGBA converts any image into an RGBA image at origin (0,0), dropping alpha.
//
// Arguments:
//   - img: The source image.
//
// Returns:
//   - *image.RGBA: An opaque RGBA copy of img.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// Resize resizes img to the preprocessor resolution.
func (p *Preprocessor) Resize(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() == p.Size && b.Dy() == p.Size {
		return img
	}
	return resize.Resize(uint(p.Size), uint(p.Size), img, p.Interpolation)
}

// Prepare resizes img and writes it into dst as NHWC [0,1] floats.
//
// Arguments:
//   - img: The image to prepare.
//   - dst: Destination slice holding at least SampleLen floats.
//
// Returns:
//   - error: An error if dst is too small.
func (p *Preprocessor) Prepare(img image.Image, dst []float32) error {
	if len(dst) < p.SampleLen() {
		return errors.Errorf("destination holds %d floats, needs %d", len(dst), p.SampleLen())
	}

	rgba := ToRGBA(p.Resize(img))
	WriteNHWC(rgba, dst)
	return nil
}

// Tensor prepares a single image into a freshly allocated slice.
func (p *Preprocessor) Tensor(img image.Image) []float32 {
	dst := make([]float32, p.SampleLen())
	// dst is sized by SampleLen, so Prepare cannot fail.
	_ = p.Prepare(img, dst)
	return dst
}

// WriteNHWC writes the RGB channels of rgba into dst scaled to [0,1].
func WriteNHWC(rgba *image.RGBA, dst []float32) {
	b := rgba.Bounds()
	i := 0
	for y := 0; y < b.Dy(); y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			dst[i] = float32(row[x]) / 255.0
			dst[i+1] = float32(row[x+1]) / 255.0
			dst[i+2] = float32(row[x+2]) / 255.0
			i += 3
		}
	}
}
