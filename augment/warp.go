package augment

import (
	"image"
	"image/color"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// BorderMode maps a Keras fill mode name to the OpenCV border type.
//
// Arguments:
//   - fill: One of nearest, constant, reflect, wrap.
//
// Returns:
//   - gocv.BorderType: The border type. Unknown names fall back to replicate.
func BorderMode(fill string) gocv.BorderType {
	switch strings.ToLower(fill) {
	case "constant":
		return gocv.BorderConstant
	case "reflect":
		return gocv.BorderReflect
	case "wrap":
		return gocv.BorderWrap
	default:
		return gocv.BorderReplicate
	}
}

// Apply warps and flips rgba according to t.
//
// Arguments:
//   - rgba: The source image. Its stride must be 4*width.
//   - t: The transform.
//
// Returns:
//   - *image.RGBA: The transformed image, or rgba itself when t is geometrically a no-op.
//   - error: An error if OpenCV cannot wrap the pixels.
func Apply(rgba *image.RGBA, t Transform) (*image.RGBA, error) {
	return ApplyWithBorder(rgba, t, gocv.BorderReplicate)
}

// ApplyWithBorder is Apply with an explicit border mode for pixels sampled outside the source.
func ApplyWithBorder(rgba *image.RGBA, t Transform, border gocv.BorderType) (*image.RGBA, error) {
	if t.IsAffineIdentity() && !t.Flip {
		return rgba, nil
	}

	b := rgba.Bounds()
	w, h := b.Dx(), b.Dy()
	if rgba.Stride != 4*w {
		rgba = cloneRGBA(rgba)
	}

	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, rgba.Pix)
	if err != nil {
		return nil, errors.Wrap(err, "wrap pixels")
	}
	defer src.Close()

	cur := src
	warped := gocv.NewMat()
	defer warped.Close()

	if !t.IsAffineIdentity() {
		affine := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
		defer affine.Close()
		for i, v := range Matrix(t, h, w) {
			affine.SetDoubleAt(i/3, i%3, v)
		}
		if err := warp(cur, &warped, affine, border); err != nil {
			return nil, err
		}
		cur = warped
	}

	flipped := gocv.NewMat()
	defer flipped.Close()

	if t.Flip {
		if err := gocv.Flip(cur, &flipped, 1); err != nil {
			return nil, errors.Wrap(err, "flip")
		}
		cur = flipped
	}

	if cur.Empty() {
		return nil, errors.New("warp produced an empty image")
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(out.Pix, cur.ToBytes())
	return out, nil
}

// warp maps src through the inverse affine matrix m into dst at the size of src.
func warp(src gocv.Mat, dst *gocv.Mat, m gocv.Mat, border gocv.BorderType) error {
	err := gocv.WarpAffineWithParams(src, dst, m, image.Pt(src.Cols(), src.Rows()),
		gocv.InterpolationLinear|gocv.WarpInverseMap, border, color.RGBA{A: 0xff})
	if err != nil {
		return errors.Wrap(err, "warp affine")
	}
	if dst.Empty() {
		return errors.New("warp produced an empty image")
	}
	return nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+b.Dx()*4]
		copy(dst.Pix[y*dst.Stride:], row)
	}
	return dst
}
