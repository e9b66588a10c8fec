// Package images - Decoding, verification and model-input preparation for classifier images.
package images

import (
	"bytes"
	"image"
	// Registered decoders for image.Decode.
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	// webp is accepted for remote URL inputs.
	_ "github.com/chai2010/webp"
	"github.com/pkg/errors"
)

// ImageFormat represents supported image formats.
type ImageFormat string

// ImageFormat constants.
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
)

// ErrUnsupportedFormat is returned for decodable images outside the accepted set.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// UploadExtensions are the file extensions accepted from the upload input.
var UploadExtensions = []string{".jpg", ".jpeg", ".png"}

// Image is a decoded image with its source format.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The decoded pixels.
	Pixels image.Image `json:"-" yaml:"-"`
	// The width of the image.
	Width int `json:"width" yaml:"width"`
	// The height of the image.
	Height int `json:"height" yaml:"height"`
}

// AllowedUpload reports whether a file name carries an accepted upload extension.
func AllowedUpload(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range UploadExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Decode decodes an image from r.
//
// Arguments:
//   - r: The encoded image stream.
//   - allowed: The formats accepted; none means any registered format.
//
// Returns:
//   - *Image: The decoded image.
//   - error: An error if the stream is not a decodable image of an allowed format.
func Decode(r io.Reader, allowed ...ImageFormat) (*Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}

	f := ImageFormat(format)
	if len(allowed) > 0 && !containsFormat(allowed, f) {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s", format)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Errorf("invalid image dimensions: %dx%d", b.Dx(), b.Dy())
	}

	return &Image{
		Format: f,
		Pixels: img,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(data []byte, allowed ...ImageFormat) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.New("image data is empty")
	}
	return Decode(bytes.NewReader(data), allowed...)
}

// DecodeFile decodes the image stored at path.
func DecodeFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return img, nil
}

// Verify checks that the file at path is a complete, decodable image.
//
// The header is checked first so obviously broken files fail fast, then the full
// pixel data is decoded to catch truncated files.
//
// Arguments:
//   - path: The image file.
//
// Returns:
//   - error: nil when the image is usable for training.
func Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open image")
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return errors.Wrapf(err, "read image header %s", path)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("invalid image dimensions %dx%d in %s", cfg.Width, cfg.Height, path)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind image")
	}
	if _, err := Decode(f); err != nil {
		return errors.Wrapf(err, "%s", path)
	}
	return nil
}

// VerifyBytes is Verify for in-memory data.
func VerifyBytes(data []byte) error {
	_, err := DecodeBytes(data)
	return err
}

func containsFormat(set []ImageFormat, f ImageFormat) bool {
	for _, s := range set {
		if s == f {
			return true
		}
	}
	return false
}
