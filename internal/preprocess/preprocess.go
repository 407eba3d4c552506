// Package preprocess turns uploaded scan bytes into the fixed-size tensor the
// classifier expects.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

const (
	DefaultImageSize = 224
	Channels         = 3
	// DefaultMaxPixels bounds the decoded size of an upload (64 megapixels).
	DefaultMaxPixels = 64 << 20
)

var (
	// ErrDecode is returned when the upload is not a decodable raster image.
	ErrDecode = errors.New("image could not be decoded")
	// ErrUnsupportedFormat is returned for images other than JPEG or PNG.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrImageTooLarge is returned when the declared dimensions exceed the
	// pixel budget. The image is never fully decoded.
	ErrImageTooLarge = errors.New("image dimensions too large")
)

// Tensor is a dense float32 array laid out NHWC with a leading batch axis of 1.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Size is the number of elements the shape describes.
func (t *Tensor) Size() int {
	return ShapeSize(t.Shape)
}

// ShapeSize multiplies the dimensions of a shape.
func ShapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= int(dim)
	}
	return n
}

// Result holds the displayable RGB image next to the model input.
type Result struct {
	Image  *image.NRGBA
	Tensor *Tensor
	Format string
}

type Preprocessor struct {
	Size      uint
	Filter    resize.InterpolationFunction
	MaxPixels int
}

// New returns a preprocessor that resizes to size×size with bicubic resampling.
func New(size int) *Preprocessor {
	if size <= 0 {
		size = DefaultImageSize
	}
	return &Preprocessor{Size: uint(size), Filter: resize.Bicubic, MaxPixels: DefaultMaxPixels}
}

// Process runs the default 224×224 pipeline.
func Process(data []byte) (*Result, error) {
	return New(DefaultImageSize).Process(data)
}

// Decode decodes JPEG or PNG bytes of at most DefaultMaxPixels.
func Decode(data []byte) (image.Image, string, error) {
	return decode(data, DefaultMaxPixels)
}

// decode reads the header first so oversized images are rejected before
// any pixel buffer is allocated.
func decode(data []byte, maxPixels int) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, format, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, fmt.Errorf("%w: empty image %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, format, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

func (p *Preprocessor) Process(data []byte) (*Result, error) {
	img, format, err := decode(data, p.MaxPixels)
	if err != nil {
		return nil, err
	}

	rgb := ToRGB(img)
	return &Result{
		Image:  rgb,
		Tensor: p.Tensor(rgb),
		Format: format,
	}, nil
}

// ToRGB copies img into an opaque 3-channel image. Alpha is dropped and
// grayscale is replicated into every channel.
func ToRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, c)
		}
	}
	return out
}

// Tensor resizes rgb to the target size and scales every channel to [0,1].
func (p *Preprocessor) Tensor(rgb *image.NRGBA) *Tensor {
	size := int(p.Size)
	resized := resize.Resize(p.Size, p.Size, rgb, p.Filter)

	data := make([]float32, size*size*Channels)
	bounds := resized.Bounds()

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			i := (y*size + x) * Channels
			data[i] = float32(c.R) / 255.0
			data[i+1] = float32(c.G) / 255.0
			data[i+2] = float32(c.B) / 255.0
		}
	}

	return &Tensor{
		Shape: []int64{1, int64(size), int64(size), Channels},
		Data:  data,
	}
}
