// Package imageprocessor turns uploaded image bytes into model input tensors.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder

	"github.com/example/uniform-check/internal/tensor"
)

// Layout is the memory order of the produced tensor.
type Layout string

const (
	// NHWC produces shape [1, H, W, 3] (Keras style).
	NHWC Layout = "nhwc"
	// NCHW produces shape [1, 3, H, W] with one plane per channel.
	NCHW Layout = "nchw"
)

// ResizeMode selects how the source is brought to the target resolution.
type ResizeMode string

const (
	// Fit scales to cover the target and centre-crops the overflow, preserving aspect ratio.
	Fit ResizeMode = "fit"
	// Stretch resizes straight to the target size.
	Stretch ResizeMode = "stretch"
)

// ErrDecode marks input that is not a decodable still image.
var ErrDecode = errors.New("invalid image")

// DecodeError describes why an upload was rejected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid image: %s: %v", e.Reason, e.Err)
	}
	return "invalid image: " + e.Reason
}

// Is lets errors.Is(err, ErrDecode) match any DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DefaultMaxPixels bounds the declared width*height of an upload when
// Options.MaxPixels is unset. Decoding allocates the full frame up front.
const DefaultMaxPixels = 40_000_000

// Options configures a Normalizer.
type Options struct {
	Size   int
	Layout Layout
	Mode   ResizeMode
	// MaxPixels rejects images declaring more pixels than this before decoding.
	MaxPixels int
}

// Normalizer decodes, resamples and rescales images. It is safe for concurrent use.
type Normalizer struct {
	opts  Options
	alloc *tensor.Allocator
}

// NewNormalizer validates opts and returns a Normalizer drawing buffers from alloc.
func NewNormalizer(opts Options, alloc *tensor.Allocator) (*Normalizer, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("imageprocessor: size must be positive, got %d", opts.Size)
	}
	switch opts.Layout {
	case NHWC, NCHW:
	default:
		return nil, fmt.Errorf("imageprocessor: unknown layout %q", opts.Layout)
	}
	switch opts.Mode {
	case Fit, Stretch:
	default:
		return nil, fmt.Errorf("imageprocessor: unknown resize mode %q", opts.Mode)
	}
	if opts.MaxPixels < 0 {
		return nil, fmt.Errorf("imageprocessor: max pixels must not be negative, got %d", opts.MaxPixels)
	}
	if opts.MaxPixels == 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Normalizer{opts: opts, alloc: alloc}, nil
}

// Shape is the tensor shape Normalize produces.
func (n *Normalizer) Shape() []int64 {
	s := int64(n.opts.Size)
	if n.opts.Layout == NCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}

// Normalize decodes raw and returns a batch-of-one tensor with values in [0, 1].
// The caller owns the tensor and must Release it.
func (n *Normalizer) Normalize(raw []byte) (*tensor.Tensor, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Reason: "decode failed", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Reason: "zero-sized image"}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(n.opts.MaxPixels) {
		return nil, &DecodeError{Reason: "image too large", Err: fmt.Errorf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, n.opts.MaxPixels)}
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Reason: "decode failed", Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &DecodeError{Reason: "zero-sized image"}
	}

	resized := n.resample(img)

	out, err := n.alloc.New(n.Shape()...)
	if err != nil {
		return nil, err
	}
	fill(out.Data(), resized, n.opts.Size, n.opts.Layout)
	return out, nil
}

func (n *Normalizer) resample(img image.Image) image.Image {
	size := n.opts.Size
	if n.opts.Mode == Stretch {
		return resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	}
	return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
}

func fill(dst []float32, img image.Image, size int, layout Layout) {
	b := img.Bounds()
	plane := size * size
	idx := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			r := float32(c.R) / 255.0
			g := float32(c.G) / 255.0
			bl := float32(c.B) / 255.0
			if layout == NCHW {
				dst[idx] = r
				dst[idx+plane] = g
				dst[idx+2*plane] = bl
			} else {
				dst[3*idx] = r
				dst[3*idx+1] = g
				dst[3*idx+2] = bl
			}
			idx++
		}
	}
}
