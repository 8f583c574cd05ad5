// Package preprocess converts decoded pixels into the model input tensor.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/leafdx-api/internal/imagedecode"
	"github.com/Brownie44l1/leafdx-api/internal/tensor"
)

// ErrPreprocess is returned when a pixel buffer cannot be turned into a tensor.
var ErrPreprocess = errors.New("preprocess failed")

// DefaultSize is the square input resolution of the model.
const DefaultSize = 224

// Interpolation selects the resize algorithm.
type Interpolation string

const (
	Nearest  Interpolation = "nearest"
	Bilinear Interpolation = "bilinear"
	Bicubic  Interpolation = "bicubic"
	Lanczos3 Interpolation = "lanczos3"
)

// ParseInterpolation maps a config value to an Interpolation. Empty means Nearest.
func ParseInterpolation(s string) (Interpolation, error) {
	switch i := Interpolation(strings.ToLower(strings.TrimSpace(s))); i {
	case "":
		return Nearest, nil
	case Nearest, Bilinear, Bicubic, Lanczos3:
		return i, nil
	default:
		return "", fmt.Errorf("unknown interpolation %q", s)
	}
}

// Preprocessor resizes to Width x Height and scales channels to [0,1].
type Preprocessor struct {
	Width  int
	Height int
	Method Interpolation
}

// New returns the default 224x224 nearest-neighbor preprocessor.
func New() *Preprocessor {
	return &Preprocessor{Width: DefaultSize, Height: DefaultSize, Method: Nearest}
}

// Shape returns the tensor shape produced by Preprocess: [1, H, W, 3].
func (p *Preprocessor) Shape() []int64 {
	return []int64{1, int64(p.Height), int64(p.Width), 3}
}

// Preprocess returns a [1, H, W, 3] tensor. The aspect ratio of the source is
// not preserved.
func (p *Preprocessor) Preprocess(px *imagedecode.PixelBuffer) (*tensor.Tensor, error) {
	if px == nil {
		return nil, fmt.Errorf("%w: nil pixel buffer", ErrPreprocess)
	}
	if px.Width <= 0 || px.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrPreprocess, px.Width, px.Height)
	}
	if px.Channels != 3 || len(px.Pix) != px.Width*px.Height*3 {
		return nil, fmt.Errorf("%w: buffer of %d bytes does not match %dx%dx%d",
			ErrPreprocess, len(px.Pix), px.Width, px.Height, px.Channels)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid target size %dx%d", ErrPreprocess, p.Width, p.Height)
	}

	var resized *imagedecode.PixelBuffer
	switch p.Method {
	case Nearest, "":
		resized = resizeNearest(px, p.Width, p.Height)
	case Bilinear, Bicubic, Lanczos3:
		resized = resizeFiltered(px, p.Width, p.Height, p.Method)
	default:
		return nil, fmt.Errorf("%w: unknown interpolation %q", ErrPreprocess, p.Method)
	}

	out := tensor.New(p.Shape()...)
	for i, v := range resized.Pix {
		out.Data[i] = float32(v) / 255.0
	}
	return out, nil
}

// resizeNearest maps destination pixel d to source pixel floor(d*src/dst) on
// each axis. No half-pixel offset, no blending.
func resizeNearest(px *imagedecode.PixelBuffer, w, h int) *imagedecode.PixelBuffer {
	if px.Width == w && px.Height == h {
		return px
	}

	out := imagedecode.NewPixelBuffer(w, h)
	for y := 0; y < h; y++ {
		sy := y * px.Height / h
		for x := 0; x < w; x++ {
			sx := x * px.Width / w
			si := (sy*px.Width + sx) * 3
			di := (y*w + x) * 3
			copy(out.Pix[di:di+3], px.Pix[si:si+3])
		}
	}
	return out
}

func resizeFiltered(px *imagedecode.PixelBuffer, w, h int, method Interpolation) *imagedecode.PixelBuffer {
	src := image.NewNRGBA(image.Rect(0, 0, px.Width, px.Height))
	for i, j := 0, 0; i < len(px.Pix); i, j = i+3, j+4 {
		src.Pix[j] = px.Pix[i]
		src.Pix[j+1] = px.Pix[i+1]
		src.Pix[j+2] = px.Pix[i+2]
		src.Pix[j+3] = 0xff
	}

	var fn resize.InterpolationFunction
	switch method {
	case Bilinear:
		fn = resize.Bilinear
	case Bicubic:
		fn = resize.Bicubic
	default:
		fn = resize.Lanczos3
	}

	return imagedecode.FromImage(resize.Resize(uint(w), uint(h), src, fn))
}
