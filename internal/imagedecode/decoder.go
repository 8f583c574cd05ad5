// Package imagedecode turns captured image bytes into an RGB pixel buffer.
package imagedecode

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxBytes bounds the decoded payload size.
	DefaultMaxBytes = 20 << 20
	// DefaultMaxPixels bounds width*height declared by the image header.
	DefaultMaxPixels = 40_000_000
)

// Options configures a Decoder. Zero limits disable the corresponding check.
type Options struct {
	MaxBytes   int64
	MaxPixels  int
	AutoOrient bool
}

// DefaultOptions returns the limits used by the server.
func DefaultOptions() Options {
	return Options{
		MaxBytes:   DefaultMaxBytes,
		MaxPixels:  DefaultMaxPixels,
		AutoOrient: true,
	}
}

// Decoder converts RawImage values to PixelBuffers. It holds no mutable state
// and is safe for concurrent use.
type Decoder struct {
	opts Options
}

func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts}
}

// Decode unwraps the transport encoding, decodes the image container and
// returns its pixels in RGB order at native resolution.
func (d *Decoder) Decode(raw RawImage) (*PixelBuffer, error) {
	payload, err := d.payload(raw)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty image data", ErrDecode)
	}
	if d.opts.MaxBytes > 0 && int64(len(payload)) > d.opts.MaxBytes {
		return nil, fmt.Errorf("%w: image is %d bytes, limit %d", ErrDecode, len(payload), d.opts.MaxBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if d.opts.MaxPixels > 0 && cfg.Width*cfg.Height > d.opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, d.opts.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, format, err)
	}

	if d.opts.AutoOrient && (format == "jpeg" || format == "tiff") {
		img = applyOrientation(img, readOrientation(payload))
	}

	return FromImage(img), nil
}

func (d *Decoder) payload(raw RawImage) ([]byte, error) {
	switch raw.Encoding {
	case EncodingBinary:
		return raw.Data, nil
	case EncodingBase64:
		text := strings.TrimSpace(string(raw.Data))
		if strings.HasPrefix(text, "data:") {
			body, err := stripDataURL(text)
			if err != nil {
				return nil, err
			}
			text = body
		}
		return decodeBase64(text)
	case EncodingDataURL:
		text := strings.TrimSpace(string(raw.Data))
		if !strings.HasPrefix(text, "data:") {
			return nil, fmt.Errorf("%w: missing data URL header", ErrDecode)
		}
		body, err := stripDataURL(text)
		if err != nil {
			return nil, err
		}
		return decodeBase64(body)
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrDecode, raw.Encoding)
	}
}

// stripDataURL returns the base64 body of "data:<mime>;base64,<body>".
func stripDataURL(s string) (string, error) {
	header, body, ok := strings.Cut(s, ",")
	if !ok {
		return "", fmt.Errorf("%w: malformed data URL", ErrDecode)
	}
	if !strings.HasSuffix(strings.ToLower(header), ";base64") {
		return "", fmt.Errorf("%w: data URL is not base64 encoded", ErrDecode)
	}
	return body, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', ' ':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty image data", ErrDecode)
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if data, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return data, nil
	}
	return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecode, err)
}

// FromImage copies any image.Image into an RGB PixelBuffer, dropping alpha.
func FromImage(img image.Image) *PixelBuffer {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	buf := NewPixelBuffer(w, h)

	for y := 0; y < h; y++ {
		src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		dst := buf.Pix[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return buf
}
