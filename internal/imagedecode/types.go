package imagedecode

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecode is returned for any input that cannot be turned into a PixelBuffer.
var ErrDecode = errors.New("image decode failed")

// Encoding tags how RawImage.Data is represented.
type Encoding string

const (
	// EncodingBinary is an encoded image file as-is (JPEG, PNG, ...).
	EncodingBinary Encoding = "binary"
	// EncodingBase64 is base64 text of an image file, as produced by camera
	// capture. A leading data URL header is tolerated.
	EncodingBase64 Encoding = "base64"
	// EncodingDataURL is a "data:image/...;base64," URL, as produced by file readers.
	EncodingDataURL Encoding = "data_url"
)

// ParseEncoding maps a user-supplied tag to an Encoding. An empty tag means base64.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingBase64:
		return EncodingBase64, nil
	case EncodingDataURL, "dataurl":
		return EncodingDataURL, nil
	case EncodingBinary, "blob":
		return EncodingBinary, nil
	default:
		return "", fmt.Errorf("%w: unsupported encoding %q", ErrDecode, s)
	}
}

// RawImage is an opaque captured image. It is never modified after capture.
type RawImage struct {
	Data     []byte
	Encoding Encoding
}

// PixelBuffer is a decoded RGB image, row-major, one byte per channel.
type PixelBuffer struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewPixelBuffer allocates a zeroed RGB buffer.
func NewPixelBuffer(width, height int) *PixelBuffer {
	return &PixelBuffer{
		Width:    width,
		Height:   height,
		Channels: 3,
		Pix:      make([]uint8, width*height*3),
	}
}

// RGB returns the pixel at (x, y).
func (p *PixelBuffer) RGB(x, y int) (r, g, b uint8) {
	i := (y*p.Width + x) * p.Channels
	return p.Pix[i], p.Pix[i+1], p.Pix[i+2]
}

// SetRGB writes the pixel at (x, y).
func (p *PixelBuffer) SetRGB(x, y int, r, g, b uint8) {
	i := (y*p.Width + x) * p.Channels
	p.Pix[i], p.Pix[i+1], p.Pix[i+2] = r, g, b
}
