package imagedecode

import (
	"image"

	"github.com/disintegration/imaging"
	exif "github.com/dsoprea/go-exif/v3"
)

const orientationTagID = 0x0112

// readOrientation returns the EXIF orientation (1..8) of IFD0, or 1 when the
// data carries no usable EXIF block.
func readOrientation(data []byte) (orientation int) {
	orientation = 1
	// go-exif reports some malformed blocks by panicking.
	defer func() {
		if r := recover(); r != nil {
			orientation = 1
		}
	}()

	rawExif, err := exif.SearchAndExtractExif(data)
	if err != nil || rawExif == nil {
		return 1
	}

	entries, _, err := exif.GetFlatExifData(rawExif, nil)
	if err != nil {
		return 1
	}

	for _, entry := range entries {
		if entry.TagId != orientationTagID || entry.IfdPath != "IFD" {
			continue
		}
		switch v := entry.Value.(type) {
		case []uint16:
			if len(v) > 0 && v[0] >= 1 && v[0] <= 8 {
				return int(v[0])
			}
		case []uint32:
			if len(v) > 0 && v[0] >= 1 && v[0] <= 8 {
				return int(v[0])
			}
		}
		return 1
	}
	return 1
}

// applyOrientation transforms img so that it displays upright.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
