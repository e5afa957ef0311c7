// Package imageops implements the concrete image operations behind the ten
// recognized procedures: crop, scale, addBorder, adjustBrightness,
// adjustContrast, rotate, blur, grayscale, binarize, and ocr.
package imageops

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// CorrectOrientation rotates/flips img according to the EXIF orientation
// tag found in the original encoded bytes, if any. Images without EXIF data
// or without an orientation tag are returned unchanged. Applied uniformly
// before any procedure runs so sideways/mirrored source photos don't
// silently propagate through the chain.
func CorrectOrientation(img image.Image, data []byte) image.Image {
	switch detectEXIFOrientation(data) {
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

// detectEXIFOrientation returns the EXIF orientation tag value (1-8), or 1
// (normal) if the image has no EXIF data or no orientation tag.
func detectEXIFOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return v
}
