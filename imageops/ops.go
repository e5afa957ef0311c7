package imageops

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/otiai10/gosseract/v2"
	"golang.org/x/image/tiff"

	"picturas.eve.evalgo.org/wireprotocol"
)

// Result is the outcome of applying a procedure: exactly one of Image or
// Text is populated, matching the wire protocol's image/text output split.
type Result struct {
	Image image.Image
	Text  string
}

// Apply dispatches to the concrete operation for procedure, validating that
// params carries the matching parameter type. It does not perform EXIF
// orientation correction; callers apply CorrectOrientation beforehand.
func Apply(procedure wireprotocol.Procedure, params interface{}, img image.Image) (Result, error) {
	switch procedure {
	case wireprotocol.ProcedureCrop:
		p, ok := params.(wireprotocol.CropParams)
		if !ok {
			return Result{}, fmt.Errorf("crop: missing or invalid parameters")
		}
		out, err := Crop(img, p)
		if err != nil {
			return Result{}, err
		}
		return Result{Image: out}, nil

	case wireprotocol.ProcedureScale:
		p, ok := params.(wireprotocol.ScaleParams)
		if !ok {
			return Result{}, fmt.Errorf("scale: missing or invalid parameters")
		}
		return Result{Image: Scale(img, p)}, nil

	case wireprotocol.ProcedureAddBorder:
		p, ok := params.(wireprotocol.AddBorderParams)
		if !ok {
			return Result{}, fmt.Errorf("addBorder: missing or invalid parameters")
		}
		return Result{Image: AddBorder(img, p)}, nil

	case wireprotocol.ProcedureAdjustBrightness:
		p, ok := params.(wireprotocol.AdjustBrightnessParams)
		if !ok {
			return Result{}, fmt.Errorf("adjustBrightness: missing or invalid parameters")
		}
		return Result{Image: AdjustBrightness(img, p)}, nil

	case wireprotocol.ProcedureAdjustContrast:
		p, ok := params.(wireprotocol.AdjustContrastParams)
		if !ok {
			return Result{}, fmt.Errorf("adjustContrast: missing or invalid parameters")
		}
		return Result{Image: AdjustContrast(img, p)}, nil

	case wireprotocol.ProcedureRotate:
		p, ok := params.(wireprotocol.RotateParams)
		if !ok {
			return Result{}, fmt.Errorf("rotate: missing or invalid parameters")
		}
		return Result{Image: Rotate(img, p)}, nil

	case wireprotocol.ProcedureBlur:
		p, ok := params.(wireprotocol.BlurParams)
		if !ok {
			return Result{}, fmt.Errorf("blur: missing or invalid parameters")
		}
		return Result{Image: Blur(img, p)}, nil

	case wireprotocol.ProcedureGrayscale:
		return Result{Image: Grayscale(img)}, nil

	case wireprotocol.ProcedureBinarize:
		return Result{Image: Binarize(img)}, nil

	case wireprotocol.ProcedureOCR:
		text, err := OCR(img)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text}, nil

	default:
		return Result{}, fmt.Errorf("unrecognized procedure %q", procedure)
	}
}

// Crop extracts the rectangle between start and end (normalized so start is
// always the top-left corner), failing if the rectangle falls outside the
// image's bounds rather than silently clipping it.
func Crop(img image.Image, p wireprotocol.CropParams) (image.Image, error) {
	x1, x2 := minU32(p.Start.X, p.End.X), maxU32(p.Start.X, p.End.X)
	y1, y2 := minU32(p.Start.Y, p.End.Y), maxU32(p.Start.Y, p.End.Y)

	bounds := img.Bounds()
	if int(x1) < bounds.Min.X || int(y1) < bounds.Min.Y || int(x2) > bounds.Max.X || int(y2) > bounds.Max.Y {
		return nil, fmt.Errorf("crop rectangle (%d,%d)-(%d,%d) outside image bounds %v", x1, y1, x2, y2, bounds)
	}

	rect := image.Rect(int(x1), int(y1), int(x2), int(y2))
	return imaging.Crop(img, rect), nil
}

// Scale resizes img to the exact target dimensions using Lanczos3
// resampling.
func Scale(img image.Image, p wireprotocol.ScaleParams) image.Image {
	return resize.Resize(uint(p.X), uint(p.Y), img, resize.Lanczos3)
}

// AddBorder pads img with an opaque border of the given size and color on
// all four sides.
func AddBorder(img image.Image, p wireprotocol.AddBorderParams) image.Image {
	b := img.Bounds()
	size := int(p.Size)
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx()+2*size, b.Dy()+2*size))
	fill := color.RGBA{R: p.Color.R, G: p.Color.G, B: p.Color.B, A: 255}
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)
	return imaging.Paste(canvas, img, image.Pt(size, size))
}

// AdjustBrightness shifts pixel brightness by value, clamped to [-1, 1]
// before being scaled into the percentage range imaging.AdjustBrightness
// expects.
func AdjustBrightness(img image.Image, p wireprotocol.AdjustBrightnessParams) image.Image {
	v := p.Value
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return imaging.AdjustBrightness(img, float64(v)*100)
}

// AdjustContrast passes value through verbatim as a contrast percentage.
func AdjustContrast(img image.Image, p wireprotocol.AdjustContrastParams) image.Image {
	return imaging.AdjustContrast(img, float64(p.Value))
}

// Rotate turns img by angle degrees about its center, filling any exposed
// corners with transparency.
func Rotate(img image.Image, p wireprotocol.RotateParams) image.Image {
	return imaging.Rotate(img, float64(p.Angle), color.Transparent)
}

// Blur applies a Gaussian blur with the given radius as its sigma.
func Blur(img image.Image, p wireprotocol.BlurParams) image.Image {
	radius := p.Radius
	if radius < 0 {
		radius = -radius
	}
	return imaging.Blur(img, float64(radius))
}

// Grayscale desaturates img, preserving per-channel luminance.
func Grayscale(img image.Image) image.Image {
	return imaging.Grayscale(img)
}

// Binarize converts img to pure black/white by grayscaling it and then
// thresholding every pixel at 128.
func Binarize(img image.Image) image.Image {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(gray.At(x, y)).(color.Gray)
			if g.Y >= 128 {
				out.SetGray(x, y, color.Gray{Y: 255})
			} else {
				out.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return out
}

// OCR recognizes English text in img. Tesseract only reads from a file path,
// so img is re-encoded to an uncompressed TIFF in a temp file first; the
// 70 DPI resolution is passed to Tesseract as user_defined_dpi.
func OCR(img image.Image) (string, error) {
	tmp, err := os.CreateTemp("", "ocr-*.tiff")
	if err != nil {
		return "", fmt.Errorf("create ocr temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encode ocr tiff: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write ocr temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close ocr temp file: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage("eng"); err != nil {
		return "", fmt.Errorf("set ocr language: %w", err)
	}
	if err := client.SetVariable("user_defined_dpi", "70"); err != nil {
		return "", fmt.Errorf("set ocr dpi: %w", err)
	}
	if err := client.SetImage(tmp.Name()); err != nil {
		return "", fmt.Errorf("load ocr image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("run ocr: %w", err)
	}
	return text, nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
