// Package overlay stamps a timestamp onto a JPEG frame and applies a
// fixed rotation before the frame is written out by the encoder.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"time"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Rotation is one of the four fixed orientations the encoder may apply to
// a frame before re-encoding.
type Rotation int

const (
	RotateNone Rotation = 0
	Rotate90   Rotation = 90
	Rotate180  Rotation = 180
	Rotate270  Rotation = 270
)

// Config carries the capture.timestamp_* and capture.rotation options.
type Config struct {
	TimestampOverlay bool
	FontPath         string // optional custom TTF; falls back to basicfont
	FontSize         float64
	Timezone         *time.Location
	Rotation         Rotation
}

const jpegQuality = 90

// Apply decodes data as JPEG, optionally stamps ts in the bottom-left
// corner, optionally rotates, and re-encodes to JPEG. If neither overlay
// nor rotation is configured, data is returned unchanged.
func Apply(data []byte, ts time.Time, cfg Config) ([]byte, error) {
	if !cfg.TimestampOverlay && cfg.Rotation == RotateNone {
		return data, nil
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame for overlay: %w", err)
	}

	rgba := toRGBA(img)

	if cfg.TimestampOverlay {
		loc := cfg.Timezone
		if loc == nil {
			loc = time.Local
		}
		label := ts.In(loc).Format("2006-01-02 15:04:05.000")
		if err := drawLabel(rgba, label, cfg); err != nil {
			return nil, fmt.Errorf("draw timestamp overlay: %w", err)
		}
	}

	out := rotate(rgba, cfg.Rotation)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode overlaid frame: %w", err)
	}
	return buf.Bytes(), nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return rgba
}

// drawLabel renders text in the bottom-left corner with a semi-opaque
// background band behind it for legibility, using a custom TTF face when
// cfg.FontPath is set and basicfont.Face7x13 otherwise.
func drawLabel(img *image.RGBA, text string, cfg Config) error {
	face, ascent, err := loadFace(cfg)
	if err != nil {
		return err
	}

	bounds := img.Bounds()
	margin := 6
	textHeight := ascent + 4
	bandTop := bounds.Max.Y - textHeight - margin
	draw.Draw(img, image.Rect(bounds.Min.X, bandTop, bounds.Max.X, bounds.Max.Y),
		&image.Uniform{C: color.NRGBA{0, 0, 0, 160}}, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(bounds.Min.X+margin, bounds.Max.Y-margin),
	}
	d.DrawString(text)
	return nil
}

func loadFace(cfg Config) (font.Face, int, error) {
	if cfg.FontPath == "" {
		return basicfont.Face7x13, 13, nil
	}

	fontBytes, err := loadFontFile(cfg.FontPath)
	if err != nil {
		return nil, 0, err
	}
	f, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return nil, 0, fmt.Errorf("parse font %s: %w", cfg.FontPath, err)
	}

	size := cfg.FontSize
	if size <= 0 {
		size = 16
	}
	face := truetype.NewFace(f, &truetype.Options{Size: size, DPI: 72})
	return face, int(size), nil
}

func loadFontFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font file %s: %w", path, err)
	}
	return data, nil
}

func rotate(img *image.RGBA, r Rotation) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch r {
	case Rotate90:
		out := image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(h-1-y, x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return out
	case Rotate180:
		out := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(w-1-x, h-1-y, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return out
	case Rotate270:
		out := image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(y, w-1-x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return out
	default:
		return img
	}
}
