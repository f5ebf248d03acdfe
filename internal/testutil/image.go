package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ImageSize represents image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Common photo sizes. Landscape 4:3 unless noted.
	SmallSize  = ImageSize{320, 240}
	MediumSize = ImageSize{640, 480}
	LargeSize  = ImageSize{1200, 900}
	// PreparedSize is a photo already at the canonical prepared width.
	PreparedSize = ImageSize{900, 675}
)

// SceneObject is a filled rectangle standing in for an object in a photo.
type SceneObject struct {
	Rect  image.Rectangle
	Color color.Color
	Label string
}

// SceneConfig describes a synthetic photo.
type SceneConfig struct {
	Size       ImageSize
	Background color.Color
	Objects    []SceneObject
	Rotation   float64 // degrees, counter-clockwise
}

// DefaultSceneConfig returns a gray medium photo with no objects.
func DefaultSceneConfig() SceneConfig {
	return SceneConfig{Size: MediumSize, Background: color.NRGBA{R: 200, G: 200, B: 200, A: 255}}
}

// GenerateScene draws the objects onto the background and writes each
// label in the top left corner of its rectangle.
func GenerateScene(cfg SceneConfig) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, cfg.Size.Width, cfg.Size.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{cfg.Background}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	for _, obj := range cfg.Objects {
		draw.Draw(img, obj.Rect, &image.Uniform{obj.Color}, image.Point{}, draw.Src)
		if obj.Label == "" {
			continue
		}
		d := &font.Drawer{Dst: img, Src: image.White, Face: face}
		d.Dot = fixed.P(obj.Rect.Min.X+2, obj.Rect.Min.Y+face.Metrics().Ascent.Ceil()+2)
		d.DrawString(obj.Label)
	}

	if cfg.Rotation != 0 {
		return imaging.Rotate(img, cfg.Rotation, cfg.Background)
	}
	return img
}

// Gradient returns an opaque image whose red channel follows x and green
// channel follows y.
func Gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(tb testing.TB, img image.Image, quality int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	require.NoError(tb, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

// EncodePNG encodes img as PNG.
func EncodePNG(tb testing.TB, img image.Image) []byte {
	tb.Helper()
	var buf bytes.Buffer
	require.NoError(tb, png.Encode(&buf, img))
	return buf.Bytes()
}

// JPEG returns a w x h gradient photo encoded as JPEG.
func JPEG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	return EncodeJPEG(tb, Gradient(w, h), 90)
}

// PNG returns a w x h gradient image encoded as PNG.
func PNG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	return EncodePNG(tb, Gradient(w, h))
}

// DecodeSize returns the dimensions of an encoded image.
func DecodeSize(tb testing.TB, data []byte) ImageSize {
	tb.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(tb, err)
	return ImageSize{Width: cfg.Width, Height: cfg.Height}
}
