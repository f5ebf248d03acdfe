// Package display maps detector output into the coordinate space of the
// display square and renders overlays for it.
package display

import (
	"fmt"
	"image/color"
	"strconv"

	"github.com/MeKo-Tech/snapdetect/internal/detector"
)

// Default display geometry. The prepared image is stretched into a square of
// this size with no aspect correction.
const (
	DefaultDisplayWidth  = 280
	DefaultDisplayHeight = 280
	DefaultBorderWidth   = 2
)

// Tag names a palette entry.
type Tag string

// Palette tags in cycle order.
const (
	TagBlue   Tag = "blue"
	TagGreen  Tag = "green"
	TagOrange Tag = "orange"
	TagPink   Tag = "pink"
	TagPurple Tag = "purple"
)

// Palette is the tag cycle applied by prediction index.
var Palette = []Tag{TagBlue, TagGreen, TagOrange, TagPink, TagPurple}

var tagColors = map[Tag]color.NRGBA{
	TagBlue:   {R: 0x00, G: 0x00, B: 0xff, A: 0xff},
	TagGreen:  {R: 0x00, G: 0x80, B: 0x00, A: 0xff},
	TagOrange: {R: 0xff, G: 0xa5, B: 0x00, A: 0xff},
	TagPink:   {R: 0xff, G: 0xc0, B: 0xcb, A: 0xff},
	TagPurple: {R: 0x80, G: 0x00, B: 0x80, A: 0xff},
}

// Color returns the RGB value for the tag. Unknown tags render black.
func (t Tag) Color() color.NRGBA {
	if c, ok := tagColors[t]; ok {
		return c
	}
	return color.NRGBA{A: 0xff}
}

// TagFor returns the palette tag for the i-th prediction.
func TagFor(index int) Tag {
	n := len(Palette)
	return Palette[((index%n)+n)%n]
}

// DisplayBox is a prediction box in display coordinates.
type DisplayBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Tag    Tag     `json:"tag"`
}

// ScalingFactor returns displayWidth/preparedWidth. It returns 0 when the
// prepared width is not positive.
func ScalingFactor(displayWidth, preparedWidth int) float64 {
	if preparedWidth <= 0 {
		return 0
	}
	return float64(displayWidth) / float64(preparedWidth)
}

// ToDisplay scales every bbox component by s and assigns the palette tag for index.
func ToDisplay(p detector.Prediction, index int, s float64) DisplayBox {
	return DisplayBox{
		X:      p.BBox[0] * s,
		Y:      p.BBox[1] * s,
		Width:  p.BBox[2] * s,
		Height: p.BBox[3] * s,
		Tag:    TagFor(index),
	}
}

// MapAll maps predictions in order. A nil input yields nil.
func MapAll(preds []detector.Prediction, s float64) []DisplayBox {
	if preds == nil {
		return nil
	}
	out := make([]DisplayBox, len(preds))
	for i, p := range preds {
		out[i] = ToDisplay(p, i, s)
	}
	return out
}

// FormatPrediction renders the caption line, e.g. "person: 0.87".
func FormatPrediction(p detector.Prediction) string {
	return fmt.Sprintf("%s: %s", p.Label, strconv.FormatFloat(p.Score, 'f', 2, 64))
}
