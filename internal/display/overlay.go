package display

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/MeKo-Tech/snapdetect/internal/detector"
)

const (
	captionSize    = 13.0
	captionPadding = 4.0
)

var captionFont *truetype.Font

func init() {
	var err error
	captionFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// OverlayOptions controls RenderOverlay output.
type OverlayOptions struct {
	Width       int
	Height      int
	BorderWidth float64
	// Captions appends a "label: score" line per prediction below the square.
	Captions bool
}

// DefaultOverlayOptions returns the 280x280 square with captions.
func DefaultOverlayOptions() OverlayOptions {
	return OverlayOptions{
		Width:       DefaultDisplayWidth,
		Height:      DefaultDisplayHeight,
		BorderWidth: DefaultBorderWidth,
		Captions:    true,
	}
}

// RenderOverlay stretches the prepared image into the display square and
// strokes each box in its tag color. boxes and preds are matched by index.
func RenderOverlay(prepared []byte, boxes []DisplayBox, preds []detector.Prediction, opts OverlayOptions) (image.Image, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid overlay size %dx%d", opts.Width, opts.Height)
	}
	if len(prepared) == 0 {
		return nil, errors.New("no prepared image")
	}
	src, err := imaging.Decode(bytes.NewReader(prepared))
	if err != nil {
		return nil, fmt.Errorf("decode prepared image: %w", err)
	}

	face := truetype.NewFace(captionFont, &truetype.Options{Size: captionSize})
	lineHeight := captionSize + captionPadding
	total := opts.Height
	if opts.Captions && len(preds) > 0 {
		total += int(float64(len(preds))*lineHeight + captionPadding)
	}

	dc := gg.NewContext(opts.Width, total)
	dc.SetColor(color.White)
	dc.Clear()
	dc.DrawImage(imaging.Resize(src, opts.Width, opts.Height, imaging.Lanczos), 0, 0)

	lw := opts.BorderWidth
	if lw <= 0 {
		lw = DefaultBorderWidth
	}
	dc.SetLineWidth(lw)
	for _, b := range boxes {
		dc.SetColor(b.Tag.Color())
		dc.DrawRectangle(b.X, b.Y, b.Width, b.Height)
		dc.Stroke()
	}

	if opts.Captions {
		dc.SetFontFace(face)
		y := float64(opts.Height) + captionPadding
		for i, p := range preds {
			tag := TagFor(i)
			if i < len(boxes) {
				tag = boxes[i].Tag
			}
			dc.SetColor(tag.Color())
			dc.DrawStringAnchored(FormatPrediction(p), captionPadding, y, 0, 1)
			y += lineHeight
		}
	}
	return dc.Image(), nil
}

// WriteOverlayPNG renders the overlay and writes it as PNG.
func WriteOverlayPNG(w io.Writer, prepared []byte, boxes []DisplayBox, preds []detector.Prediction, opts OverlayOptions) error {
	img, err := RenderOverlay(prepared, boxes, preds, opts)
	if err != nil {
		return err
	}
	return imaging.Encode(w, img, imaging.PNG)
}
