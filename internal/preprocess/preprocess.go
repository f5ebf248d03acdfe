// Package preprocess resizes a picked image to the detector's working width
// and re-encodes it into a single canonical format.
package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/storage"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultTargetWidth is the fixed working width of prepared images.
	DefaultTargetWidth = 900
	// DefaultQuality is the JPEG quality used for re-encoding (maximum).
	DefaultQuality = 100

	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// ErrUnsupportedFormat is returned when the canonical target format has no codec.
var ErrUnsupportedFormat = errors.New("unsupported target format")

// PreprocessError reports a failure at one preprocessing step.
type PreprocessError struct {
	Step string // read, decode, crop, resize, encode, store
	URI  string
	Err  error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("preprocess %s failed for %s: %v", e.Step, e.URI, e.Err)
}

func (e *PreprocessError) Unwrap() error { return e.Err }

// Config controls preprocessing.
type Config struct {
	TargetWidth int    // output width; height keeps the aspect ratio
	Format      string // canonical output format: jpeg (default) or png
	Quality     int    // JPEG quality 1..100
	Persist     bool   // write prepared images through the storage boundary
}

// DefaultConfig returns width 900, JPEG at maximum quality.
func DefaultConfig() Config {
	return Config{
		TargetWidth: DefaultTargetWidth,
		Format:      FormatJPEG,
		Quality:     DefaultQuality,
		Persist:     true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TargetWidth <= 0 {
		return fmt.Errorf("target width must be > 0, got %d", c.TargetWidth)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("quality must be within 1..100, got %d", c.Quality)
	}
	if _, err := imagingFormat(c.Format); err != nil {
		return err
	}
	return nil
}

// PreparedImage is the resized, re-encoded image handed to the decoder.
type PreparedImage struct {
	URI    string `json:"uri,omitempty"`
	Data   []byte `json:"-"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Source string `json:"source"`
}

// Preparer implements the prepare step.
type Preparer struct {
	cfg   Config
	store storage.ReadWriter
	seq   atomic.Uint64
}

// New returns a Preparer reading and writing through store.
func New(cfg Config, store storage.ReadWriter) (*Preparer, error) {
	if cfg.Format == "" {
		cfg.Format = FormatJPEG
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &Preparer{cfg: cfg, store: store}, nil
}

// Config returns the preparer's configuration.
func (p *Preparer) Config() Config { return p.cfg }

// Prepare reads the handle, applies the crop hint, resizes to the target
// width and re-encodes.
func (p *Preparer) Prepare(ctx context.Context, h acquire.ImageHandle) (*PreparedImage, error) {
	start := time.Now()
	fail := func(step string, err error) error {
		return &PreprocessError{Step: step, URI: h.URI, Err: err}
	}

	encoded, err := p.store.ReadBase64(ctx, h.URI)
	if err != nil {
		return nil, fail("read", err)
	}
	raw, err := storage.DecodeBase64(encoded)
	if err != nil {
		return nil, fail("read", err)
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fail("decode", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fail("decode", err)
	}

	if !h.Aspect.IsZero() {
		img = CropToAspect(img, h.Aspect)
	}

	resized, err := ResizeToWidth(img, p.cfg.TargetWidth)
	if err != nil {
		return nil, fail("resize", err)
	}

	data, err := Encode(resized, p.cfg.Format, p.cfg.Quality)
	if err != nil {
		return nil, fail("encode", err)
	}

	b := resized.Bounds()
	out := &PreparedImage{
		Data:   data,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: p.cfg.Format,
		Source: h.URI,
	}

	if p.cfg.Persist {
		name := "prepared-" + strconv.FormatUint(p.seq.Add(1), 10) + extensionFor(p.cfg.Format)
		uri, err := p.store.Write(ctx, name, data)
		if err != nil {
			return nil, fail("store", err)
		}
		out.URI = uri
	}

	slog.Debug("Image prepared",
		"source", h.URI,
		"aspect", h.Aspect.String(),
		"width", out.Width,
		"height", out.Height,
		"bytes", len(data),
		"duration", time.Since(start))
	return out, nil
}

// CropToAspect returns the largest centered crop with the given aspect ratio.
func CropToAspect(img image.Image, aspect acquire.Aspect) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if aspect.IsZero() || w == 0 || h == 0 {
		return img
	}
	cw, ch := w, w*aspect.H/aspect.W
	if ch > h {
		cw, ch = h*aspect.W/aspect.H, h
	}
	if cw == w && ch == h {
		return img
	}
	if cw < 1 {
		cw = 1
	}
	if ch < 1 {
		ch = 1
	}
	return imaging.CropCenter(img, cw, ch)
}

// ResizeToWidth scales img to width pixels, preserving the aspect ratio.
// Both downscaling and upscaling are allowed.
func ResizeToWidth(img image.Image, width int) (image.Image, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	if width <= 0 {
		return nil, fmt.Errorf("invalid target width %d", width)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())
	}
	if b.Dx() == width {
		return imaging.Clone(img), nil
	}
	return imaging.Resize(img, width, 0, imaging.Lanczos), nil
}

// Encode writes img in the canonical format.
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	f, err := imagingFormat(format)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, f, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func imagingFormat(format string) (imaging.Format, error) {
	switch strings.ToLower(format) {
	case "", FormatJPEG, "jpg":
		return imaging.JPEG, nil
	case FormatPNG:
		return imaging.PNG, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func extensionFor(format string) string {
	if strings.EqualFold(format, FormatPNG) {
		return ".png"
	}
	return ".jpg"
}
