// Package onnx holds the pixel tensor handed to the detection model and the
// ONNX Runtime environment plumbing shared by every session.
package onnx

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync/atomic"

	"github.com/MeKo-Tech/snapdetect/internal/mempool"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Channels is the number of color channels the detector accepts (RGB).
const Channels = 3

// ErrTensorConsumed is returned when a tensor is handed to the model twice.
var ErrTensorConsumed = errors.New("pixel tensor already consumed")

// DecodeError reports a malformed or unsupported image container.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PixelTensor is a dense uint8 array of shape [height, width, 3], row-major.
// A tensor belongs to exactly one detection request: Take hands its buffer
// out once and Release returns the buffer to the pool.
type PixelTensor struct {
	Data  []uint8
	Shape [3]int // [height, width, channels]

	consumed atomic.Bool
	released atomic.Bool
}

// NewPixelTensor wraps an existing RGB buffer after checking its length.
func NewPixelTensor(data []uint8, height, width int) (*PixelTensor, error) {
	if data == nil {
		return nil, errors.New("nil data")
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if want := height * width * Channels; len(data) != want {
		return nil, fmt.Errorf("unexpected data length: got %d, want %d", len(data), want)
	}
	return &PixelTensor{Data: data, Shape: [3]int{height, width, Channels}}, nil
}

// Height returns the first dimension.
func (t *PixelTensor) Height() int { return t.Shape[0] }

// Width returns the second dimension.
func (t *PixelTensor) Width() int { return t.Shape[1] }

// Validate checks that the buffer length matches the declared shape.
func (t *PixelTensor) Validate() error {
	if t == nil {
		return errors.New("nil tensor")
	}
	h, w, c := t.Shape[0], t.Shape[1], t.Shape[2]
	if h <= 0 || w <= 0 {
		return fmt.Errorf("dimensions must be > 0, got %v", t.Shape)
	}
	if c != Channels {
		return fmt.Errorf("expected %d channels, got %d", Channels, c)
	}
	if len(t.Data) != h*w*c {
		return fmt.Errorf("tensor data length %d != expected %d for shape %v", len(t.Data), h*w*c, t.Shape)
	}
	return nil
}

// Take marks the tensor consumed and returns its buffer. A second call fails
// with ErrTensorConsumed so a stale tensor can never reach the model again.
func (t *PixelTensor) Take() ([]uint8, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	if t.released.Load() || !t.consumed.CompareAndSwap(false, true) {
		return nil, ErrTensorConsumed
	}
	return t.Data, nil
}

// Consumed reports whether Take has been called.
func (t *PixelTensor) Consumed() bool { return t.consumed.Load() }

// Release returns the buffer to the pool. Safe to call more than once.
func (t *PixelTensor) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	mempool.PutBytes(t.Data)
	t.Data = nil
}

// StripAlpha copies the R, G and B bytes of every 4-byte pixel of a packed
// RGBA buffer into dst, dropping the alpha byte. dst must hold exactly
// width*height*3 bytes.
func StripAlpha(dst, rgba []byte, width, height, stride int) error {
	if len(dst) != width*height*Channels {
		return fmt.Errorf("destination length %d != %d", len(dst), width*height*Channels)
	}
	if stride < width*4 || len(rgba) < (height-1)*stride+width*4 {
		return fmt.Errorf("source buffer too small for %dx%d (stride %d)", width, height, stride)
	}
	offset := 0
	for y := range height {
		row := rgba[y*stride : y*stride+width*4]
		for x := 0; x < len(row); x += 4 {
			dst[offset] = row[x]
			dst[offset+1] = row[x+1]
			dst[offset+2] = row[x+2]
			offset += 3
		}
	}
	return nil
}

// Decode parses a compressed image container and produces an RGB tensor of
// shape [height, width, 3]. The alpha channel is dropped.
func Decode(data []byte) (*PixelTensor, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty input")}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return FromImage(img)
}

// FromImage converts an already decoded image into a pixel tensor.
func FromImage(img image.Image) (*PixelTensor, error) {
	if img == nil {
		return nil, &DecodeError{Err: errors.New("nil image")}
	}
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return nil, &DecodeError{Err: fmt.Errorf("empty image %dx%d", width, height)}
	}

	// imaging.Clone yields non-premultiplied RGBA with the origin at (0,0).
	nrgba := imaging.Clone(img)

	buf := mempool.GetBytes(width * height * Channels)
	if err := StripAlpha(buf, nrgba.Pix, width, height, nrgba.Stride); err != nil {
		mempool.PutBytes(buf)
		return nil, &DecodeError{Err: err}
	}
	t, err := NewPixelTensor(buf, height, width)
	if err != nil {
		mempool.PutBytes(buf)
		return nil, &DecodeError{Err: err}
	}
	return t, nil
}
