// Package acquire obtains a source image reference from a picker.
//
// Pickers never decode pixels. They hand back an ImageHandle that the
// preprocessor reads through the storage boundary.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrCancelled means the user dismissed the picker. It is not a failure.
	ErrCancelled = errors.New("image selection cancelled")
	// ErrPermissionDenied means media-library access was refused.
	ErrPermissionDenied = errors.New("media library permission denied")
	// ErrNotImage means the picked item is outside the image media type.
	ErrNotImage = errors.New("selected file is not a supported image")
)

// MediaType filters what a picker may return.
type MediaType string

// MediaTypeImages restricts selection to still images.
const MediaTypeImages MediaType = "images"

// Aspect is a crop aspect hint (width:height). The zero value means none.
type Aspect struct {
	W int `json:"w"`
	H int `json:"h"`
}

// IsZero reports whether no aspect hint is set.
func (a Aspect) IsZero() bool { return a.W <= 0 || a.H <= 0 }

func (a Aspect) String() string {
	if a.IsZero() {
		return "free"
	}
	return fmt.Sprintf("%d:%d", a.W, a.H)
}

// PickOptions configures a picker invocation.
type PickOptions struct {
	MediaType     MediaType
	AllowsEditing bool
	Aspect        Aspect
	Quality       float64 // 0..1; 1 means no compression at acquisition time
}

// DefaultPickOptions mirrors the detection screen: images only, editable
// crop with a 4:3 hint, maximum quality.
func DefaultPickOptions() PickOptions {
	return PickOptions{
		MediaType:     MediaTypeImages,
		AllowsEditing: true,
		Aspect:        Aspect{W: 4, H: 3},
		Quality:       1,
	}
}

// Validate checks option ranges.
func (o PickOptions) Validate() error {
	if o.MediaType != "" && o.MediaType != MediaTypeImages {
		return fmt.Errorf("unsupported media type %q", o.MediaType)
	}
	if o.Quality < 0 || o.Quality > 1 {
		return fmt.Errorf("quality must be within [0,1], got %v", o.Quality)
	}
	if o.Aspect.W < 0 || o.Aspect.H < 0 {
		return fmt.Errorf("invalid aspect %v", o.Aspect)
	}
	return nil
}

// ImageHandle is an opaque, immutable reference to a picked image.
type ImageHandle struct {
	URI    string `json:"uri"`
	Aspect Aspect `json:"aspect"` // crop hint applied by the preprocessor
	Origin string `json:"origin"` // picker that produced the handle
}

// Handle origins. Only upload handles point at files the pipeline owns.
const (
	OriginFile   = "file"
	OriginUpload = "upload"
	OriginWatch  = "watch"
)

// Picker returns the next user-selected image.
type Picker interface {
	Pick(ctx context.Context, opts PickOptions) (ImageHandle, error)
}

// PickerFunc adapts a function to the Picker interface.
type PickerFunc func(ctx context.Context, opts PickOptions) (ImageHandle, error)

// Pick calls f.
func (f PickerFunc) Pick(ctx context.Context, opts PickOptions) (ImageHandle, error) {
	return f(ctx, opts)
}

// handleFor builds the handle a picker returns for a path.
func handleFor(uri, origin string, opts PickOptions) ImageHandle {
	h := ImageHandle{URI: uri, Origin: origin}
	if opts.AllowsEditing {
		h.Aspect = opts.Aspect
	}
	return h
}

// SupportedImageExtensions lists file extensions accepted as images.
var SupportedImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".webp", ".tif", ".tiff"}

// IsSupportedImage reports whether the path has a supported image extension.
func IsSupportedImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range SupportedImageExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// PermissionRequester asks the platform for media-library access.
type PermissionRequester interface {
	RequestMediaLibrary(ctx context.Context) (granted bool, err error)
}

// PermissionFunc adapts a function to PermissionRequester.
type PermissionFunc func(ctx context.Context) (bool, error)

// RequestMediaLibrary calls f.
func (f PermissionFunc) RequestMediaLibrary(ctx context.Context) (bool, error) { return f(ctx) }

// AlwaysGranted is a requester for environments without a permission model.
var AlwaysGranted PermissionRequester = PermissionFunc(func(context.Context) (bool, error) { return true, nil })

// PermissionWarning is the user-facing notice shown on denial.
const PermissionWarning = "Sorry, we need media library permissions to make this work!"

// Permissions asks once per process and remembers the answer.
type Permissions struct {
	requester PermissionRequester
	once      sync.Once
	granted   bool
	err       error
}

// NewPermissions wraps a requester. A nil requester always grants.
func NewPermissions(r PermissionRequester) *Permissions {
	if r == nil {
		r = AlwaysGranted
	}
	return &Permissions{requester: r}
}

// Ensure requests permission on first use and returns ErrPermissionDenied
// on this and every later call if access was refused.
func (p *Permissions) Ensure(ctx context.Context) error {
	p.once.Do(func() {
		p.granted, p.err = p.requester.RequestMediaLibrary(ctx)
		if p.err == nil && !p.granted {
			slog.Warn(PermissionWarning)
		}
	})
	if p.err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, p.err)
	}
	if !p.granted {
		return ErrPermissionDenied
	}
	return nil
}
