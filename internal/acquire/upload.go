package acquire

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/storage"
)

var uploadSeq atomic.Uint64

// UploadPicker turns bytes received over the network into a handle by
// writing them through the storage boundary.
type UploadPicker struct {
	store storage.Writer
	data  []byte
}

// NewUploadPicker returns a picker for one uploaded payload. An empty
// payload behaves like a dismissed picker.
func NewUploadPicker(store storage.Writer, data []byte) *UploadPicker {
	return &UploadPicker{store: store, data: data}
}

// Pick implements Picker.
func (p *UploadPicker) Pick(ctx context.Context, opts PickOptions) (ImageHandle, error) {
	if err := opts.Validate(); err != nil {
		return ImageHandle{}, err
	}
	if len(p.data) == 0 {
		return ImageHandle{}, ErrCancelled
	}
	ext, ok := sniffImageExt(p.data)
	if !ok {
		return ImageHandle{}, ErrNotImage
	}
	name := "upload-" + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" +
		strconv.FormatUint(uploadSeq.Add(1), 10) + ext
	uri, err := p.store.Write(ctx, name, p.data)
	if err != nil {
		return ImageHandle{}, fmt.Errorf("store upload: %w", err)
	}
	return handleFor(uri, OriginUpload, opts), nil
}

// sniffImageExt maps the sniffed content type to a file extension.
func sniffImageExt(data []byte) (string, bool) {
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return "", false
	}
	switch ct {
	case "image/jpeg":
		return ".jpg", true
	case "image/png":
		return ".png", true
	case "image/gif":
		return ".gif", true
	case "image/bmp":
		return ".bmp", true
	case "image/webp":
		return ".webp", true
	default:
		return ".img", true
	}
}
