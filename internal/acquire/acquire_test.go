package acquire

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 3))))
	return buf.Bytes()
}

func TestDefaultPickOptions(t *testing.T) {
	opts := DefaultPickOptions()
	assert.Equal(t, MediaTypeImages, opts.MediaType)
	assert.True(t, opts.AllowsEditing)
	assert.Equal(t, Aspect{W: 4, H: 3}, opts.Aspect)
	assert.InDelta(t, 1.0, opts.Quality, 1e-9)
	assert.NoError(t, opts.Validate())
	assert.Equal(t, "4:3", opts.Aspect.String())
	assert.Equal(t, "free", Aspect{}.String())
}

func TestPickOptions_Validate(t *testing.T) {
	assert.Error(t, PickOptions{MediaType: "videos"}.Validate())
	assert.Error(t, PickOptions{Quality: 1.5}.Validate())
	assert.Error(t, PickOptions{Aspect: Aspect{W: -1, H: 3}}.Validate())
	assert.NoError(t, PickOptions{}.Validate())
}

func TestIsSupportedImage(t *testing.T) {
	assert.True(t, IsSupportedImage("a.JPG"))
	assert.True(t, IsSupportedImage("dir/b.webp"))
	assert.False(t, IsSupportedImage("movie.mp4"))
	assert.False(t, IsSupportedImage("noext"))
}

func TestPermissions_RequestedOnce(t *testing.T) {
	var calls atomic.Int32
	perms := NewPermissions(PermissionFunc(func(context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	}))

	for range 3 {
		assert.ErrorIs(t, perms.Ensure(context.Background()), ErrPermissionDenied)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestPermissions_RequesterError(t *testing.T) {
	perms := NewPermissions(PermissionFunc(func(context.Context) (bool, error) {
		return false, errors.New("platform unavailable")
	}))
	err := perms.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, err.Error(), "platform unavailable")
}

func TestFilePicker(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/photos/cat.jpg", []byte("x"), 0o600))
	require.NoError(t, afero.WriteFile(fsys, "/photos/notes.txt", []byte("x"), 0o600))
	require.NoError(t, fsys.MkdirAll("/photos/album.png", 0o755))
	ctx := context.Background()

	tests := []struct {
		name    string
		path    string
		wantErr error
		anyErr  bool
	}{
		{name: "empty path is cancel", path: "", wantErr: ErrCancelled},
		{name: "non image", path: "/photos/notes.txt", wantErr: ErrNotImage},
		{name: "missing", path: "/photos/dog.jpg", anyErr: true},
		{name: "directory", path: "/photos/album.png", wantErr: ErrNotImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFilePicker(fsys, nil, tt.path).Pick(ctx, DefaultPickOptions())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	h, err := NewFilePicker(fsys, nil, "/photos/cat.jpg").Pick(ctx, DefaultPickOptions())
	require.NoError(t, err)
	assert.Equal(t, "file:///photos/cat.jpg", h.URI)
	assert.Equal(t, Aspect{W: 4, H: 3}, h.Aspect)
	assert.Equal(t, OriginFile, h.Origin)

	opts := DefaultPickOptions()
	opts.AllowsEditing = false
	h, err = NewFilePicker(fsys, nil, "/photos/cat.jpg").Pick(ctx, opts)
	require.NoError(t, err)
	assert.True(t, h.Aspect.IsZero())
}

func TestFilePicker_PermissionDenied(t *testing.T) {
	perms := NewPermissions(PermissionFunc(func(context.Context) (bool, error) { return false, nil }))
	_, err := NewFilePicker(afero.NewMemMapFs(), perms, "/a.jpg").Pick(context.Background(), DefaultPickOptions())
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestDirPermission(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/photos", 0o755))

	granted, err := DirPermission(fsys, "/photos").RequestMediaLibrary(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)

	_, err = DirPermission(fsys, "/missing").RequestMediaLibrary(context.Background())
	assert.Error(t, err)
}

func TestUploadPicker(t *testing.T) {
	store := storage.NewLocal(afero.NewMemMapFs(), "/cache")
	ctx := context.Background()

	_, err := NewUploadPicker(store, nil).Pick(ctx, DefaultPickOptions())
	assert.ErrorIs(t, err, ErrCancelled)

	_, err = NewUploadPicker(store, []byte("plain text, not an image")).Pick(ctx, DefaultPickOptions())
	assert.ErrorIs(t, err, ErrNotImage)

	payload := pngBytes(t)
	h, err := NewUploadPicker(store, payload).Pick(ctx, DefaultPickOptions())
	require.NoError(t, err)
	assert.Equal(t, OriginUpload, h.Origin)
	assert.Equal(t, ".png", filepath.Ext(h.URI))

	data, err := store.ReadFile(ctx, h.URI)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestWatchPicker_PicksDroppedImage(t *testing.T) {
	dir := t.TempDir()
	picker, err := NewWatchPicker(dir, nil, 20*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = picker.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := pngBytes(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600)
		_ = os.WriteFile(filepath.Join(dir, "drop.png"), payload, 0o600)
	}()

	h, err := picker.Pick(ctx, DefaultPickOptions())
	require.NoError(t, err)
	assert.Equal(t, "drop.png", filepath.Base(h.URI))
	assert.Equal(t, OriginWatch, h.Origin)
}

func TestWatchPicker_CancelIsNotAnError(t *testing.T) {
	picker, err := NewWatchPicker(t.TempDir(), nil, 0)
	require.NoError(t, err)
	defer func() { _ = picker.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = picker.Pick(ctx, DefaultPickOptions())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestNewWatchPicker_Errors(t *testing.T) {
	_, err := NewWatchPicker("", nil, 0)
	assert.Error(t, err)
	_, err = NewWatchPicker(filepath.Join(t.TempDir(), "missing"), nil, 0)
	assert.Error(t, err)
}
