package testutil

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// CorruptJPEG starts like a JPEG and is otherwise garbage.
var CorruptJPEG = []byte("\xff\xd8\xff\xe0not really a jpeg")

// PlaceholderModel is written where a model file is expected in tests that
// replace the runtime loader.
var PlaceholderModel = []byte("onnx")

// WriteFile writes data to path on fsys, creating parent directories.
func WriteFile(tb testing.TB, fsys afero.Fs, path string, data []byte) string {
	tb.Helper()
	require.NoError(tb, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(tb, afero.WriteFile(fsys, path, data, 0o600))
	return path
}

// WriteJPEG writes a w x h gradient JPEG to path on the OS filesystem.
func WriteJPEG(tb testing.TB, path string, w, h int) string {
	tb.Helper()
	return WriteFile(tb, afero.NewOsFs(), path, JPEG(tb, w, h))
}

// WriteModel writes a placeholder model file to path and returns it.
func WriteModel(tb testing.TB, fsys afero.Fs, path string) string {
	tb.Helper()
	return WriteFile(tb, fsys, path, PlaceholderModel)
}

// TempImageDir creates a directory holding the named JPEGs, all of the
// given size.
func TempImageDir(tb testing.TB, size ImageSize, names ...string) string {
	tb.Helper()
	dir := tb.TempDir()
	for _, name := range names {
		WriteJPEG(tb, filepath.Join(dir, name), size.Width, size.Height)
	}
	return dir
}
