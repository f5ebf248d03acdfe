package acquire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// FilePicker "picks" a path chosen up front, e.g. a CLI argument.
type FilePicker struct {
	fs    afero.Fs
	perms *Permissions
	path  string
}

// NewFilePicker returns a picker for path. An empty path behaves like a
// dismissed picker.
func NewFilePicker(fsys afero.Fs, perms *Permissions, path string) *FilePicker {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if perms == nil {
		perms = NewPermissions(nil)
	}
	return &FilePicker{fs: fsys, perms: perms, path: path}
}

// Pick implements Picker.
func (p *FilePicker) Pick(ctx context.Context, opts PickOptions) (ImageHandle, error) {
	if err := opts.Validate(); err != nil {
		return ImageHandle{}, err
	}
	if err := p.perms.Ensure(ctx); err != nil {
		return ImageHandle{}, err
	}
	if err := ctx.Err(); err != nil {
		return ImageHandle{}, ErrCancelled
	}
	if p.path == "" {
		return ImageHandle{}, ErrCancelled
	}
	if !IsSupportedImage(p.path) {
		return ImageHandle{}, fmt.Errorf("%w: %s", ErrNotImage, filepath.Ext(p.path))
	}
	fi, err := p.fs.Stat(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ImageHandle{}, fmt.Errorf("image %s does not exist: %w", p.path, err)
		}
		return ImageHandle{}, fmt.Errorf("stat %s: %w", p.path, err)
	}
	if fi.IsDir() {
		return ImageHandle{}, fmt.Errorf("%w: %s is a directory", ErrNotImage, p.path)
	}

	path := p.path
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return handleFor("file://"+filepath.ToSlash(path), OriginFile, opts), nil
}

// DirPermission grants media access when dir can be listed.
func DirPermission(fsys afero.Fs, dir string) PermissionRequester {
	return PermissionFunc(func(ctx context.Context) (bool, error) {
		if fsys == nil {
			fsys = afero.NewOsFs()
		}
		if _, err := afero.ReadDir(fsys, dir); err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
}
