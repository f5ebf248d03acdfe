// Package storage is the file-read boundary of the pipeline: it turns image
// URIs into bytes and persists intermediate images.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotFound is returned when a URI does not resolve to a readable file.
var ErrNotFound = errors.New("file not found")

// Reader reads image bytes for a URI.
type Reader interface {
	ReadFile(ctx context.Context, uri string) ([]byte, error)
	ReadBase64(ctx context.Context, uri string) (string, error)
}

// Writer persists bytes and returns the URI they can be read back from.
type Writer interface {
	Write(ctx context.Context, name string, data []byte) (string, error)
}

// ReadWriter combines Reader and Writer.
type ReadWriter interface {
	Reader
	Writer
}

// Local is a Reader/Writer over an afero filesystem.
type Local struct {
	fs       afero.Fs
	cacheDir string
}

// NewLocal returns storage backed by fs. Written files land in cacheDir.
func NewLocal(fsys afero.Fs, cacheDir string) *Local {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Local{fs: fsys, cacheDir: cacheDir}
}

// NewOS returns storage on the real filesystem with a cache under os.TempDir.
func NewOS(cacheDir string) *Local {
	if cacheDir == "" {
		cacheDir = filepath.Join(afero.GetTempDir(afero.NewOsFs(), "snapdetect"), "cache")
	}
	return NewLocal(afero.NewOsFs(), cacheDir)
}

// Fs exposes the underlying filesystem.
func (l *Local) Fs() afero.Fs { return l.fs }

// PathFromURI accepts plain paths and file:// URIs.
func PathFromURI(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("empty uri")
	}
	if !strings.Contains(uri, "://") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("remote file uri %q not supported", uri)
	}
	return u.Path, nil
}

// ReadFile returns the raw bytes behind uri.
func (l *Local) ReadFile(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := PathFromURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// ReadBase64 returns the file content encoded as standard base64.
func (l *Local) ReadBase64(ctx context.Context, uri string) (string, error) {
	data, err := l.ReadFile(ctx, uri)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Write stores data under the cache directory and returns a file:// URI.
func (l *Local) Write(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if err := l.fs.MkdirAll(l.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	path := filepath.Join(l.cacheDir, name)
	if err := afero.WriteFile(l.fs, path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

// Remove deletes a previously written file. Missing files are ignored.
func (l *Local) Remove(uri string) error {
	path, err := PathFromURI(uri)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DecodeBase64 is the inverse of ReadBase64.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return data, nil
}
