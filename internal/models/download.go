package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// ErrModelMissing is returned when a model is absent and no download URL is set.
var ErrModelMissing = errors.New("model file missing")

// DefaultDownloadTimeout bounds a single model download.
const DefaultDownloadTimeout = 10 * time.Minute

// EnsureModel makes sure path exists on fsys, downloading it from url on first
// use. The file is written to a sibling ".part" file and renamed into place so
// an interrupted download never leaves a truncated model behind.
func EnsureModel(ctx context.Context, fsys afero.Fs, path, url string, client *http.Client) error {
	if exists, err := afero.Exists(fsys, path); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	} else if exists {
		return nil
	}
	if url == "" {
		return fmt.Errorf("%w: %s", ErrModelMissing, path)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultDownloadTimeout}
	}

	slog.Info("downloading model", "url", url, "path", path)
	start := time.Now()

	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	part := path + ".part"
	f, err := fsys.Create(part)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = fsys.Remove(part)
		return fmt.Errorf("write %s: %w", part, errors.Join(copyErr, closeErr))
	}
	if n == 0 {
		_ = fsys.Remove(part)
		return fmt.Errorf("download %s: empty body", url)
	}
	if err := fsys.Rename(part, path); err != nil {
		_ = fsys.Remove(part)
		return fmt.Errorf("rename %s: %w", part, err)
	}

	slog.Info("model downloaded", "path", path, "bytes", n, "duration", time.Since(start))
	return nil
}
