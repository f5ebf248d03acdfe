package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a dropped file must stay quiet before it is picked.
const DefaultSettle = 250 * time.Millisecond

// WatchPicker picks images as they are dropped into a directory.
type WatchPicker struct {
	dir     string
	perms   *Permissions
	settle  time.Duration
	watcher *fsnotify.Watcher
}

// NewWatchPicker starts watching dir. Call Close when done.
func NewWatchPicker(dir string, perms *Permissions, settle time.Duration) (*WatchPicker, error) {
	if dir == "" {
		return nil, errors.New("watch directory is required")
	}
	if perms == nil {
		perms = NewPermissions(nil)
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &WatchPicker{dir: dir, perms: perms, settle: settle, watcher: w}, nil
}

// Pick blocks until an image lands in the directory and has stopped
// changing. Context cancellation is reported as ErrCancelled.
func (p *WatchPicker) Pick(ctx context.Context, opts PickOptions) (ImageHandle, error) {
	if err := opts.Validate(); err != nil {
		return ImageHandle{}, err
	}
	if err := p.perms.Ensure(ctx); err != nil {
		return ImageHandle{}, err
	}

	var (
		candidate string
		timer     *time.Timer
		fire      <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ImageHandle{}, ErrCancelled
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return ImageHandle{}, ErrCancelled
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !IsSupportedImage(ev.Name) {
				slog.Debug("Ignoring non-image file", "path", ev.Name)
				continue
			}
			candidate = ev.Name
			if timer == nil {
				timer = time.NewTimer(p.settle)
			} else {
				timer.Reset(p.settle)
			}
			fire = timer.C
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return ImageHandle{}, ErrCancelled
			}
			slog.Warn("Watcher error", "dir", p.dir, "error", err)
		case <-fire:
			path := candidate
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			return handleFor("file://"+filepath.ToSlash(path), OriginWatch, opts), nil
		}
	}
}

// Close stops the watcher.
func (p *WatchPicker) Close() error {
	return p.watcher.Close()
}
