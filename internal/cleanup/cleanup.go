// Package cleanup removes partial download files abandoned by crashed or
// interrupted runs.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rip-stream/ripstream/internal/config"
	"github.com/rip-stream/ripstream/internal/content"
	"github.com/rip-stream/ripstream/internal/logctx"
)

// Sweeper deletes stale staging files. A file is stale when its name carries
// the staging suffix and it has not been written to for longer than the
// retention window; transfers in flight keep their staging file's mtime
// fresh, so they are never swept.
type Sweeper struct {
	dirs     []string
	keepFor  time.Duration
	interval time.Duration
}

func NewSweeper(cfg *config.Config) *Sweeper {
	dirs := []string{cfg.DownloadDir}
	if cfg.TempDir != "" && cfg.TempDir != cfg.DownloadDir {
		dirs = append(dirs, cfg.TempDir)
	}

	return &Sweeper{
		dirs:     dirs,
		keepFor:  cfg.KeepPartialFor,
		interval: cfg.CleanupInterval,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup shutting down")

			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				logger.Error("partial file sweep failed", "err", err)
			}

			if removed > 0 {
				logger.Info("removed stale partial files", "count", removed)
			}
		}
	}
}

// Sweep walks the configured directories once and removes every stale
// staging file it finds. Individual failures do not stop the walk; they are
// joined into the returned error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-s.keepFor)

	var (
		removed int
		errs    []error
	)

	for _, dir := range s.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if d.IsDir() || !strings.HasSuffix(d.Name(), content.PartialSuffix) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				// Raced with a rename or remove; nothing to sweep.
				if os.IsNotExist(err) {
					return nil
				}

				return err
			}

			if info.ModTime().After(cutoff) {
				return nil
			}

			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)

				return nil
			}

			logger.Debug("removed stale partial file", "file_path", path)
			removed++

			return nil
		})
		if err != nil {
			// The download directory is created lazily on first download.
			if os.IsNotExist(err) {
				continue
			}

			errs = append(errs, err)
		}
	}

	return removed, errors.Join(errs...)
}
