package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/storage"
)

// Source lists completed downloads whose files may be expired.
type Source interface {
	CompletedBefore(ctx context.Context, cutoff time.Time) ([]storage.Download, error)
}

// DeleteExpiredFiles deletes fetched files of downloads completed more than
// keepDuration ago. It returns how many files were removed.
func DeleteExpiredFiles(ctx context.Context, src Source, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	downloads, err := src.CompletedBefore(ctx, time.Now().Add(-keepDuration))
	if err != nil {
		return 0, fmt.Errorf("failed to list completed downloads: %w", err)
	}

	var (
		removed int
		errs    []error
	)

	for _, d := range downloads {
		filePath := d.LocalPath(dir)

		if err := os.Remove(filePath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already deleted
			}

			logger.Error("failed to delete expired file", "file", filePath, "err", err)
			errs = append(errs, err)

			continue
		}

		removed++

		logger.Info("deleted expired file", "file", filePath, "download_id", d.ID)
	}

	return removed, errors.Join(errs...)
}

// Run deletes expired files every interval until ctx is cancelled.
func Run(ctx context.Context, src Source, dir string, keepDuration, interval time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := DeleteExpiredFiles(ctx, src, dir, keepDuration)
			if err != nil {
				logger.Error("cleanup failed", "err", err)
			}

			if removed > 0 {
				logger.Info("cleanup finished", "removed", removed)
			}
		}
	}
}
