package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/manager"
	"github.com/italolelis/premium_downloader/internal/premium"
	"github.com/italolelis/premium_downloader/internal/storage"
)

const (
	dirPerm                 = 0o755
	defaultProgressInterval = 100 * 1024 * 1024 // 100MB
	partialSuffix           = ".part"
)

// Resolver turns a submitted link into a direct download URL.
type Resolver interface {
	Resolve(ctx context.Context, p *storage.Premium, link string) (string, error)
}

// Worker resolves links through the premium provider and fetches resolved
// files into the target directory. It never changes download state itself;
// every outcome is reported to the Manager's mailbox.
type Worker struct {
	resolver         Resolver
	httpClient       *http.Client
	targetDir        string
	progressInterval int64
}

type Option func(*Worker)

func WithHTTPClient(c *http.Client) Option {
	return func(w *Worker) {
		w.httpClient = c
	}
}

func WithProgressInterval(bytes int64) Option {
	return func(w *Worker) {
		w.progressInterval = bytes
	}
}

func NewWorker(resolver Resolver, targetDir string, opts ...Option) *Worker {
	w := &Worker{
		resolver:         resolver,
		targetDir:        targetDir,
		progressInterval: defaultProgressInterval,
		httpClient:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Acquire resolves d.Link and reports acquired, not found or an error.
func (w *Worker) Acquire(ctx context.Context, cred *storage.Premium, d storage.Download, mb manager.Mailbox) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.ID, "link", d.Link)

	if cred == nil {
		logger.WarnContext(ctx, "cannot acquire download without a premium credential")
		mb.Send(manager.DownloadError{ID: d.ID, Err: premium.ErrNoCredential})

		return
	}

	realURL, err := w.resolver.Resolve(ctx, cred, d.Link)

	switch {
	case errors.Is(err, premium.ErrNotFound):
		logger.InfoContext(ctx, "link not found", "err", err)
		mb.Send(manager.DownloadNotFound{ID: d.ID})
	case err != nil:
		logger.ErrorContext(ctx, "failed to resolve link", "err", err)
		mb.Send(manager.DownloadError{ID: d.ID, Err: err})
	default:
		logger.InfoContext(ctx, "link resolved")
		mb.Send(manager.DownloadAcquired{ID: d.ID, RealURL: realURL})
	}
}

// Fetch downloads d.RealURL into the target directory and reports started,
// progress, then complete or failed. A fetch cut short by ctx reports nothing.
func (w *Worker) Fetch(ctx context.Context, _ *storage.Premium, d storage.Download, mb manager.Mailbox) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.ID)

	targetPath := d.LocalPath(w.targetDir)

	if err := w.fetch(ctx, logger, d, targetPath, mb); err != nil {
		if ctx.Err() != nil {
			// left ACTIVE, resumed by the next manager session
			logger.WarnContext(ctx, "download interrupted", "target", targetPath, "err", err)

			return
		}

		logger.ErrorContext(ctx, "download failed", "target", targetPath, "err", err)
		mb.Send(manager.DownloadFailed{ID: d.ID, Err: err})

		return
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", targetPath)
	mb.Send(manager.DownloadComplete{ID: d.ID})
}

func (w *Worker) fetch(ctx context.Context, logger *slog.Logger, d storage.Download, targetPath string, mb manager.Mailbox) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.RealURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching file", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	partial := targetPath + partialSuffix

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	mb.Send(manager.DownloadStarted{ID: d.ID})

	if err := w.writeFile(logger, out, resp.Body, d, resp.ContentLength, mb); err != nil {
		out.Close()
		os.Remove(partial)

		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(partial)

		return fmt.Errorf("failed to close target file: %w", err)
	}

	if err := os.Rename(partial, targetPath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	return nil
}

func (w *Worker) writeFile(logger *slog.Logger, out io.Writer, reader io.Reader, d storage.Download, totalBytes int64, mb manager.Mailbox) error {
	size := "unknown"
	if totalBytes > 0 {
		size = humanize.Bytes(uint64(totalBytes))
	}

	logger.Info("downloading file", "url", d.RealURL, "file_size", size)

	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(written)))
		}

		mb.Send(manager.DownloadProgress{ID: d.ID, Written: written, Total: total})
	}

	pr := newProgressReader(reader, totalBytes, w.progressInterval, progressCb)

	if _, err := io.Copy(out, pr); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	return nil
}
