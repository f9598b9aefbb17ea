package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rip-stream/ripstream/internal/config"
	"github.com/rip-stream/ripstream/internal/content"
	"github.com/rip-stream/ripstream/internal/logctx"
	"github.com/rip-stream/ripstream/internal/progress"
	"github.com/rip-stream/ripstream/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm = 0755

	statusSuccess   = "success"
	statusSkipped   = "skipped"
	statusCancelled = "cancelled"
	statusError     = "error"
)

// Options overrides per-call download behavior. The zero value defers to the
// controller's configuration.
type Options struct {
	// Directory overrides the configured download directory.
	Directory string

	// Behavior overrides the source's resolved behavior settings.
	Behavior *config.Behavior

	// DownloadID keys progress tracking for this run. A fresh one is
	// generated when empty.
	DownloadID string

	// MaxConcurrent bounds DownloadMultiple fan-out. Defaults to the
	// configured max_concurrent_downloads.
	MaxConcurrent int
}

// Controller drives a single item through its full download lifecycle:
// space gate, skip-if-exists, retrying fetch, integrity validation,
// post-processing and result assembly. It never returns an error to its
// caller; every outcome lands in a Result.
type Controller struct {
	cfg     *config.Config
	tracker *progress.Tracker
	tel     *telemetry.Telemetry

	// probeSpace reports free bytes on the volume holding a path. Swapped
	// out in tests.
	probeSpace func(path string) (uint64, error)

	mu        sync.RWMutex
	providers map[string]content.Provider

	// cancels holds one cancel func per in-flight download so a transfer
	// can be aborted by its download ID.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

func NewController(cfg *config.Config, tracker *progress.Tracker, tel *telemetry.Telemetry) *Controller {
	return &Controller{
		cfg:        cfg,
		tracker:    tracker,
		tel:        tel,
		probeSpace: availableBytes,
		providers:  make(map[string]content.Provider),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// RegisterProvider makes a source provider available for downloads, keyed by
// its source name. Re-registering a name replaces the previous provider.
func (c *Controller) RegisterProvider(p content.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.providers[p.SourceName()] = p
}

// Provider returns the provider registered for source.
func (c *Controller) Provider(source string) (content.Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.providers[source]

	return p, ok
}

// Download runs one item end-to-end and always produces exactly one Result;
// failures are reported through Result.ErrorMessage, never an error return.
// While the run is in flight it can be aborted through CancelDownload with
// the same download ID.
func (c *Controller) Download(ctx context.Context, item *content.Content, opts *Options) content.Result {
	o := c.resolveOptions(item, opts)

	// Each run gets its own cancellable context so CancelDownload stops this
	// transfer without touching its siblings.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.cancelMu.Lock()
	c.cancels[o.DownloadID] = cancel
	c.cancelMu.Unlock()

	defer func() {
		c.cancelMu.Lock()
		delete(c.cancels, o.DownloadID)
		c.cancelMu.Unlock()
	}()

	logger := logctx.LoggerFromContext(ctx).With(
		"download_id", o.DownloadID,
		"content_id", item.ID,
		"source", item.Source,
	)
	ctx = logctx.WithLogger(ctx, logger)

	c.tel.IncrementActiveDownloads()
	defer c.tel.DecrementActiveDownloads()

	start := time.Now()
	result, status := c.execute(ctx, item, o)

	if !result.Skipped() {
		result.Duration = time.Since(start)
	}

	if result.Duration > 0 && result.FileSize > 0 {
		result.AverageSpeed = float64(result.FileSize) / result.Duration.Seconds()
	}

	c.tel.RecordDownload(item.Source, status, result.Duration)

	switch status {
	case statusSuccess:
		c.tel.RecordDownloadBytes(item.Source, result.FileSize)
		logger.Info("download finished",
			"file_path", result.FilePath,
			"file_size", humanize.Bytes(uint64(result.FileSize)),
			"duration", result.Duration,
			"retries", result.RetryCount)
	case statusSkipped:
		logger.Info("download skipped, valid file already present", "file_path", result.FilePath)
	case statusCancelled:
		logger.Warn("download cancelled", "err", result.ErrorMessage)
	default:
		logger.Error("download failed", "err", result.ErrorMessage, "retries", result.RetryCount)
	}

	return result
}

// DownloadMultiple fans Download out over a bounded worker pool and collects
// one result per item, in input order. A failed item yields a failed result;
// it never aborts its siblings.
func (c *Controller) DownloadMultiple(ctx context.Context, items []*content.Content, opts *Options) []content.Result {
	results := make([]content.Result, len(items))
	if len(items) == 0 {
		return results
	}

	width := c.cfg.MaxConcurrentDownloads
	if opts != nil && opts.MaxConcurrent > 0 {
		width = opts.MaxConcurrent
	}

	if width < 1 {
		width = 1
	}

	var wg errgroup.Group

	sem := make(chan struct{}, width)

	for i := range items {
		item := items[i]
		idx := i
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			var perItem Options
			if opts != nil {
				// Each item needs its own download ID, so only the
				// shared knobs carry over.
				perItem.Directory = opts.Directory
				perItem.Behavior = opts.Behavior
			}

			results[idx] = c.Download(ctx, item, &perItem)

			return nil
		})
	}

	// Workers never return errors; failures land in their Result.
	_ = wg.Wait()

	return results
}

// CancelDownload aborts the in-flight download registered under downloadID.
// The provider's fetch sees its context cancelled, the retry loop is not
// re-entered and the run's Result reports the cancellation. It returns false
// when no such download is in flight.
func (c *Controller) CancelDownload(downloadID string) bool {
	c.cancelMu.Lock()
	cancel, ok := c.cancels[downloadID]
	c.cancelMu.Unlock()

	if !ok {
		return false
	}

	cancel()

	return true
}

func (c *Controller) resolveOptions(item *content.Content, opts *Options) *Options {
	var o Options
	if opts != nil {
		o = *opts
	}

	if o.Directory == "" {
		o.Directory = c.cfg.DownloadDir
	}

	if o.Behavior == nil {
		b := c.cfg.BehaviorFor(item.Source)
		o.Behavior = &b
	}

	if o.DownloadID == "" {
		o.DownloadID = uuid.New().String()
	}

	return &o
}

// execute performs the actual lifecycle and classifies the outcome for
// metrics and logging.
func (c *Controller) execute(ctx context.Context, item *content.Content, o *Options) (content.Result, string) {
	result := content.Result{
		DownloadID: o.DownloadID,
		ContentID:  item.ID,
	}

	provider, ok := c.Provider(item.Source)
	if !ok {
		result.ErrorMessage = fmt.Sprintf("no provider registered for source %q", item.Source)

		return result, statusError
	}

	if err := os.MkdirAll(o.Directory, dirPerm); err != nil {
		dirErr := &content.DirectoryError{
			DirectoryName: o.Directory,
			Reason:        "could not create download directory",
			Err:           err,
		}
		result.ErrorMessage = dirErr.Error()

		return result, statusError
	}

	destPath := filepath.Join(o.Directory, safeFileName(targetFileName(item)))

	if err := c.checkDiskSpace(ctx, o.Directory, item); err != nil {
		result.ErrorMessage = err.Error()

		return result, statusError
	}

	if skip, size, digest := c.shouldSkip(ctx, item, destPath, o.Behavior); skip {
		result.Success = true
		result.FilePath = destPath
		result.FileSize = size
		result.Checksum = digest
		result.SetMeta("skipped", "true")

		return result, statusSkipped
	}

	c.tracker.StartTracking(o.DownloadID, item.ExpectedSize)

	retries, err := c.fetchWithRetry(ctx, provider, item, destPath, o)
	result.RetryCount = retries

	if err != nil {
		c.cleanupPartial(ctx, destPath)
		result.ErrorMessage = err.Error()

		if errors.Is(err, context.Canceled) {
			c.tracker.MarkCancelled(o.DownloadID)
			result.SetMeta("cancelled", "true")

			return result, statusCancelled
		}

		c.tracker.MarkError(o.DownloadID, err)

		return result, statusError
	}

	if err := c.validate(item, destPath, o.Behavior); err != nil {
		c.cleanupPartial(ctx, destPath)
		c.tracker.MarkError(o.DownloadID, err)
		result.ErrorMessage = err.Error()

		return result, statusError
	}

	if err := provider.PostProcess(ctx, item, destPath); err != nil {
		err = fmt.Errorf("post-processing failed: %w", err)
		c.tracker.MarkError(o.DownloadID, err)
		result.ErrorMessage = err.Error()

		return result, statusError
	}

	c.tracker.MarkCompleted(o.DownloadID)

	if info, err := os.Stat(destPath); err == nil {
		result.FileSize = info.Size()
	}

	if item.ChecksumDeclared() && ChecksumSupported(item.ChecksumAlgorithm) {
		if digest, err := ComputeChecksum(destPath, item.ChecksumAlgorithm); err == nil {
			result.Checksum = digest
		}
	}

	result.Success = true
	result.FilePath = destPath

	return result, statusSuccess
}

// fetchWithRetry drives the provider's fetch through the retry budget:
// max_retries+1 attempts total, retryable failures only, with the configured
// delay strategy between attempts. It returns the number of retries consumed
// alongside the terminal error, if any.
func (c *Controller) fetchWithRetry(ctx context.Context, provider content.Provider, item *content.Content, destPath string, o *Options) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	b := o.Behavior

	// Providers may refine ExpectedSize once the response reveals it. The
	// refinement happens on the same goroutine that reports chunks, so
	// observing it here is race-free.
	expected := item.ExpectedSize

	onChunk := func(downloaded int64) {
		if item.ExpectedSize != expected {
			expected = item.ExpectedSize
			c.tracker.SetTotalSize(o.DownloadID, expected)
		}

		c.tracker.UpdateProgress(o.DownloadID, downloaded)
	}

	var lastErr error

	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if attempt > 0 {
			c.tel.RecordRetry(item.Source)
		}

		err := c.tel.InstrumentOperation(ctx, "download_attempt", "downloader", func(ctx context.Context) error {
			return provider.FetchBytes(ctx, item, destPath, onChunk)
		})
		if err == nil {
			return attempt, nil
		}

		lastErr = err

		if !content.Retryable(err) {
			return attempt, err
		}

		c.cleanupPartial(ctx, destPath)

		if attempt == b.MaxRetries {
			break
		}

		delay := retryDelay(b, attempt)
		if hint, ok := content.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}

		logger.Warn("download attempt failed",
			"attempt", attempt,
			"max_retries", b.MaxRetries,
			"retry_in", delay,
			"err", err)

		if !waitForRetry(ctx, delay) {
			return attempt, ctx.Err()
		}
	}

	return b.MaxRetries, &content.RetryExhaustedError{Retries: b.MaxRetries, Err: lastErr}
}

// checkDiskSpace enforces the free-space gate before any bytes move. A probe
// failure is logged and waved through; only a measured shortfall blocks the
// attempt.
func (c *Controller) checkDiskSpace(ctx context.Context, dir string, item *content.Content) error {
	available, err := c.probeSpace(dir)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("could not determine free disk space", "dir", dir, "err", err)

		return nil
	}

	required := c.cfg.MinFreeSpaceBytes()
	if item.ExpectedSize > 0 {
		required += uint64(item.ExpectedSize)
	}

	if available < required {
		return &content.InsufficientStorageError{
			Path:           dir,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}

	return nil
}

// shouldSkip reports whether destPath already satisfies the download. With a
// declared checksum the existing copy must match it; a mismatch falls through
// to a fresh download.
func (c *Controller) shouldSkip(ctx context.Context, item *content.Content, destPath string, b *config.Behavior) (bool, int64, string) {
	if b.OverwriteExisting {
		return false, 0, ""
	}

	info, err := os.Stat(destPath)
	if err != nil || info.IsDir() {
		return false, 0, ""
	}

	if !item.ChecksumDeclared() {
		return true, info.Size(), ""
	}

	if !ChecksumSupported(item.ChecksumAlgorithm) {
		return false, 0, ""
	}

	digest, err := ComputeChecksum(destPath, item.ChecksumAlgorithm)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to checksum existing file", "file_path", destPath, "err", err)

		return false, 0, ""
	}

	if strings.EqualFold(digest, item.Checksum) {
		return true, info.Size(), digest
	}

	return false, 0, ""
}

func (c *Controller) validate(item *content.Content, destPath string, b *config.Behavior) error {
	info, err := os.Stat(destPath)
	if err != nil {
		return &content.InvalidContentError{
			Filename: filepath.Base(destPath),
			Reason:   "downloaded file is missing",
			Err:      err,
		}
	}

	if b.VerifyFileSize && item.SizeKnown() && info.Size() != item.ExpectedSize {
		return &content.InvalidContentError{
			Filename: filepath.Base(destPath),
			Reason:   fmt.Sprintf("size mismatch: expected %d bytes, got %d", item.ExpectedSize, info.Size()),
		}
	}

	if b.VerifyChecksums && item.ChecksumDeclared() {
		if !ChecksumSupported(item.ChecksumAlgorithm) {
			return &content.InvalidContentError{
				Filename: filepath.Base(destPath),
				Reason:   fmt.Sprintf("unsupported checksum algorithm %q", item.ChecksumAlgorithm),
			}
		}

		ok, err := ValidateChecksum(destPath, item.Checksum, item.ChecksumAlgorithm)
		if err != nil {
			return &content.InvalidContentError{
				Filename: filepath.Base(destPath),
				Reason:   "checksum could not be computed",
				Err:      err,
			}
		}

		if !ok {
			return &content.InvalidContentError{
				Filename: filepath.Base(destPath),
				Reason:   "checksum mismatch",
			}
		}
	}

	return nil
}

// cleanupPartial removes download leftovers, both the destination itself and
// any staging file next to it. Best effort.
func (c *Controller) cleanupPartial(ctx context.Context, destPath string) {
	logger := logctx.LoggerFromContext(ctx)

	for _, p := range []string{destPath, destPath + content.PartialSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove partial file", "file_path", p, "err", err)
		}
	}
}
