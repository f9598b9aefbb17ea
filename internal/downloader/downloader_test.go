package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rip-stream/ripstream/internal/config"
	"github.com/rip-stream/ripstream/internal/content"
	"github.com/rip-stream/ripstream/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable content.Provider for driving the controller.
type fakeProvider struct {
	source     string
	fetchCalls atomic.Int32

	fetchFn func(ctx context.Context, item *content.Content, destPath string, onChunk func(int64)) error
	infoFn  func(ctx context.Context, contentID string) (*content.Content, error)
	postFn  func(ctx context.Context, item *content.Content, filePath string) error
}

func (f *fakeProvider) SourceName() string {
	if f.source == "" {
		return "test"
	}

	return f.source
}

func (f *fakeProvider) SupportedContentTypes() []content.Type {
	return []content.Type{content.TypeTrack, content.TypeArtwork}
}

func (f *fakeProvider) Authenticate(context.Context, map[string]string) (bool, error) {
	return true, nil
}

func (f *fakeProvider) GetDownloadInfo(ctx context.Context, contentID string) (*content.Content, error) {
	if f.infoFn != nil {
		return f.infoFn(ctx, contentID)
	}

	return &content.Content{
		ID:       contentID,
		Source:   f.SourceName(),
		Type:     content.TypeTrack,
		FileName: contentID + ".bin",
	}, nil
}

func (f *fakeProvider) FetchBytes(ctx context.Context, item *content.Content, destPath string, onChunk func(int64)) error {
	f.fetchCalls.Add(1)

	if f.fetchFn != nil {
		return f.fetchFn(ctx, item, destPath, onChunk)
	}

	return writeAll(destPath, []byte("payload"), onChunk)
}

func (f *fakeProvider) PostProcess(ctx context.Context, item *content.Content, filePath string) error {
	if f.postFn != nil {
		return f.postFn(ctx, item, filePath)
	}

	return nil
}

func writeAll(destPath string, data []byte, onChunk func(int64)) error {
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return err
	}

	if onChunk != nil {
		onChunk(int64(len(data)))
	}

	return nil
}

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		DownloadDir:            t.TempDir(),
		MaxConcurrentDownloads: 2,
		QueueSizeLimit:         10,
	}
	cfg.Behavior = config.Behavior{
		MaxRetries:         0,
		RetryStrategy:      config.RetryNone,
		RetryDelay:         time.Millisecond,
		RetryBackoffFactor: 2,
		VerifyChecksums:    true,
		VerifyFileSize:     true,
	}

	return cfg
}

func newTestController(cfg *config.Config) (*Controller, *fakeProvider, *progress.Tracker) {
	tracker := progress.NewTracker(nil)

	ctrl := NewController(cfg, tracker, nil)
	ctrl.probeSpace = func(string) (uint64, error) { return 1 << 40, nil }

	p := &fakeProvider{source: "test"}
	ctrl.RegisterProvider(p)

	return ctrl, p, tracker
}

func testItem(name string) *content.Content {
	return &content.Content{
		ID:       "c-" + name,
		Source:   "test",
		Type:     content.TypeTrack,
		Title:    name,
		FileName: name + ".bin",
	}
}

func TestDownloadSuccess(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, p, tracker := newTestController(cfg)

	item := testItem("track")
	item.ExpectedSize = int64(len("payload"))
	item.ChecksumAlgorithm = "sha256"
	item.Checksum = "239f59ed55e737c77147cf55ad0c1b030b6d7ee748a7426952f9b852d5a935e5" // sha256("payload")

	result := ctrl.Download(context.Background(), item, &Options{DownloadID: "dl-1"})

	require.True(t, result.Success, "unexpected failure: %s", result.ErrorMessage)
	assert.Equal(t, "dl-1", result.DownloadID)
	assert.Equal(t, item.ID, result.ContentID)
	assert.Equal(t, filepath.Join(cfg.DownloadDir, "track.bin"), result.FilePath)
	assert.FileExists(t, result.FilePath)
	assert.Equal(t, int64(len("payload")), result.FileSize)
	assert.Equal(t, item.Checksum, result.Checksum)
	assert.Equal(t, 0, result.RetryCount)
	assert.False(t, result.Skipped())
	assert.Equal(t, int32(1), p.fetchCalls.Load())

	snap, ok := tracker.GetProgress("dl-1")
	require.True(t, ok)
	assert.Equal(t, progress.StateCompleted, snap.State)
	assert.Equal(t, float64(100), snap.Percentage)
}

func TestDownloadRetryBudget(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Behavior.MaxRetries = 3

	ctrl, p, tracker := newTestController(cfg)
	p.fetchFn = func(context.Context, *content.Content, string, func(int64)) error {
		return &content.NetworkError{Operation: "fetch_bytes", StatusCode: 502, APIMessage: "bad gateway"}
	}

	result := ctrl.Download(context.Background(), testItem("flaky"), &Options{DownloadID: "dl-1"})

	assert.False(t, result.Success)
	assert.Equal(t, int32(4), p.fetchCalls.Load(), "max_retries=3 means 4 attempts")
	assert.Equal(t, 3, result.RetryCount)
	assert.Contains(t, result.ErrorMessage, "download failed after 3 retries")
	assert.Contains(t, result.ErrorMessage, "bad gateway")

	snap, ok := tracker.GetProgress("dl-1")
	require.True(t, ok)
	assert.Equal(t, progress.StateFailed, snap.State)
	assert.Equal(t, 1, snap.ErrorCount)
}

func TestDownloadFatalErrorStopsRetrying(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Behavior.MaxRetries = 5

	ctrl, p, _ := newTestController(cfg)
	p.fetchFn = func(context.Context, *content.Content, string, func(int64)) error {
		return &content.AuthenticationError{Source: "test"}
	}

	result := ctrl.Download(context.Background(), testItem("denied"), nil)

	assert.False(t, result.Success)
	assert.Equal(t, int32(1), p.fetchCalls.Load(), "fatal errors must not consume the retry budget")
	assert.Contains(t, result.ErrorMessage, "authentication failed")
}

func TestDownloadSkipExisting(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, p, _ := newTestController(cfg)

	item := testItem("present")
	dest := filepath.Join(cfg.DownloadDir, "present.bin")
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0o644))

	t.Run("no declared checksum", func(t *testing.T) {
		result := ctrl.Download(context.Background(), item, nil)

		require.True(t, result.Success)
		assert.True(t, result.Skipped())
		assert.Zero(t, result.Duration)
		assert.Equal(t, dest, result.FilePath)
		assert.Equal(t, int64(len("already here")), result.FileSize)
		assert.Equal(t, int32(0), p.fetchCalls.Load(), "skip must not call the provider")
	})

	t.Run("matching checksum", func(t *testing.T) {
		digest, err := ComputeChecksum(dest, "sha256")
		require.NoError(t, err)

		withSum := *item
		withSum.Checksum = digest
		withSum.ChecksumAlgorithm = "sha256"

		result := ctrl.Download(context.Background(), &withSum, nil)

		require.True(t, result.Success)
		assert.True(t, result.Skipped())
		assert.Equal(t, digest, result.Checksum)
		assert.Equal(t, int32(0), p.fetchCalls.Load())
	})

	t.Run("mismatching checksum forces a fresh download", func(t *testing.T) {
		withSum := *item
		withSum.Checksum = "deadbeef"
		withSum.ChecksumAlgorithm = "md5"

		p.fetchFn = func(_ context.Context, _ *content.Content, destPath string, onChunk func(int64)) error {
			return writeAll(destPath, []byte("fresh"), onChunk)
		}

		result := ctrl.Download(context.Background(), &withSum, nil)

		assert.False(t, result.Skipped())
		assert.Equal(t, int32(1), p.fetchCalls.Load())
		// The fresh copy fails md5 validation against "deadbeef", which is
		// the expected terminal outcome here; the point is that skip did
		// not intercept the run.
		assert.False(t, result.Success)
		assert.Contains(t, result.ErrorMessage, "checksum mismatch")
	})
}

func TestDownloadOverwriteBypassesSkip(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Behavior.OverwriteExisting = true

	ctrl, p, _ := newTestController(cfg)

	dest := filepath.Join(cfg.DownloadDir, "present.bin")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	result := ctrl.Download(context.Background(), testItem("present"), nil)

	require.True(t, result.Success)
	assert.False(t, result.Skipped())
	assert.Equal(t, int32(1), p.fetchCalls.Load())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDownloadDiskSpaceGate(t *testing.T) {
	const expected = 100

	buffer := uint64(1) * 1024 * 1024 // 1 MB configured buffer

	t.Run("one byte short fails before fetch", func(t *testing.T) {
		cfg := testEngineConfig(t)
		cfg.MinFreeSpaceMB = 1

		ctrl, p, _ := newTestController(cfg)
		ctrl.probeSpace = func(string) (uint64, error) { return expected + buffer - 1, nil }

		item := testItem("big")
		item.ExpectedSize = expected

		result := ctrl.Download(context.Background(), item, nil)

		assert.False(t, result.Success)
		assert.Contains(t, result.ErrorMessage, "insufficient storage")
		assert.Equal(t, int32(0), p.fetchCalls.Load(), "the gate must trip before any transfer")
	})

	t.Run("exactly enough proceeds", func(t *testing.T) {
		cfg := testEngineConfig(t)
		cfg.MinFreeSpaceMB = 1

		ctrl, p, _ := newTestController(cfg)
		ctrl.probeSpace = func(string) (uint64, error) { return expected + buffer, nil }

		item := testItem("big")
		item.ExpectedSize = expected
		item.FileName = "big.bin"

		p.fetchFn = func(_ context.Context, _ *content.Content, destPath string, onChunk func(int64)) error {
			return writeAll(destPath, make([]byte, expected), onChunk)
		}

		result := ctrl.Download(context.Background(), item, nil)

		require.True(t, result.Success, "unexpected failure: %s", result.ErrorMessage)
		assert.Equal(t, int32(1), p.fetchCalls.Load())
	})
}

func TestDownloadDiskProbeFailureProceeds(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.MinFreeSpaceMB = 1

	ctrl, p, _ := newTestController(cfg)
	ctrl.probeSpace = func(string) (uint64, error) { return 0, errors.New("statfs not supported") }

	result := ctrl.Download(context.Background(), testItem("anyway"), nil)

	require.True(t, result.Success, "a probe failure must not block the download")
	assert.Equal(t, int32(1), p.fetchCalls.Load())
}

func TestDownloadSizeValidationFailure(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, p, tracker := newTestController(cfg)

	item := testItem("short")
	item.ExpectedSize = 10

	p.fetchFn = func(_ context.Context, _ *content.Content, destPath string, onChunk func(int64)) error {
		return writeAll(destPath, []byte("12345"), onChunk)
	}

	result := ctrl.Download(context.Background(), item, &Options{DownloadID: "dl-1"})

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "size mismatch")
	assert.Equal(t, int32(1), p.fetchCalls.Load(), "validation failures are not retried")
	assert.NoFileExists(t, filepath.Join(cfg.DownloadDir, "short.bin"), "invalid file must be removed")

	snap, ok := tracker.GetProgress("dl-1")
	require.True(t, ok)
	assert.Equal(t, progress.StateFailed, snap.State)
}

func TestDownloadChecksumValidationFailure(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, p, _ := newTestController(cfg)

	item := testItem("corrupt")
	item.Checksum = strings.Repeat("0", 64)
	item.ChecksumAlgorithm = "sha256"

	p.fetchFn = func(_ context.Context, _ *content.Content, destPath string, onChunk func(int64)) error {
		return writeAll(destPath, []byte("not what you asked for"), onChunk)
	}

	result := ctrl.Download(context.Background(), item, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "checksum mismatch")
}

func TestDownloadUnsupportedValidationAlgorithm(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, _, _ := newTestController(cfg)

	item := testItem("odd")
	item.Checksum = "abc"
	item.ChecksumAlgorithm = "whirlpool"

	result := ctrl.Download(context.Background(), item, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, `unsupported checksum algorithm "whirlpool"`)
}

func TestDownloadPostProcessFailure(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, p, _ := newTestController(cfg)

	p.postFn = func(context.Context, *content.Content, string) error {
		return errors.New("tag write failed")
	}

	result := ctrl.Download(context.Background(), testItem("tagged"), nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "post-processing failed: tag write failed")
	assert.FileExists(t, filepath.Join(cfg.DownloadDir, "tagged.bin"),
		"a validated file is kept even when post-processing fails")
}

func TestDownloadNoProviderRegistered(t *testing.T) {
	cfg := testEngineConfig(t)
	tracker := progress.NewTracker(nil)
	ctrl := NewController(cfg, tracker, nil)
	ctrl.probeSpace = func(string) (uint64, error) { return 1 << 40, nil }

	result := ctrl.Download(context.Background(), testItem("orphan"), nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, `no provider registered for source "test"`)
}

func TestDownloadCancelledDuringBackoff(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Behavior.MaxRetries = 2
	cfg.Behavior.RetryStrategy = config.RetryFixedDelay
	cfg.Behavior.RetryDelay = time.Minute

	ctrl, p, tracker := newTestController(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	p.fetchFn = func(context.Context, *content.Content, string, func(int64)) error {
		cancel() // caller gives up while the attempt is in flight

		return &content.NetworkError{Operation: "fetch_bytes", APIMessage: "connection reset"}
	}

	result := ctrl.Download(ctx, testItem("gone"), &Options{DownloadID: "dl-1"})

	assert.False(t, result.Success)
	assert.Equal(t, int32(1), p.fetchCalls.Load(), "cancellation must stop the retry loop")
	assert.Equal(t, context.Canceled.Error(), result.ErrorMessage)

	snap, ok := tracker.GetProgress("dl-1")
	require.True(t, ok)
	assert.Equal(t, progress.StateCancelled, snap.State)
}

func TestCancelDownloadStopsInFlightTransfer(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Behavior.MaxRetries = 2

	ctrl, p, tracker := newTestController(cfg)

	fetchStarted := make(chan struct{})
	fetchErr := make(chan error, 1)

	p.fetchFn = func(ctx context.Context, _ *content.Content, _ string, _ func(int64)) error {
		close(fetchStarted)
		<-ctx.Done()
		fetchErr <- ctx.Err()

		return ctx.Err()
	}

	resultCh := make(chan content.Result, 1)

	go func() {
		resultCh <- ctrl.Download(context.Background(), testItem("abort"), &Options{DownloadID: "dl-abort"})
	}()

	select {
	case <-fetchStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	require.True(t, ctrl.CancelDownload("dl-abort"))

	select {
	case err := <-fetchErr:
		assert.ErrorIs(t, err, context.Canceled, "the provider context must be cancelled")
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never reached the in-flight transfer")
	}

	var result content.Result
	select {
	case result = <-resultCh:
	case <-time.After(2 * time.Second):
		t.Fatal("download never returned")
	}

	assert.False(t, result.Success)
	assert.True(t, result.Cancelled())
	assert.Equal(t, context.Canceled.Error(), result.ErrorMessage)
	assert.Equal(t, int32(1), p.fetchCalls.Load(), "a cancelled attempt is not retried")

	snap, ok := tracker.GetProgress("dl-abort")
	require.True(t, ok)
	assert.Equal(t, progress.StateCancelled, snap.State)

	// The registry entry is released once the run returns.
	assert.False(t, ctrl.CancelDownload("dl-abort"))
}

func TestDownloadProgressFlow(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, p, tracker := newTestController(cfg)

	var seen []float64

	tracker.Subscribe(func(_ string, snap progress.Progress) {
		seen = append(seen, snap.Percentage)
	})

	item := testItem("steady")
	item.ExpectedSize = 10

	p.fetchFn = func(_ context.Context, _ *content.Content, destPath string, onChunk func(int64)) error {
		onChunk(3)
		onChunk(7)

		return writeAll(destPath, []byte("0123456789"), onChunk)
	}

	result := ctrl.Download(context.Background(), item, &Options{DownloadID: "dl-1"})
	require.True(t, result.Success, "unexpected failure: %s", result.ErrorMessage)

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "percentage must be non-decreasing")
	}
	assert.Equal(t, float64(100), seen[len(seen)-1])
}

func TestDownloadMultipleCollectsEveryResult(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, p, _ := newTestController(cfg)

	p.fetchFn = func(_ context.Context, item *content.Content, destPath string, onChunk func(int64)) error {
		if item.ID == "c-bad" {
			return &content.AuthenticationError{Source: "test"}
		}

		return writeAll(destPath, []byte(item.ID), onChunk)
	}

	items := []*content.Content{testItem("good"), testItem("bad"), testItem("fine")}
	results := ctrl.DownloadMultiple(context.Background(), items, nil)

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success, "one failure must not abort the batch")
	assert.True(t, results[2].Success)
	assert.Equal(t, items[1].ID, results[1].ContentID, "results keep input order")
}

func TestDownloadMultipleBoundsConcurrency(t *testing.T) {
	cfg := testEngineConfig(t)
	ctrl, p, _ := newTestController(cfg)

	var inFlight, peak atomic.Int32

	p.fetchFn = func(_ context.Context, item *content.Content, destPath string, onChunk func(int64)) error {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}

		time.Sleep(25 * time.Millisecond)
		inFlight.Add(-1)

		return writeAll(destPath, []byte(item.ID), onChunk)
	}

	items := make([]*content.Content, 6)
	for i := range items {
		items[i] = testItem(fmt.Sprintf("item-%d", i))
	}

	results := ctrl.DownloadMultiple(context.Background(), items, &Options{MaxConcurrent: 2})

	require.Len(t, results, 6)
	for i, r := range results {
		assert.True(t, r.Success, "item %d failed: %s", i, r.ErrorMessage)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2), "semaphore width must bound the fan-out")
}

func TestRetryDelayStrategies(t *testing.T) {
	base := config.Behavior{RetryDelay: time.Second, RetryBackoffFactor: 2}

	tests := []struct {
		name     string
		strategy config.RetryStrategy
		attempt  int
		want     time.Duration
	}{
		{"none", config.RetryNone, 0, 0},
		{"none later attempt", config.RetryNone, 4, 0},
		{"linear first", config.RetryLinear, 0, time.Second},
		{"linear third", config.RetryLinear, 2, 3 * time.Second},
		{"exponential first", config.RetryExponential, 0, time.Second},
		{"exponential second", config.RetryExponential, 1, 2 * time.Second},
		{"exponential fourth", config.RetryExponential, 3, 8 * time.Second},
		{"fixed", config.RetryFixedDelay, 3, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := base
			b.RetryStrategy = tt.strategy

			assert.Equal(t, tt.want, retryDelay(&b, tt.attempt))
		})
	}
}

func TestSafeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain.mp3", "plain.mp3"},
		{"with spaces.flac", "with spaces.flac"},
		{"a/b\\c:d*e?f\"g<h>i|j", "a_b_c_d_e_f_g_h_i_j"},
		{"ctrl\x00char\x1fname", "ctrl_char_name"},
		{"  padded  ", "padded"},
		{"", "_"},
		{".", "_"},
		{"..", "_"},
		{"naïve – déjà.mp3", "naïve – déjà.mp3"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, safeFileName(tt.in))
		})
	}

	t.Run("overlong names keep their extension", func(t *testing.T) {
		got := safeFileName(strings.Repeat("a", 300) + ".mp3")

		assert.Len(t, got, maxFileNameLength)
		assert.True(t, strings.HasSuffix(got, ".mp3"))
	})
}

func TestTargetFileName(t *testing.T) {
	tests := []struct {
		name string
		item content.Content
		want string
	}{
		{
			name: "file name with matching extension",
			item: content.Content{FileName: "song.mp3", FileExtension: "mp3"},
			want: "song.mp3",
		},
		{
			name: "extension appended when missing",
			item: content.Content{FileName: "song", FileExtension: ".mp3"},
			want: "song.mp3",
		},
		{
			name: "extension match is case-insensitive",
			item: content.Content{FileName: "SONG.MP3", FileExtension: "mp3"},
			want: "SONG.MP3",
		},
		{
			name: "falls back to display name",
			item: content.Content{Artist: "Artist", Title: "Title", FileExtension: "flac"},
			want: "Artist - Title.flac",
		},
		{
			name: "falls back to the content id",
			item: content.Content{ID: "abc123"},
			want: "abc123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, targetFileName(&tt.item))
		})
	}
}
