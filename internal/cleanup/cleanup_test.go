package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rip-stream/ripstream/internal/config"
)

func writeFileAged(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("partial payload"), 0644))

	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func TestSweepRemovesStalePartialFiles(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "old-track.mp3.part")
	nested := filepath.Join(dir, "artist", "album", "cover.jpg.part")
	fresh := filepath.Join(dir, "in-flight.flac.part")
	finished := filepath.Join(dir, "keeper.mp3")

	writeFileAged(t, stale, 48*time.Hour)
	writeFileAged(t, nested, 48*time.Hour)
	writeFileAged(t, fresh, time.Minute)
	writeFileAged(t, finished, 48*time.Hour)

	s := NewSweeper(&config.Config{
		DownloadDir:     dir,
		KeepPartialFor:  24 * time.Hour,
		CleanupInterval: time.Minute,
	})

	removed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, nested)
	assert.FileExists(t, fresh)
	assert.FileExists(t, finished)
}

func TestSweepCoversTempDir(t *testing.T) {
	downloadDir := t.TempDir()
	tempDir := t.TempDir()

	staged := filepath.Join(tempDir, "orphan.mp3.part")
	writeFileAged(t, staged, 2*time.Hour)

	s := NewSweeper(&config.Config{
		DownloadDir:     downloadDir,
		TempDir:         tempDir,
		KeepPartialFor:  time.Hour,
		CleanupInterval: time.Minute,
	})

	removed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, staged)
}

func TestSweepToleratesMissingDirectory(t *testing.T) {
	s := NewSweeper(&config.Config{
		DownloadDir:     filepath.Join(t.TempDir(), "not-created-yet"),
		KeepPartialFor:  time.Hour,
		CleanupInterval: time.Minute,
	})

	removed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "abandoned.mp3.part")
	writeFileAged(t, stale, time.Hour)

	s := NewSweeper(&config.Config{
		DownloadDir:     dir,
		KeepPartialFor:  time.Minute,
		CleanupInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
