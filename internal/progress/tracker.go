// Package progress tracks per-download transfer state and fans immutable
// snapshots out to subscribers.
package progress

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// State is the lifecycle stage of one tracked download.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Progress is a value snapshot of one download. Subscribers receive copies
// and can never reach back into tracker state.
type Progress struct {
	DownloadID            string
	State                 State
	TotalBytes            int64 // 0 when the source did not declare a size
	DownloadedBytes       int64
	StartTime             time.Time
	LastUpdateTime        time.Time
	BytesPerSecond        float64 // instantaneous, from the last update delta
	AverageBytesPerSecond float64 // over the whole download
	Percentage            float64
	ETASeconds            int64 // -1 when it cannot be derived
	ErrorCount            int
	LastError             string
}

// Callback observes progress transitions. Callbacks run synchronously on the
// mutating goroutine; panics are isolated and logged.
type Callback func(downloadID string, snapshot Progress)

// Tracker holds live progress records keyed by download ID. All methods are
// safe for concurrent use; mutators on unknown IDs are silent no-ops.
type Tracker struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	active    map[string]*Progress
	callbacks []Callback
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		logger: logger,
		now:    time.Now,
		active: make(map[string]*Progress),
	}
}

// Subscribe registers cb for every subsequent transition of every download.
func (t *Tracker) Subscribe(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callbacks = append(t.callbacks, cb)
}

// StartTracking initializes a fresh DOWNLOADING record for downloadID,
// replacing any previous record with the same ID.
func (t *Tracker) StartTracking(downloadID string, totalBytes int64) Progress {
	now := t.now()
	p := &Progress{
		DownloadID:     downloadID,
		State:          StateDownloading,
		TotalBytes:     totalBytes,
		StartTime:      now,
		LastUpdateTime: now,
		ETASeconds:     -1,
	}

	t.mu.Lock()
	t.active[downloadID] = p
	snap := *p
	t.mu.Unlock()

	t.notify(snap)

	return snap
}

// SetTotalSize corrects the expected byte count after tracking has started,
// for sources that only reveal the size once the transfer begins.
func (t *Tracker) SetTotalSize(downloadID string, totalBytes int64) {
	t.mu.Lock()
	p, ok := t.active[downloadID]
	if !ok {
		t.mu.Unlock()
		return
	}

	p.TotalBytes = totalBytes
	p.Percentage = percentage(p.DownloadedBytes, totalBytes)
	p.ETASeconds = eta(p)
	p.LastUpdateTime = t.now()

	snap := *p
	t.mu.Unlock()

	t.notify(snap)
}

// UpdateProgress records the new cumulative byte count for downloadID and
// recomputes speed, percentage and ETA. Byte counts may decrease, for
// example when an attempt restarts; the percentage simply follows.
func (t *Tracker) UpdateProgress(downloadID string, downloadedBytes int64) {
	t.mu.Lock()
	p, ok := t.active[downloadID]
	if !ok {
		t.mu.Unlock()
		return
	}

	now := t.now()

	if elapsed := now.Sub(p.LastUpdateTime).Seconds(); elapsed > 0 {
		p.BytesPerSecond = float64(downloadedBytes-p.DownloadedBytes) / elapsed
		if p.BytesPerSecond < 0 {
			p.BytesPerSecond = 0
		}
	} else {
		p.BytesPerSecond = 0
	}

	if total := now.Sub(p.StartTime).Seconds(); total > 0 {
		p.AverageBytesPerSecond = float64(downloadedBytes) / total
	} else {
		p.AverageBytesPerSecond = 0
	}

	p.DownloadedBytes = downloadedBytes
	p.LastUpdateTime = now
	p.Percentage = percentage(downloadedBytes, p.TotalBytes)
	p.ETASeconds = eta(p)

	snap := *p
	t.mu.Unlock()

	t.notify(snap)
}

// MarkCompleted transitions downloadID to COMPLETED at 100%.
func (t *Tracker) MarkCompleted(downloadID string) {
	t.mu.Lock()
	p, ok := t.active[downloadID]
	if !ok {
		t.mu.Unlock()
		return
	}

	p.State = StateCompleted
	if p.TotalBytes > 0 {
		p.DownloadedBytes = p.TotalBytes
	}
	p.Percentage = 100
	p.ETASeconds = 0
	p.LastUpdateTime = t.now()

	snap := *p
	t.mu.Unlock()

	t.notify(snap)
}

// MarkError transitions downloadID to FAILED, bumping its error count and
// remembering the message.
func (t *Tracker) MarkError(downloadID string, err error) {
	t.mu.Lock()
	p, ok := t.active[downloadID]
	if !ok {
		t.mu.Unlock()
		return
	}

	p.State = StateFailed
	p.ErrorCount++
	if err != nil {
		p.LastError = err.Error()
	}
	p.LastUpdateTime = t.now()

	snap := *p
	t.mu.Unlock()

	t.notify(snap)
}

// MarkCancelled transitions downloadID to CANCELLED.
func (t *Tracker) MarkCancelled(downloadID string) {
	t.mu.Lock()
	p, ok := t.active[downloadID]
	if !ok {
		t.mu.Unlock()
		return
	}

	p.State = StateCancelled
	p.LastUpdateTime = t.now()

	snap := *p
	t.mu.Unlock()

	t.notify(snap)
}

// GetProgress returns a snapshot of downloadID's record.
func (t *Tracker) GetProgress(downloadID string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.active[downloadID]
	if !ok {
		return Progress{}, false
	}

	return *p, true
}

// GetAllProgress returns snapshots of every tracked download.
func (t *Tracker) GetAllProgress() map[string]Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make(map[string]Progress, len(t.active))
	for id, p := range t.active {
		all[id] = *p
	}

	return all
}

// RemoveProgress drops downloadID from the tracker regardless of state.
func (t *Tracker) RemoveProgress(downloadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, downloadID)
}

// ClearCompleted removes every COMPLETED record and reports how many were
// dropped.
func (t *Tracker) ClearCompleted() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, p := range t.active {
		if p.State == StateCompleted {
			delete(t.active, id)
			removed++
		}
	}

	return removed
}

func (t *Tracker) notify(snap Progress) {
	t.mu.Lock()
	cbs := make([]Callback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		t.safeNotify(cb, snap)
	}
}

// safeNotify shields the tracker from subscriber panics so one broken
// consumer cannot take the engine down.
func (t *Tracker) safeNotify(cb Callback, snap Progress) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("progress subscriber panic",
				"download_id", snap.DownloadID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	cb(snap.DownloadID, snap)
}

func percentage(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}

	pct := float64(downloaded) * 100 / float64(total)
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}

	return pct
}

func eta(p *Progress) int64 {
	if p.AverageBytesPerSecond <= 0 || p.TotalBytes <= 0 {
		return -1
	}

	remaining := p.TotalBytes - p.DownloadedBytes
	if remaining <= 0 {
		return 0
	}

	return int64(float64(remaining) / p.AverageBytesPerSecond)
}
