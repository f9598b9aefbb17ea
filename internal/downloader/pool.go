package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/rip-stream/ripstream/internal/content"
	"github.com/rip-stream/ripstream/internal/logctx"
	"github.com/rip-stream/ripstream/internal/queue"
	"golang.org/x/sync/errgroup"
)

const defaultPollInterval = time.Second

// Pool runs a fixed set of workers that pull ready tasks from the queue,
// resolve them into content descriptors through the registered providers and
// feed the download results back into queue bookkeeping.
type Pool struct {
	ctrl    *Controller
	queue   *queue.Queue
	workers int
	poll    time.Duration
}

func NewPool(ctrl *Controller, q *queue.Queue, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	return &Pool{
		ctrl:    ctrl,
		queue:   q,
		workers: workers,
		poll:    defaultPollInterval,
	}
}

// Run blocks serving tasks until ctx is done, then drains its workers.
func (p *Pool) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting download workers", "workers", p.workers)

	wg, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		workerLogger := logger.With("worker_id", GenerateWorkerID())

		wg.Go(func() error {
			p.work(logctx.WithLogger(ctx, workerLogger))

			return nil
		})
	}

	return wg.Wait()
}

func (p *Pool) work(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Debug("download worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("shutting down download worker")

			return
		}

		task, ok := p.queue.GetNextTask(ctx, p.poll)
		if !ok {
			continue
		}

		p.process(ctx, task)
	}
}

func (p *Pool) process(ctx context.Context, task queue.Task) {
	logger := logctx.LoggerFromContext(ctx).With(
		"task_id", task.ID,
		"content_id", task.ContentID,
		"source", task.Source,
	)
	ctx = logctx.WithLogger(ctx, logger)

	logger.Debug("picked up task", "title", task.Title, "priority", task.Priority)

	provider, ok := p.ctrl.Provider(task.Source)
	if !ok {
		p.queue.FailTask(task.ID, fmt.Sprintf("no provider registered for source %q", task.Source))

		return
	}

	item, err := provider.GetDownloadInfo(ctx, task.ContentID)
	if err != nil {
		logger.Error("failed to resolve download info", "err", err)
		p.queue.FailTask(task.ID, err.Error())

		return
	}

	overlayTask(item, task)

	// The task ID doubles as the progress-tracking key so queue progress
	// subscriptions line up with tracker updates.
	result := p.ctrl.Download(ctx, item, &Options{DownloadID: task.ID})

	switch {
	case result.Success:
		p.queue.CompleteTask(task.ID)
	case result.Cancelled() || ctx.Err() != nil:
		// A cancelled run must not burn a retry. When the cancel came
		// through the API the task is already CANCELLED and this is a no-op.
		p.queue.CancelTask(task.ID)
	default:
		p.queue.FailTask(task.ID, result.ErrorMessage)
	}
}

// overlayTask folds operator-supplied naming and metadata from the task onto
// the resolved item. The catalog only knows what the origin told it; whoever
// enqueued the task usually knows better.
func overlayTask(item *content.Content, task queue.Task) {
	if task.Title != "" {
		item.Title = task.Title
	}

	if task.Artist != "" {
		item.Artist = task.Artist
	}

	if task.Album != "" {
		item.Album = task.Album
	}

	if len(task.Metadata) == 0 {
		return
	}

	if item.Metadata == nil {
		item.Metadata = make(map[string]string, len(task.Metadata))
	}

	for k, v := range task.Metadata {
		item.Metadata[k] = v
	}
}
