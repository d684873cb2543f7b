package batch

import (
	"context"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"

	clog "github.com/openshift/op-mirror/internal/pkg/log"
)

// PushTask is one unit of replication work.
type PushTask struct {
	Description string
	Run         func(ctx context.Context) error
}

type WorkerInterface interface {
	// Push runs the tasks through the bounded worker pool. The first
	// failing task cancels the rest and is returned as an UnsafeError.
	Push(ctx context.Context, label string, tasks []PushTask) error
}

type ConcurrentWorker struct {
	Log       clog.PluggableLoggerInterface
	BatchSize uint
	Progress  bool
}

func NewConcurrentWorker(log clog.PluggableLoggerInterface, batchSize uint, progress bool) WorkerInterface {
	if batchSize == 0 {
		batchSize = 8
	}
	return &ConcurrentWorker{Log: log, BatchSize: batchSize, Progress: progress}
}

func (o *ConcurrentWorker) Push(ctx context.Context, label string, tasks []PushTask) error {
	if len(tasks) == 0 {
		return nil
	}
	o.Log.Info("🚀 Start %s (%d)...", label, len(tasks))

	var bar *mpb.Bar
	var progress *mpb.Progress
	if o.Progress {
		progress = mpb.New()
		bar = progress.AddBar(int64(len(tasks)),
			mpb.PrependDecorators(decor.Name(label+" ")),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)
	}

	var completed atomic.Int64
	wg, groupCtx := errgroup.WithContext(ctx)
	wg.SetLimit(int(o.BatchSize))
	for _, task := range tasks {
		wg.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			if err := task.Run(groupCtx); err != nil {
				return NewUnsafeError(task.Description, err)
			}
			completed.Add(1)
			if bar != nil {
				bar.Increment()
			}
			o.Log.Trace("completed %s", task.Description)
			return nil
		})
	}
	err := wg.Wait()
	if progress != nil {
		if err != nil {
			bar.Abort(false)
		}
		progress.Wait()
	}
	if err != nil {
		o.Log.Error("%s failed after %d/%d tasks: %v", label, completed.Load(), len(tasks), err)
		return err
	}
	o.Log.Info("%s completed %d / %d ✅", label, completed.Load(), len(tasks))
	return nil
}
