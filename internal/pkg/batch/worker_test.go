package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clog "github.com/openshift/op-mirror/internal/pkg/log"
)

func TestConcurrentWorker(t *testing.T) {
	log := clog.New("error")
	ctx := context.Background()

	t.Run("Testing Push : should pass", func(t *testing.T) {
		worker := NewConcurrentWorker(log, 4, false)

		var completed atomic.Int64
		tasks := make([]PushTask, 0, 20)
		for i := 0; i < 20; i++ {
			tasks = append(tasks, PushTask{
				Description: fmt.Sprintf("task %d", i),
				Run: func(ctx context.Context) error {
					completed.Add(1)
					return nil
				},
			})
		}
		require.NoError(t, worker.Push(ctx, "copying blobs", tasks))
		assert.Equal(t, int64(20), completed.Load())
	})

	t.Run("Testing Push : empty batch is a no-op", func(t *testing.T) {
		worker := NewConcurrentWorker(log, 4, false)
		require.NoError(t, worker.Push(ctx, "copying blobs", nil))
	})

	t.Run("Testing Push : first failure aborts", func(t *testing.T) {
		worker := NewConcurrentWorker(log, 1, false)

		boom := fmt.Errorf("connection reset")
		var completed atomic.Int64
		tasks := []PushTask{
			{Description: "task ok", Run: func(ctx context.Context) error {
				completed.Add(1)
				return nil
			}},
			{Description: "task boom", Run: func(ctx context.Context) error {
				return boom
			}},
			{Description: "task skipped", Run: func(ctx context.Context) error {
				completed.Add(1)
				return nil
			}},
		}

		err := worker.Push(ctx, "copying blobs", tasks)
		require.Error(t, err)

		var unsafeErr *UnsafeError
		require.ErrorAs(t, err, &unsafeErr)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "task boom")
		// the batch size of 1 serializes the tasks, so the failure cancels
		// everything queued behind it
		assert.Equal(t, int64(1), completed.Load())
	})
}
