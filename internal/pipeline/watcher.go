package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/task"
)

// CancelWatcher polls an output's persisted status and cancels a derived
// context once it turns CANCEL, so in-flight calls abort promptly even
// though cancellation is requested through the store.
type CancelWatcher struct {
	store    store.Store
	outputID string
	interval time.Duration

	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// WatchOutput starts a watcher. The returned context is cancelled when the
// output is cancelled or deleted, or when Stop is called.
func WatchOutput(ctx context.Context, s store.Store, outputID string, interval time.Duration) (context.Context, *CancelWatcher) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &CancelWatcher{
		store:    s,
		outputID: outputID,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(wctx)
	return wctx, w
}

func (w *CancelWatcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Check(ctx) {
				return
			}
		}
	}
}

// Check reads the live status once. It reports true when the output is
// cancelled and cancels the watched context.
func (w *CancelWatcher) Check(ctx context.Context) bool {
	if w.cancelled.Load() {
		return true
	}
	status, err := w.store.GetOutputStatus(ctx, w.outputID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		if ctx.Err() == nil {
			logger.FromContext(ctx).Warn("Cancel poll failed", "output_id", w.outputID, "error", err)
		}
		return false
	case status != task.OutputCancel:
		return false
	}
	w.cancelled.Store(true)
	w.cancel()
	return true
}

// Cancelled reports whether cancellation has been observed.
func (w *CancelWatcher) Cancelled() bool { return w.cancelled.Load() }

// MarkCancelled records a cancellation observed elsewhere, such as a
// conditional write that was rejected.
func (w *CancelWatcher) MarkCancelled() {
	w.cancelled.Store(true)
	w.cancel()
}

// Stop ends polling and releases the derived context.
func (w *CancelWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
	})
}
