package runtime

import (
	"context"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Task is a long running loop that returns when ctx is cancelled.
type Task func(ctx context.Context) error

// RunTasks runs every task until ctx is done or one of them fails; the first
// failure cancels the rest.
func RunTasks(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		if task == nil {
			continue
		}
		task := task
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}
