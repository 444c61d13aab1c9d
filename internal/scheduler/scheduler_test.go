package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/donsqualo/clawdorio/internal/scheduler"
	"github.com/donsqualo/clawdorio/internal/testutil"
)

func TestRunStopsWhenContextCanceled(t *testing.T) {
	testutil.NewStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	l := scheduler.New()

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler.Run did not return after context cancellation")
	}
}
