// Package scheduler drives the core's two polling loops: a tight claim loop
// that claims a runnable step, dispatches it to a Work implementation and
// finalizes its outcome, and a cron.Cron schedule (the same library and
// shape as the teacher's trigger engine) driving the auto-rebase reconciler
// and the global recovery sweep on their own slower cadences.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/donsqualo/clawdorio/internal/claim"
	"github.com/donsqualo/clawdorio/internal/executor"
	"github.com/donsqualo/clawdorio/internal/finalizer"
	"github.com/donsqualo/clawdorio/internal/rebase"
	"github.com/donsqualo/clawdorio/internal/reemit"
	"github.com/donsqualo/clawdorio/internal/store"
)

// TickInterval is the claim loop's idle polling interval.
const TickInterval = 700 * time.Millisecond

// ReconcileSchedule runs the auto-rebase reconciler roughly every 15s.
const ReconcileSchedule = "@every 15s"

// ReemitSchedule runs the global recovery sweep roughly every 20s.
const ReemitSchedule = "@every 20s"

// Loop is the C10 scheduler. Run blocks until ctx is canceled.
//
// The claim-execute-finalize cycle runs synchronously within the tick loop:
// only one step is ever in flight globally, and the next claim only happens
// once the previous step's work and finalization have both completed.
type Loop struct {
	cron *cron.Cron
}

func New() *Loop {
	return &Loop{cron: cron.New()}
}

func (l *Loop) Run(ctx context.Context) {
	if _, err := l.cron.AddFunc(ReconcileSchedule, func() {
		if err := rebase.Reconcile(store.DB); err != nil {
			log.Printf("scheduler: reconcile failed: %v", err)
		}
	}); err != nil {
		log.Printf("scheduler: failed to schedule reconciler: %v", err)
	}
	if _, err := l.cron.AddFunc(ReemitSchedule, func() {
		if _, err := reemit.Sweep(""); err != nil {
			log.Printf("scheduler: global reemit failed: %v", err)
		}
	}); err != nil {
		log.Printf("scheduler: failed to schedule reemit watchdog: %v", err)
	}
	l.cron.Start()
	defer l.cron.Stop()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := claim.Next(store.DB)
			if err != nil {
				log.Printf("scheduler: claim failed: %v", err)
				continue
			}
			if claimed == nil {
				continue
			}
			l.execute(ctx, claimed)
		}
	}
}

func (l *Loop) execute(ctx context.Context, c *claim.Claimed) {
	work, err := executor.Dispatch(c)
	if err != nil {
		if ferr := finalizer.Finish(c, "", err); ferr != nil {
			log.Printf("scheduler: finalize dispatch-error failed for step %s: %v", c.Step.ID, ferr)
		}
		return
	}

	out, runErr := work.Run(ctx)
	if err := finalizer.Finish(c, out, runErr); err != nil {
		log.Printf("scheduler: finalize failed for step %s: %v", c.Step.ID, err)
	}
}
