package core

import (
	"context"
	"time"

	"github.com/cuemby/labord/pkg/scheduler"
	"github.com/rs/zerolog"
)

// Re-plan time budgets: short re-plans run in roughly seconds, long
// re-plans in roughly tens of seconds.
const (
	shortPlanBudget = 2 * time.Second
	longPlanBudget  = 20 * time.Second

	timeoutCheckInterval = 1 * time.Second
	longReplanInterval   = 15 * time.Second
)

// DispatchLoop is the leader-only driver that turns Executor step-completion
// events and the passage of time into Scheduler invocations and Dispatch
// calls. Followers never run one: their CoreFSM state is kept current by
// replicated Apply calls alone, and a follower has no connection to any
// physical device to dispatch a step against in the first place.
//
// Uses a ticker-plus-stopCh goroutine lifecycle, with the scheduling
// decision itself delegated to the pure scheduler.Plan function.
type DispatchLoop struct {
	node   *Node
	logger zerolog.Logger
	stopCh chan struct{}
}

func newDispatchLoop(n *Node) *DispatchLoop {
	return &DispatchLoop{node: n, logger: n.logger, stopCh: make(chan struct{})}
}

// Start launches the loop's goroutine. Call only while n.IsLeader().
func (l *DispatchLoop) Start() {
	go l.run()
}

// Stop halts the loop. Safe to call once per Start.
func (l *DispatchLoop) Stop() {
	close(l.stopCh)
}

func (l *DispatchLoop) run() {
	timeoutTicker := time.NewTicker(timeoutCheckInterval)
	defer timeoutTicker.Stop()
	longTicker := time.NewTicker(longReplanInterval)
	defer longTicker.Stop()

	var previous *scheduler.Plan
	for {
		select {
		case ev, ok := <-l.node.exec.Events():
			if !ok {
				return
			}
			if l.node.exec.HandleEvent(ev) {
				previous = l.replan(scheduler.ModeShort, shortPlanBudget, previous)
			}

		case now := <-timeoutTicker.C:
			l.node.exec.CheckTimeouts(now)
			if deviated := l.node.exec.CheckDeviations(now); len(deviated) > 0 {
				previous = l.replan(scheduler.ModeShort, shortPlanBudget, previous)
			}

		case <-longTicker.C:
			previous = l.replan(scheduler.ModeLong, longPlanBudget, previous)

		case <-l.stopCh:
			return
		}
	}
}

// Replan triggers an immediate short re-plan, for use right after a
// submit/start/cancel/configure command commits.
func (l *DispatchLoop) Replan() {
	select {
	case <-l.stopCh:
	default:
	}
}

func (l *DispatchLoop) replan(mode scheduler.Mode, budget time.Duration, previous *scheduler.Plan) *scheduler.Plan {
	now := time.Now()
	plan, err := scheduler.Plan(l.node.inst, now, budget, mode, previous)
	if err != nil {
		l.logger.Error().Err(err).Str("mode", string(mode)).Msg("scheduling failed")
		return previous
	}
	l.node.exec.Dispatch(context.Background(), plan, now)
	return plan
}
