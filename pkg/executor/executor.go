// Package executor drives a Plan against device adapters, commits outcomes
// to the Status Store, and signals the core loop when a re-plan is needed.
// Dispatch and HandleEvent are meant to be called only from the core loop's
// single writer goroutine; adapter I/O itself runs on background goroutines
// that communicate back over Events(), matching the engine's message-passing
// discipline.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/labord/pkg/adapter"
	"github.com/cuemby/labord/pkg/graph"
	"github.com/cuemby/labord/pkg/instance"
	"github.com/cuemby/labord/pkg/log"
	"github.com/cuemby/labord/pkg/metrics"
	"github.com/cuemby/labord/pkg/scheduler"
	"github.com/cuemby/labord/pkg/store"
	"github.com/cuemby/labord/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTimeoutFactor is the per-kind timeout multiplier: exceeding
// scheduled_duration * factor marks the step failed.
const DefaultTimeoutFactor = 2.0

// DefaultSlack is how far past its scheduled duration a step may run before
// the executor treats the plan as stale and asks for a short re-plan,
// without yet failing the step.
const DefaultSlack = 15 * time.Second

// Committer applies a step's terminal outcome to the replicated core-loop
// log. The core loop's FSM performs the actual Status Store and Scheduling
// Instance mutation once the command commits, so every replica — not just
// the leader driving this Executor — ends up with the same view.
type Committer interface {
	CommitStep(payload types.CommitStepPayload) error
}

type inflightStep struct {
	key               instance.StepKey
	device            string
	handle            adapter.Handle
	start             time.Time
	scheduledDuration time.Duration
	cancel            context.CancelFunc
	deviationFlagged  bool
}

// StepEvent is one observation delivered from a device adapter back to the
// core loop.
type StepEvent struct {
	Key         instance.StepKey
	Observation adapter.Observation
	Terminal    bool
}

// Executor dispatches ready steps of a Plan and commits their outcomes.
type Executor struct {
	mu sync.Mutex

	store     store.Store
	inst      *instance.Instance
	committer Committer

	adapters   map[types.DeviceKind]adapter.Adapter
	simAdapter *adapter.SimulatedAdapter
	simulation bool

	paused          bool
	pausedProcesses map[string]bool

	inflight map[instance.StepKey]*inflightStep
	events   chan StepEvent

	timeoutFactor float64
	slack         time.Duration

	logger zerolog.Logger
}

// New creates an Executor over st and inst, dispatching to adapters keyed by
// device kind. simAdapter backs simulation mode regardless of which real
// adapter a device kind normally uses. committer is where terminal step
// outcomes are sent to be committed through the replicated log.
func New(st store.Store, inst *instance.Instance, committer Committer, adapters map[types.DeviceKind]adapter.Adapter, simAdapter *adapter.SimulatedAdapter) *Executor {
	return &Executor{
		store:           st,
		inst:            inst,
		committer:       committer,
		adapters:        adapters,
		simAdapter:      simAdapter,
		pausedProcesses: make(map[string]bool),
		inflight:        make(map[instance.StepKey]*inflightStep),
		events:          make(chan StepEvent, 64),
		timeoutFactor:   DefaultTimeoutFactor,
		slack:           DefaultSlack,
		logger:          log.WithComponent("executor"),
	}
}

// Events returns the channel the core loop selects on for adapter observations.
func (e *Executor) Events() <-chan StepEvent { return e.events }

// SetSimulation toggles simulation mode and, if speed > 0, updates the
// simulated adapter's acceleration factor.
func (e *Executor) SetSimulation(on bool, speed float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.simulation = on
	if on && e.simAdapter != nil && speed > 0 {
		e.simAdapter.SetSpeed(speed)
	}
}

// Pause halts new dispatches globally (processID == "") or for one process.
func (e *Executor) Pause(processID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if processID == "" {
		e.paused = true
		return
	}
	e.pausedProcesses[processID] = true
}

// Resume re-enables dispatch globally or for one process.
func (e *Executor) Resume(processID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if processID == "" {
		e.paused = false
		return
	}
	delete(e.pausedProcesses, processID)
}

// CancelInflight attempts a cooperative cancel on every in-flight step of
// processID. It never touches the Scheduling Instance: that mutation goes
// through the replicated log (instance.Instance.Cancel, applied by the core
// loop's FSM) so every replica agrees on which steps were cancelled. Only the
// leader's Executor actually drives adapters, so only the leader should call
// this — a follower has no inflight entries to cancel in the first place.
func (e *Executor) CancelInflight(ctx context.Context, processID string) {
	e.mu.Lock()
	var toCancel []*inflightStep
	for key, infl := range e.inflight {
		if key.ProcessID == processID {
			toCancel = append(toCancel, infl)
		}
	}
	e.mu.Unlock()

	for _, infl := range toCancel {
		go func(h adapter.Handle) {
			_, _ = h.Cancel(ctx)
		}(infl.handle)
	}
}

func stepID(key instance.StepKey) string {
	return fmt.Sprintf("%s/%d", key.ProcessID, key.NodeID)
}

func (e *Executor) selectAdapter(kind types.DeviceKind) adapter.Adapter {
	if e.simulation && e.simAdapter != nil {
		return e.simAdapter
	}
	return e.adapters[kind]
}

// Dispatch submits every assignment in plan whose earliest start has arrived
// and whose preconditions hold. Steps whose containers are not where the
// plan expects transition to blocked instead of dispatching.
func (e *Executor) Dispatch(ctx context.Context, plan *scheduler.Plan, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return
	}

	for key, a := range plan.Assignments {
		if _, already := e.inflight[key]; already {
			continue
		}
		if a.Start.After(now) {
			continue
		}
		if e.pausedProcesses[key.ProcessID] {
			continue
		}
		st := e.inst.StepState(key)
		if st == nil {
			continue
		}
		if st.Status != types.StepPending && st.Status != types.StepBlocked {
			continue
		}

		g := e.inst.Graph(key.ProcessID)
		node := g.Node(key.NodeID).Operation

		if !e.preconditionsMet(node) {
			e.inst.MarkBlocked(key)
			continue
		}

		ad := e.selectAdapter(types.DeviceKind(node.DeviceKind))
		if ad == nil {
			e.logger.Error().Str("device_kind", node.DeviceKind).Msg("no adapter registered for device kind")
			continue
		}

		stepCtx, cancel := context.WithCancel(ctx)
		handle, err := ad.Submit(stepCtx, adapter.Step{
			ProcessID:        key.ProcessID,
			StepID:           stepID(key),
			Fct:              node.Fct,
			Device:           a.Device,
			Containers:       node.Containers,
			Params:           node.Params,
			ExpectedDuration: node.ExpectedDuration,
			IsMovement:       node.IsMovement,
		})
		if err != nil {
			cancel()
			e.logger.Error().Err(err).Str("step", stepID(key)).Msg("submit to device adapter failed")
			e.events <- StepEvent{Key: key, Observation: adapter.Observation{Status: types.ObservationFailed}, Terminal: true}
			continue
		}

		e.inst.MarkRunning(key, a.Device, now)
		infl := &inflightStep{key: key, device: a.Device, handle: handle, start: now, scheduledDuration: node.ExpectedDuration, cancel: cancel}
		e.inflight[key] = infl
		metrics.StepsDispatched.Inc()

		go e.watch(infl, handle.Observe(stepCtx))
	}
}

// preconditionsMet re-verifies, at dispatch time, that every named container
// is currently at the position the step's movement parameters expect. Steps
// with no src_device/src_slot parameters (non-movement device operations)
// have nothing further to check beyond the readiness test already applied
// when the step entered the Plan.
func (e *Executor) preconditionsMet(node *graph.OperationNode) bool {
	srcDevice, hasSrc := node.Params["src_device"]
	if !hasSrc {
		return true
	}
	srcSlot, err := strconv.Atoi(node.Params["src_slot"])
	if err != nil {
		return true
	}
	c, err := e.store.ContainerAt(srcDevice, srcSlot)
	if err != nil || c == nil {
		return false
	}
	for _, want := range node.Containers {
		if c.ID == want || c.Barcode == want {
			return true
		}
	}
	return false
}

func (e *Executor) watch(infl *inflightStep, ch <-chan adapter.Observation) {
	for obs := range ch {
		terminal := isTerminal(obs.Status)
		e.events <- StepEvent{Key: infl.key, Observation: obs, Terminal: terminal}
		if terminal {
			return
		}
	}
}

func isTerminal(status types.ObservationStatus) bool {
	switch status {
	case types.ObservationOK, types.ObservationFailed, types.ObservationCancelled, types.ObservationTimeout:
		return true
	}
	return false
}

// HandleEvent processes one terminal StepEvent: builds the step's outcome
// and sends it to the Committer so the core loop's FSM can apply it to the
// Status Store and Scheduling Instance through the replicated log. It
// reports whether a short re-plan should follow. Non-terminal (progress)
// events are ignored here — CheckDeviations is what watches elapsed time
// against slack.
func (e *Executor) HandleEvent(ev StepEvent) bool {
	e.mu.Lock()
	infl, ok := e.inflight[ev.Key]
	if ok {
		delete(e.inflight, ev.Key)
	}
	e.mu.Unlock()

	if !ok || !ev.Terminal {
		return false
	}
	infl.cancel()

	payload := types.CommitStepPayload{
		ProcessID: ev.Key.ProcessID,
		NodeID:    int64(ev.Key.NodeID),
		Device:    infl.device,
		Start:     infl.start,
		Finish:    time.Now(),
		Status:    ev.Observation.Status,
		Value:     ev.Observation.Value,
	}
	if ev.Observation.Status != types.ObservationOK {
		payload.FailureReason = string(ev.Observation.Status)
	}

	if err := e.committer.CommitStep(payload); err != nil {
		e.logger.Error().Err(err).Str("step", stepID(ev.Key)).Msg("commit step failed")
	}

	switch ev.Observation.Status {
	case types.ObservationOK:
		metrics.StepsCompleted.Inc()
	case types.ObservationCancelled:
	default:
		metrics.StepsFailed.Inc()
	}
	return true
}

// CheckDeviations flags in-flight steps that have run DefaultSlack past
// their scheduled duration, returning the set that newly crossed the
// threshold so the caller can trigger exactly one short re-plan per
// deviation rather than one per tick.
func (e *Executor) CheckDeviations(now time.Time) []instance.StepKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	var deviated []instance.StepKey
	for key, infl := range e.inflight {
		if infl.deviationFlagged {
			continue
		}
		if now.Sub(infl.start) > infl.scheduledDuration+e.slack {
			infl.deviationFlagged = true
			deviated = append(deviated, key)
		}
	}
	return deviated
}

// CheckTimeouts cancels and synthesizes a timeout observation for every
// in-flight step that has exceeded scheduledDuration * timeoutFactor.
func (e *Executor) CheckTimeouts(now time.Time) {
	e.mu.Lock()
	var timedOut []*inflightStep
	for _, infl := range e.inflight {
		limit := time.Duration(float64(infl.scheduledDuration) * e.timeoutFactor)
		if limit <= 0 {
			limit = time.Minute
		}
		if now.Sub(infl.start) > limit {
			timedOut = append(timedOut, infl)
		}
	}
	e.mu.Unlock()

	for _, infl := range timedOut {
		infl.cancel()
		e.events <- StepEvent{Key: infl.key, Observation: adapter.Observation{Status: types.ObservationTimeout}, Terminal: true}
	}
}
