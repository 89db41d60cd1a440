package core

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/labord/pkg/events"
	"github.com/cuemby/labord/pkg/executor"
	"github.com/cuemby/labord/pkg/graph"
	"github.com/cuemby/labord/pkg/instance"
	"github.com/cuemby/labord/pkg/log"
	"github.com/cuemby/labord/pkg/store"
	"github.com/cuemby/labord/pkg/types"
	"github.com/cuemby/labord/pkg/workflow"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// ParseFunc turns a submitted process-description source into a Workflow
// Graph. workflow.Parse is the default; any deployment with a richer
// external parser can supply its own matching function.
type ParseFunc func(processID, source string) (*graph.Graph, error)

// CoreFSM is the raft.FSM applied identically by every core-loop replica. It
// owns the only writes to the Status Store and the Scheduling Instance,
// which keeps every replica's view consistent regardless of which one is
// leader at a given moment. Apply must stay deterministic: every timestamp
// it needs arrives pre-stamped in the command payload, set once by the
// leader that proposed it, rather than read from time.Now() here.
type CoreFSM struct {
	store  store.Store
	inst   *instance.Instance
	exec   *executor.Executor
	broker *events.Broker
	parse  ParseFunc
	logger zerolog.Logger
}

// NewCoreFSM creates a CoreFSM over st and inst. exec is the local Executor;
// only the node that happens to be leader actually dispatches through it,
// but pause/resume/simulation toggles are harmless to replicate everywhere.
// broker may be nil.
func NewCoreFSM(st store.Store, inst *instance.Instance, exec *executor.Executor, broker *events.Broker) *CoreFSM {
	return &CoreFSM{
		store:  st,
		inst:   inst,
		exec:   exec,
		broker: broker,
		parse:  workflow.Parse,
		logger: log.WithComponent("core-fsm"),
	}
}

// SetParseFunc overrides the process-description parser. Must be called
// before the FSM starts applying submit_process commands.
func (f *CoreFSM) SetParseFunc(p ParseFunc) { f.parse = p }

func (f *CoreFSM) publish(eventType events.EventType, message string, meta map[string]string) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  meta,
	})
}

// Apply applies one replicated command. The return value becomes the
// response future.Response() observes at the proposing node.
func (f *CoreFSM) Apply(l *raft.Log) interface{} {
	var cmd types.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	switch cmd.Op {
	case types.OpSubmitProcess:
		return f.applySubmitProcess(cmd.Data)
	case types.OpStartProcess:
		return f.applyStartProcess(cmd.Data)
	case types.OpCancelProcess:
		return f.applyCancelProcess(cmd.Data)
	case types.OpCommitStep:
		return f.applyCommitStep(cmd.Data)
	case types.OpDeviceAvailability:
		return f.applyDeviceAvailability(cmd.Data)
	case types.OpConfigureLab:
		return f.applyConfigureLab(cmd.Data)
	case types.OpSetSimulation:
		return f.applySetSimulation(cmd.Data)
	case types.OpPause:
		return f.applyPause(cmd.Data)
	case types.OpResume:
		return f.applyResume(cmd.Data)
	default:
		return fmt.Errorf("unknown command op %q", cmd.Op)
	}
}

func (f *CoreFSM) applySubmitProcess(data []byte) error {
	var p types.SubmitProcessPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	proc := &types.Process{
		ID:           p.ProcessID,
		Name:         p.Name,
		Source:       p.Source,
		Priority:     p.Priority,
		DelayMinutes: p.DelayMinutes,
		Status:       types.ProcessPending,
		CreatedAt:    p.SubmittedAt,
	}

	g, err := f.parse(p.ProcessID, p.Source)
	if err != nil {
		proc.Status = types.ProcessFailed
		proc.ErrorKind = types.ErrConfigError
		proc.ErrorMessage = err.Error()
		_ = f.store.CreateProcess(proc)
		f.publish(events.EventProcessFailed, fmt.Sprintf("process %s failed to parse: %v", p.ProcessID, err), map[string]string{"process_id": p.ProcessID})
		return err
	}

	if err := f.inst.Submit(g, p.Priority, p.DelayMinutes, p.SubmittedAt); err != nil {
		proc.Status = types.ProcessFailed
		proc.ErrorKind = types.ErrConfigError
		proc.ErrorMessage = err.Error()
		_ = f.store.CreateProcess(proc)
		f.publish(events.EventProcessFailed, fmt.Sprintf("process %s rejected: %v", p.ProcessID, err), map[string]string{"process_id": p.ProcessID})
		return err
	}

	if err := f.store.CreateProcess(proc); err != nil {
		return err
	}
	if err := f.createContainers(g, p.SubmittedAt); err != nil {
		proc.Status = types.ProcessFailed
		proc.ErrorKind = types.ErrConfigError
		proc.ErrorMessage = err.Error()
		_ = f.store.UpdateProcess(proc)
		f.publish(events.EventProcessFailed, fmt.Sprintf("process %s rejected: %v", p.ProcessID, err), map[string]string{"process_id": p.ProcessID})
		return err
	}
	if err := f.store.CreateExperiment(&types.Experiment{ID: p.ProcessID, ProcessID: p.ProcessID, StartedAt: p.SubmittedAt}); err != nil {
		f.logger.Error().Err(err).Str("process", p.ProcessID).Msg("create experiment failed")
	}
	f.publish(events.EventProcessSubmitted, fmt.Sprintf("process %s submitted", p.ProcessID), map[string]string{"process_id": p.ProcessID})
	return nil
}

// createContainers registers a Status Store record for every labware node in
// g that isn't already tracked under its barcode, so a process submitted
// against labware left behind by an earlier run picks up where that labware
// actually sits rather than being reset to its graph's starting position.
func (f *CoreFSM) createContainers(g *graph.Graph, now time.Time) error {
	for i := range g.Nodes {
		n := g.Nodes[i].Labware
		if n == nil {
			continue
		}
		if existing, err := f.store.ContainerByBarcode(n.ContainerName); err == nil && existing != nil {
			continue
		}
		c := &types.Container{
			ID:          uuid.NewString(),
			Barcode:     n.ContainerName,
			CurrentPos:  types.Position{Device: n.StartDevice, Slot: n.StartSlot},
			StartingPos: types.Position{Device: n.StartDevice, Slot: n.StartSlot},
			Lidded:      n.Lidded,
			LabwareType: n.LabwareType,
			CreatedAt:   now,
		}
		if err := f.store.AddContainer(c); err != nil {
			return fmt.Errorf("labware %q: %w", n.ContainerName, err)
		}
	}
	return nil
}

func (f *CoreFSM) applyStartProcess(data []byte) error {
	var p types.StartProcessPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	f.inst.Start(p.ProcessIDs)
	for _, id := range p.ProcessIDs {
		f.transitionStoreProcess(id, types.ProcessRunning, "")
	}
	return nil
}

func (f *CoreFSM) applyCancelProcess(data []byte) error {
	var p types.CancelProcessPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	f.inst.Cancel(p.ProcessID)
	f.transitionStoreProcess(p.ProcessID, types.ProcessCancelled, "")
	f.publish(events.EventProcessCancelled, fmt.Sprintf("process %s cancelled", p.ProcessID), map[string]string{"process_id": p.ProcessID})
	return nil
}

func (f *CoreFSM) applyDeviceAvailability(data []byte) error {
	var p types.DeviceAvailabilityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	d := p.Device
	f.inst.UpdateDeviceAvailability(&d)
	if existing, err := f.store.GetDevice(d.Name); err == nil && existing != nil {
		return f.store.UpdateDevice(&d)
	}
	return f.store.CreateDevice(&d)
}

func (f *CoreFSM) applyConfigureLab(data []byte) error {
	var p types.ConfigureLabPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	devices := make([]*types.Device, len(p.Devices))
	for i := range p.Devices {
		devices[i] = &p.Devices[i]
	}
	f.inst.SetDevices(devices)
	for _, d := range devices {
		if existing, err := f.store.GetDevice(d.Name); err == nil && existing != nil {
			if err := f.store.UpdateDevice(d); err != nil {
				return err
			}
			continue
		}
		if err := f.store.CreateDevice(d); err != nil {
			return err
		}
	}
	return nil
}

func (f *CoreFSM) applySetSimulation(data []byte) error {
	var p types.SetSimulationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if f.exec != nil {
		f.exec.SetSimulation(p.On, p.Speed)
	}
	return nil
}

func (f *CoreFSM) applyPause(data []byte) error {
	var p types.PauseResumePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	f.inst.Pause(p.Scope)
	if f.exec != nil {
		f.exec.Pause(p.Scope)
	}
	return nil
}

func (f *CoreFSM) applyResume(data []byte) error {
	var p types.PauseResumePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	f.inst.Resume(p.Scope)
	if f.exec != nil {
		f.exec.Resume(p.Scope)
	}
	return nil
}

// applyCommitStep applies the terminal outcome the leader's Executor
// observed for one step: the Status Store's container/history mutation and
// the Scheduling Instance's bookkeeping must land together on every
// replica, which is exactly what routing this through Apply buys us.
func (f *CoreFSM) applyCommitStep(data []byte) error {
	var p types.CommitStepPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	key := instance.StepKey{ProcessID: p.ProcessID, NodeID: graph.NodeID(p.NodeID)}
	g := f.inst.Graph(p.ProcessID)
	if g == nil {
		return fmt.Errorf("commit_step: unknown process %s", p.ProcessID)
	}
	node := g.Node(key.NodeID)
	if node == nil || node.Kind != graph.KindOperation {
		return fmt.Errorf("commit_step: %s/%d is not an operation node", p.ProcessID, p.NodeID)
	}
	op := node.Operation

	if p.Status == types.ObservationOK {
		if err := f.applyContainerEffects(op, p); err != nil {
			f.logger.Error().Err(err).Str("process", p.ProcessID).Msg("commit step store mutation failed")
			p.Status = types.ObservationFailed
			p.FailureReason = err.Error()
		}
	}

	if err := f.recordHistory(op, p); err != nil {
		f.logger.Error().Err(err).Str("process", p.ProcessID).Msg("record step history failed")
	}

	outcome := instance.Outcome{Finish: p.Finish, Value: p.Value, Reason: p.FailureReason}
	switch p.Status {
	case types.ObservationOK:
		outcome.Status = instance.OutcomeOK
		f.publish(events.EventStepCompleted, fmt.Sprintf("step %s/%d completed", p.ProcessID, p.NodeID), map[string]string{"process_id": p.ProcessID})
	case types.ObservationCancelled:
		outcome.Status = instance.OutcomeCancelled
	case types.ObservationTimeout:
		outcome.Status = instance.OutcomeTimeout
		f.publish(events.EventStepFailed, fmt.Sprintf("step %s/%d timed out", p.ProcessID, p.NodeID), map[string]string{"process_id": p.ProcessID})
	default:
		outcome.Status = instance.OutcomeFailed
		f.publish(events.EventStepFailed, fmt.Sprintf("step %s/%d failed: %s", p.ProcessID, p.NodeID, p.FailureReason), map[string]string{"process_id": p.ProcessID})
	}
	f.inst.OnComplete(key, outcome)

	if outcome.Status != instance.OutcomeOK && outcome.Status != instance.OutcomeCancelled {
		f.transitionStoreProcess(p.ProcessID, types.ProcessFailed, p.FailureReason)
		f.inst.Cancel(p.ProcessID)
		f.publish(events.EventProcessFailed, fmt.Sprintf("process %s failed: %s", p.ProcessID, p.FailureReason), map[string]string{"process_id": p.ProcessID})
		return nil
	}

	if f.processSettled(p.ProcessID) {
		f.transitionStoreProcess(p.ProcessID, types.ProcessCompleted, "")
		f.publish(events.EventProcessCompleted, fmt.Sprintf("process %s completed", p.ProcessID), map[string]string{"process_id": p.ProcessID})
	}
	return nil
}

// applyContainerEffects performs the Status Store side effect of one
// operation node: a movement relocates its container, a lid/unlid fct
// changes lidded state. Non-movement, non-lid operations (reads, incubation)
// have no Store-visible effect beyond history.
func (f *CoreFSM) applyContainerEffects(op *graph.OperationNode, p types.CommitStepPayload) error {
	switch {
	case op.IsMovement:
		dstDevice := op.Params["dst_device"]
		dstSlot := atoiOrZero(op.Params["dst_slot"])
		srcDevice := op.Params["src_device"]
		srcSlot := atoiOrZero(op.Params["src_slot"])
		for _, containerName := range op.Containers {
			if err := f.store.MoveContainer(srcDevice, srcSlot, dstDevice, dstSlot, containerName); err != nil {
				return err
			}
			f.inst.SetContainerPosition(containerName, types.Position{Device: dstDevice, Slot: dstSlot})
		}
	case op.Fct == "lid":
		lidDevice := op.Params["lid_device"]
		lidSlot := atoiOrZero(op.Params["lid_slot"])
		for _, containerName := range op.Containers {
			if err := f.store.Lid(containerName, lidDevice, lidSlot, true); err != nil {
				return err
			}
		}
	case op.Fct == "unlid":
		lidDevice := op.Params["lid_device"]
		lidSlot := atoiOrZero(op.Params["lid_slot"])
		for _, containerName := range op.Containers {
			if err := f.store.Unlid(containerName, lidDevice, lidSlot); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *CoreFSM) recordHistory(op *graph.OperationNode, p types.CommitStepPayload) error {
	return f.store.RecordStep(&types.HistoryRecord{
		ID:            uuid.NewString(),
		ExperimentID:  p.ProcessID,
		ProcessID:     p.ProcessID,
		StepID:        fmt.Sprintf("%s/%d", p.ProcessID, p.NodeID),
		Containers:    op.Containers,
		Device:        p.Device,
		Start:         p.Start,
		Finish:        p.Finish,
		Status:        p.Status,
		Value:         p.Value,
		Params:        op.Params,
		FailureReason: p.FailureReason,
	})
}

// processSettled reports whether every non-pruned operation node of
// processID has reached a terminal step status.
func (f *CoreFSM) processSettled(processID string) bool {
	g := f.inst.Graph(processID)
	if g == nil {
		return false
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Kind != graph.KindOperation || n.Pruned {
			continue
		}
		st := f.inst.StepState(instance.StepKey{ProcessID: processID, NodeID: n.ID})
		if st == nil {
			return false
		}
		switch st.Status {
		case types.StepCompleted, types.StepCancelled, types.StepFailed:
		default:
			return false
		}
	}
	return true
}

func (f *CoreFSM) transitionStoreProcess(processID string, status types.ProcessStatus, errMessage string) {
	proc, err := f.store.GetProcess(processID)
	if err != nil || proc == nil {
		return
	}
	proc.Status = status
	if errMessage != "" {
		proc.ErrorKind = types.ErrStepFailure
		proc.ErrorMessage = errMessage
	}
	if status == types.ProcessCompleted || status == types.ProcessFailed || status == types.ProcessCancelled {
		proc.FinishedAt = time.Now()
	}
	if err := f.store.UpdateProcess(proc); err != nil {
		f.logger.Error().Err(err).Str("process", processID).Msg("update process status failed")
	}
}

func atoiOrZero(s string) int {
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

// Snapshot captures the Scheduling Instance's live state for raft log
// compaction. The Status Store is not included: every replica's bbolt file
// already holds the same durable state because store mutations only ever
// happen inside Apply, so there is nothing to recover there that the log
// itself (or this snapshot, for the truncated prefix) doesn't already cover.
func (f *CoreFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &coreSnapshot{snap: f.inst.Export()}, nil
}

// Restore replaces the Scheduling Instance with the snapshot's contents. The
// device catalogue is not part of this snapshot; callers must ensure
// configure_lab/device_availability commands already on the log (or a
// separate bootstrap step) repopulate it.
func (f *CoreFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap instance.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	f.inst.Import(&snap)
	return nil
}

type coreSnapshot struct {
	snap *instance.Snapshot
}

func (s *coreSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.snap)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *coreSnapshot) Release() {}
