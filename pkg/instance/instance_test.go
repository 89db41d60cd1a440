package instance

import (
	"testing"
	"time"

	"github.com/cuemby/labord/pkg/graph"
	"github.com/cuemby/labord/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleStepGraph(t *testing.T, processID, container string) *graph.Graph {
	t.Helper()
	g := graph.New(processID)
	labware := g.AddLabware(graph.LabwareNode{ContainerName: container, StartDevice: "Storage", StartSlot: 0})
	op := g.AddOperation(graph.OperationNode{
		Fct: "incubate", DeviceKind: string(types.DeviceKindIncubator),
		Containers: []string{container}, ExpectedDuration: 10 * time.Second,
	})
	g.AddEdge(graph.Edge{From: labware, To: op, ContainerName: container})
	return g
}

func TestStartOnlyTransitionsPendingProcesses(t *testing.T) {
	inst := New()
	now := time.Now()
	require.NoError(t, inst.Submit(singleStepGraph(t, "p1", "A"), 0, 0, now))

	// Unknown id is ignored, not an error.
	inst.Start([]string{"does-not-exist", "p1"})
	assert.Equal(t, types.ProcessRunning, inst.Process("p1").Status)

	// Already-running process is left alone by a second Start call.
	inst.Start([]string{"p1"})
	assert.Equal(t, types.ProcessRunning, inst.Process("p1").Status)
}

func TestReadyStepsRespectsPauseAndStatus(t *testing.T) {
	inst := New()
	inst.SetDevices([]*types.Device{{Name: "Incubator1", Kind: types.DeviceKindIncubator, Capacity: 1}})
	now := time.Now()
	require.NoError(t, inst.Submit(singleStepGraph(t, "p1", "A"), 0, 0, now))

	// Pending process: nothing ready yet.
	assert.Empty(t, inst.ReadySteps())

	inst.Start([]string{"p1"})
	ready := inst.ReadySteps()
	require.Len(t, ready, 1)
	assert.Equal(t, "p1", ready[0].Key.ProcessID)

	inst.Pause("")
	assert.Empty(t, inst.ReadySteps(), "global pause must hide every ready step")
	inst.Resume("")
	assert.Len(t, inst.ReadySteps(), 1)

	inst.Pause("p1")
	assert.Equal(t, types.ProcessPaused, inst.Process("p1").Status)
	assert.Empty(t, inst.ReadySteps(), "a paused process contributes no ready steps")
	inst.Resume("p1")
	assert.Equal(t, types.ProcessRunning, inst.Process("p1").Status)
	assert.Len(t, inst.ReadySteps(), 1)
}

func TestCancelStopsUnstartedStepsButLeavesRunningAlone(t *testing.T) {
	inst := New()
	inst.SetDevices([]*types.Device{{Name: "Incubator1", Kind: types.DeviceKindIncubator, Capacity: 1}})
	now := time.Now()
	g := singleStepGraph(t, "p1", "A")
	require.NoError(t, inst.Submit(g, 0, 0, now))
	inst.Start([]string{"p1"})

	key := StepKey{ProcessID: "p1", NodeID: g.Nodes[1].ID}
	inst.MarkRunning(key, "Incubator1", now)

	inst.Cancel("p1")
	assert.Equal(t, types.ProcessCancelled, inst.Process("p1").Status)
	assert.Equal(t, types.StepRunning, inst.StepState(key).Status, "in-flight steps are left for the Executor to settle")
}

// A branch gated on a measurement threshold prunes the untaken side once its
// variable resolves, matching the edge-driven resolution this engine uses:
// a variable only resolves via an explicit edge from its producing operation,
// and a branch-gated successor only becomes ready via an explicit edge from
// the branch node itself.
func TestOnCompleteResolvesVariableAndPrunesBranch(t *testing.T) {
	inst := New()
	inst.SetDevices([]*types.Device{
		{Name: "Reader", Kind: types.DeviceKindPlateReader, Capacity: 1},
		{Name: "Incubator1", Kind: types.DeviceKindIncubator, Capacity: 1},
	})
	now := time.Now()

	g := graph.New("p1")
	labware := g.AddLabware(graph.LabwareNode{ContainerName: "A", StartDevice: "Storage", StartSlot: 0})
	measure := g.AddOperation(graph.OperationNode{Fct: "measure", DeviceKind: string(types.DeviceKindPlateReader), Containers: []string{"A"}, ExpectedDuration: time.Second})
	v := g.AddVariable(graph.VariableNode{Name: "measurement", ProducedBy: measure})
	comp := g.AddComputation(graph.ComputationNode{Fct: "gt:0.6", Inputs: []graph.NodeID{v}})
	trueOp := g.AddOperation(graph.OperationNode{Fct: "noop", DeviceKind: string(types.DeviceKindPlateReader), Containers: []string{"A"}, ExpectedDuration: time.Second})
	falseOp := g.AddOperation(graph.OperationNode{Fct: "incubate", DeviceKind: string(types.DeviceKindIncubator), Containers: []string{"A"}, ExpectedDuration: time.Second})
	branch := g.AddBranch(graph.BranchNode{PredicateInputs: []graph.NodeID{comp}, TrueSuccessor: trueOp, FalseSuccessor: falseOp})
	g.AddEdge(graph.Edge{From: labware, To: measure, ContainerName: "A"})
	g.AddEdge(graph.Edge{From: measure, To: v, ContainerName: "A"})
	g.AddEdge(graph.Edge{From: branch, To: trueOp, ContainerName: "A"})
	g.AddEdge(graph.Edge{From: branch, To: falseOp, ContainerName: "A"})

	require.NoError(t, inst.Submit(g, 0, 0, now))
	inst.Start([]string{"p1"})

	measureKey := StepKey{ProcessID: "p1", NodeID: measure}
	require.Len(t, inst.ReadySteps(), 1)
	inst.MarkRunning(measureKey, "Reader", now)

	below := 0.4
	inst.OnComplete(measureKey, Outcome{Status: OutcomeOK, Finish: now.Add(time.Second), Value: &below})

	require.True(t, g.Node(v).Variable.Resolved)
	require.True(t, g.Node(branch).Branch.Resolved)
	assert.False(t, g.Node(branch).Branch.Outcome, "0.4 is not greater than 0.6, the false side should be chosen")
	assert.True(t, g.Node(trueOp).Pruned, "the true side should be pruned")
	assert.False(t, g.Node(falseOp).Pruned)

	ready := inst.ReadySteps()
	require.Len(t, ready, 1)
	assert.Equal(t, falseOp, ready[0].Key.NodeID)
}

func TestExportImportRoundTrip(t *testing.T) {
	inst := New()
	inst.SetDevices([]*types.Device{{Name: "Incubator1", Kind: types.DeviceKindIncubator, Capacity: 1}})
	now := time.Now()
	g := singleStepGraph(t, "p1", "A")
	require.NoError(t, inst.Submit(g, 3, 5, now))
	inst.Start([]string{"p1"})
	inst.Pause("")

	key := StepKey{ProcessID: "p1", NodeID: g.Nodes[1].ID}
	inst.MarkRunning(key, "Incubator1", now)

	snap := inst.Export()

	restored := New()
	restored.Import(snap)

	assert.True(t, restored.Paused(""))
	rec := restored.Process("p1")
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Priority)
	assert.Equal(t, 5, rec.DelayMinutes)
	assert.Equal(t, types.ProcessRunning, rec.Status)

	st := restored.StepState(key)
	require.NotNil(t, st)
	assert.Equal(t, types.StepRunning, st.Status)
	assert.Equal(t, "Incubator1", st.AssignedDevice)

	// The device catalogue is deliberately not part of the snapshot; callers
	// replay configure_lab separately after a restart.
	assert.Empty(t, restored.Devices())
}
