package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/labord/pkg/graph"
	"github.com/cuemby/labord/pkg/instance"
	"github.com/cuemby/labord/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceCatalogue() []*types.Device {
	return []*types.Device{
		{Name: "Storage", Kind: types.DeviceKindStorage, Capacity: 8},
		{Name: "Incubator1", Kind: types.DeviceKindIncubator, Capacity: 2},
		{Name: "Reader", Kind: types.DeviceKindPlateReader, Capacity: 1},
		{Name: "C", Kind: types.DeviceKindCentrifuge, Capacity: 4, MinCapacity: 4},
	}
}

func singlePlateGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("p1")
	labware := g.AddLabware(graph.LabwareNode{ContainerName: "P1", StartDevice: "Storage", StartSlot: 0})
	incubate := g.AddOperation(graph.OperationNode{
		Fct: "incubate", DeviceKind: string(types.DeviceKindIncubator),
		Containers: []string{"P1"}, ExpectedDuration: 60 * time.Second, IsMovement: true,
	})
	read := g.AddOperation(graph.OperationNode{
		Fct: "read", DeviceKind: string(types.DeviceKindPlateReader),
		Containers: []string{"P1"}, ExpectedDuration: 10 * time.Second, IsMovement: true,
	})
	g.AddEdge(graph.Edge{From: labware, To: incubate, ContainerName: "P1"})
	g.AddEdge(graph.Edge{From: incubate, To: read, ContainerName: "P1"})
	return g
}

func TestPlanSchedulesReadyStepImmediately(t *testing.T) {
	inst := instance.New()
	inst.SetDevices(deviceCatalogue())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, inst.Submit(singlePlateGraph(t), 0, 0, now))
	inst.Start([]string{"p1"})

	plan, err := Plan(inst, now, time.Second, ModeLong, nil)
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 1)

	for key, a := range plan.Assignments {
		assert.Equal(t, "p1", key.ProcessID)
		assert.Equal(t, "Incubator1", a.Device)
		assert.True(t, a.Start.Equal(now) || a.Start.After(now))
		assert.Equal(t, 60*time.Second, a.Finish.Sub(a.Start))
	}
}

func TestPlanRejectsCentrifugeBelowMinCapacity(t *testing.T) {
	inst := instance.New()
	inst.SetDevices(deviceCatalogue())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	g := graph.New("p2")
	l1 := g.AddLabware(graph.LabwareNode{ContainerName: "A", StartDevice: "Storage", StartSlot: 0})
	l2 := g.AddLabware(graph.LabwareNode{ContainerName: "B", StartDevice: "Storage", StartSlot: 1})
	spin := g.AddOperation(graph.OperationNode{
		Fct: "spin", DeviceKind: string(types.DeviceKindCentrifuge),
		Containers: []string{"A", "B"}, ExpectedDuration: 30 * time.Second,
	})
	g.AddEdge(graph.Edge{From: l1, To: spin, ContainerName: "A"})
	g.AddEdge(graph.Edge{From: l2, To: spin, ContainerName: "B"})
	require.NoError(t, inst.Submit(g, 0, 0, now))
	inst.Start([]string{"p2"})

	_, err := Plan(inst, now, time.Second, ModeLong, nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrUnschedulable))
}

func TestPlanSerializesNonOverlappingDevice(t *testing.T) {
	inst := instance.New()
	devices := deviceCatalogue()
	for _, d := range devices {
		if d.Name == "Reader" {
			d.AllowsOverlap = false
		}
	}
	inst.SetDevices(devices)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	g := graph.New("p3")
	l1 := g.AddLabware(graph.LabwareNode{ContainerName: "A", StartDevice: "Storage", StartSlot: 0})
	l2 := g.AddLabware(graph.LabwareNode{ContainerName: "B", StartDevice: "Storage", StartSlot: 1})
	read1 := g.AddOperation(graph.OperationNode{Fct: "read", DeviceKind: string(types.DeviceKindPlateReader), Containers: []string{"A"}, ExpectedDuration: 20 * time.Second})
	read2 := g.AddOperation(graph.OperationNode{Fct: "read", DeviceKind: string(types.DeviceKindPlateReader), Containers: []string{"B"}, ExpectedDuration: 20 * time.Second})
	g.AddEdge(graph.Edge{From: l1, To: read1, ContainerName: "A"})
	g.AddEdge(graph.Edge{From: l2, To: read2, ContainerName: "B"})
	require.NoError(t, inst.Submit(g, 0, 0, now))
	inst.Start([]string{"p3"})

	plan, err := Plan(inst, now, time.Second, ModeLong, nil)
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 2)

	var starts []time.Time
	for _, a := range plan.Assignments {
		starts = append(starts, a.Start)
	}
	assert.NotEqual(t, starts[0], starts[1])
}

func TestPlanCarriesForwardUnplaceableStepFromPrevious(t *testing.T) {
	inst := instance.New()
	inst.SetDevices(deviceCatalogue())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := singlePlateGraph(t)
	require.NoError(t, inst.Submit(g, 0, 0, now))
	inst.Start([]string{g.ProcessID})

	first, err := Plan(inst, now, time.Second, ModeLong, nil)
	require.NoError(t, err)

	// Re-plan after the incubator drops out of the catalogue: the step is no
	// longer placeable, so the short re-plan must carry forward its previous
	// assignment instead of erroring.
	degraded := []*types.Device{
		{Name: "Storage", Kind: types.DeviceKindStorage, Capacity: 8},
		{Name: "Reader", Kind: types.DeviceKindPlateReader, Capacity: 1},
	}
	inst.SetDevices(degraded)
	second, err := Plan(inst, now, time.Second, ModeShort, first)
	require.NoError(t, err)
	require.Len(t, second.Assignments, 1)
	for key, a := range second.Assignments {
		assert.Equal(t, first.Assignments[key], a)
	}
}
