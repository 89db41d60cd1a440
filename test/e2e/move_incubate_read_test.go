package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/labord/pkg/types"
	"github.com/cuemby/labord/test/framework"
)

const moveIncubateReadSource = `{
  "labware": [
    {"ref": "p1", "container_name": "P1", "start_device": "Storage", "start_slot": 0}
  ],
  "operations": [
    {"ref": "to_incubator", "fct": "move", "device_kind": "mover", "containers": ["P1"],
     "is_movement": true, "expected_duration_seconds": 1,
     "params": {"src_device": "Storage", "src_slot": "0", "dst_device": "Incubator1", "dst_slot": "0"}},
    {"ref": "incubate", "fct": "incubate", "device_kind": "incubator", "containers": ["P1"],
     "expected_duration_seconds": 60, "params": {"temperature": "310"}},
    {"ref": "to_reader", "fct": "move", "device_kind": "mover", "containers": ["P1"],
     "is_movement": true, "expected_duration_seconds": 1,
     "params": {"src_device": "Incubator1", "src_slot": "0", "dst_device": "Reader", "dst_slot": "0"}},
    {"ref": "read", "fct": "measure", "device_kind": "plate_reader", "containers": ["P1"],
     "expected_duration_seconds": 5, "params": {}}
  ],
  "edges": [
    {"from": "p1", "to": "to_incubator", "container_name": "P1"},
    {"from": "to_incubator", "to": "incubate", "container_name": "P1"},
    {"from": "incubate", "to": "to_reader", "container_name": "P1"},
    {"from": "to_reader", "to": "read", "container_name": "P1"}
  ]
}`

func moveIncubateReadDevices() []types.Device {
	return []types.Device{
		{Name: "Storage", Kind: types.DeviceKindStorage, Capacity: 4},
		{Name: "Incubator1", Kind: types.DeviceKindIncubator, Capacity: 1},
		{Name: "Reader", Kind: types.DeviceKindPlateReader, Capacity: 1},
		{Name: "Mover", Kind: types.DeviceKindMover, Capacity: 2, AllowsOverlap: true},
	}
}

// A single plate moves into an incubator, incubates for 60 simulated
// seconds, then moves to a reader and is measured. The simulation clock
// runs 60x real time so the 60s incubation step settles in roughly a
// second of wall-clock time.
func TestMoveIncubateRead(t *testing.T) {
	h := framework.NewHarness(t, 60, moveIncubateReadDevices())
	w := framework.NewWaiter(15*time.Second, 50*time.Millisecond)
	ctx := context.Background()

	processID, err := h.Client.SubmitProcess("move-incubate-read", moveIncubateReadSource, 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.Client.Start([]string{processID}); err != nil {
		t.Fatalf("start: %v", err)
	}

	started := time.Now()
	if err := w.WaitForProcessStatus(ctx, h.Client, processID, types.ProcessCompleted); err != nil {
		t.Fatalf("process never completed: %v", err)
	}
	elapsed := time.Since(started)

	// 60 simulated seconds at 60x should take roughly 1s of wall time; allow
	// generous slack for scheduling overhead but still expect well under the
	// un-accelerated 60s.
	if elapsed >= 30*time.Second {
		t.Fatalf("process took %v, simulation acceleration doesn't seem to be in effect", elapsed)
	}

	if err := w.WaitForContainerAt(ctx, h.Client, "P1", "Reader", 0); err != nil {
		t.Fatalf("container P1 never reached Reader[0]: %v", err)
	}

	hist, err := h.Client.ListHistory(processID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("expected one history record per step (4), got %d", len(hist))
	}
	for _, r := range hist {
		if r.Status != types.ObservationOK {
			t.Fatalf("step %s did not complete ok: %s (%s)", r.StepID, r.Status, r.FailureReason)
		}
	}
}
