package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/labord/pkg/types"
	"github.com/cuemby/labord/test/framework"
)

const replanDelaySource = `{
  "labware": [
    {"ref": "p5", "container_name": "P5", "start_device": "Storage", "start_slot": 0}
  ],
  "operations": [
    {"ref": "incubate", "fct": "incubate", "device_kind": "incubator", "containers": ["P5"],
     "expected_duration_seconds": 20, "params": {"temperature": "310"}},
    {"ref": "read", "fct": "measure", "device_kind": "plate_reader", "containers": ["P5"],
     "expected_duration_seconds": 1, "params": {}}
  ],
  "edges": [
    {"from": "p5", "to": "incubate", "container_name": "P5"},
    {"from": "incubate", "to": "read", "container_name": "P5"}
  ]
}`

func replanDelayDevices() []types.Device {
	return []types.Device{
		{Name: "Storage", Kind: types.DeviceKindStorage, Capacity: 4},
		{Name: "Incubator1", Kind: types.DeviceKindIncubator, Capacity: 1},
		{Name: "Reader", Kind: types.DeviceKindPlateReader, Capacity: 1},
	}
}

// A 20s incubation is run at a simulation speed deliberately chosen so the
// step's actual wall-clock run time lands past its scheduled duration plus
// the Executor's fixed re-plan slack, but short of its timeout. That crosses
// the deviation threshold the Dispatch loop polls for, which triggers a
// short re-plan while the step is still in flight. The step still finishes
// and commits ok, and the read that follows it only starts at or after the
// incubation's real finish time, never at its originally scheduled one.
func TestReplanOnDelay(t *testing.T) {
	// 20s of simulated incubation at 0.55x lands at roughly 36.4s of wall
	// time: past the 20s+15s=35s deviation threshold, short of the 40s
	// (20s * 2.0 timeout factor) timeout.
	h := framework.NewHarness(t, 0.55, replanDelayDevices())
	w := framework.NewWaiter(60*time.Second, 100*time.Millisecond)
	ctx := context.Background()

	processID, err := h.Client.SubmitProcess("replan-on-delay", replanDelaySource, 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	started := time.Now()
	if err := h.Client.Start([]string{processID}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := w.WaitForProcessStatus(ctx, h.Client, processID, types.ProcessCompleted); err != nil {
		t.Fatalf("process never completed: %v", err)
	}

	hist, err := h.Client.ListHistory(processID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(hist))
	}

	var incubation, read *types.HistoryRecord
	for _, r := range hist {
		switch r.StepID {
		case processID + "/1":
			incubation = r
		case processID + "/2":
			read = r
		}
	}
	if incubation == nil || read == nil {
		t.Fatalf("missing expected step history: incubation=%v read=%v", incubation, read)
	}
	if incubation.Status != types.ObservationOK {
		t.Fatalf("incubation step should still complete ok despite the deviation, got %s", incubation.Status)
	}

	// The incubation actually ran well past its originally scheduled 20s, in
	// real wall-clock terms, proving the deviation was real and not a fluke
	// of fast scheduling.
	actualRun := incubation.Finish.Sub(incubation.Start)
	if actualRun < 20*time.Second {
		t.Fatalf("incubation ran for %v, expected it to exceed its 20s scheduled duration", actualRun)
	}

	// The read step can only have been dispatched after the incubation's
	// real finish, not at whatever earlier time the original plan assumed.
	if read.Start.Before(incubation.Finish) {
		t.Fatalf("read started at %v before incubation actually finished at %v; re-plan did not push it back", read.Start, incubation.Finish)
	}

	if time.Since(started) < 20*time.Second {
		t.Fatalf("process settled too fast for the configured slow-down to have taken effect")
	}
}
