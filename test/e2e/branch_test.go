package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/labord/pkg/types"
	"github.com/cuemby/labord/test/framework"
)

const branchSource = `{
  "labware": [
    {"ref": "p3", "container_name": "P3", "start_device": "Storage", "start_slot": 0}
  ],
  "operations": [
    {"ref": "measure", "fct": "measure", "device_kind": "plate_reader", "containers": ["P3"],
     "expected_duration_seconds": 1, "params": {}},
    {"ref": "skip_true", "fct": "noop", "device_kind": "plate_reader", "containers": ["P3"],
     "expected_duration_seconds": 0.1, "params": {}},
    {"ref": "second_incubation", "fct": "incubate", "device_kind": "incubator", "containers": ["P3"],
     "expected_duration_seconds": 2, "params": {"temperature": "310"}}
  ],
  "variables": [
    {"ref": "measurement", "name": "measurement", "produced_by": "measure"}
  ],
  "computations": [
    {"ref": "over_threshold", "fct": "gt:0.6", "inputs": ["measurement"]}
  ],
  "branches": [
    {"ref": "decision", "predicate_inputs": ["over_threshold"],
     "true_successor": "skip_true", "false_successor": "second_incubation"}
  ],
  "edges": [
    {"from": "p3", "to": "measure", "container_name": "P3"},
    {"from": "measure", "to": "measurement", "container_name": "P3"},
    {"from": "decision", "to": "skip_true", "container_name": "P3"},
    {"from": "decision", "to": "second_incubation", "container_name": "P3"}
  ]
}`

func branchDevices() []types.Device {
	return []types.Device{
		{Name: "Storage", Kind: types.DeviceKindStorage, Capacity: 4},
		{Name: "Incubator1", Kind: types.DeviceKindIncubator, Capacity: 1},
		{Name: "Reader", Kind: types.DeviceKindPlateReader, Capacity: 1, AllowsOverlap: true},
	}
}

// A measurement feeds a runtime branch: above 0.6 the true side (a second
// read) runs and the extra incubation is pruned, at or below 0.6 the false
// side (an extra incubation, then the final read) runs instead. The
// simulated adapter's measurement is unpredictable, so this asserts
// consistency between the observed value and whichever branch actually ran,
// rather than a specific outcome.
func TestRuntimeBranch(t *testing.T) {
	h := framework.NewHarness(t, 60, branchDevices())
	w := framework.NewWaiter(15*time.Second, 50*time.Millisecond)
	ctx := context.Background()

	processID, err := h.Client.SubmitProcess("runtime-branch", branchSource, 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
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
		t.Fatalf("expected exactly 2 history records (measure + one branch step), got %d", len(hist))
	}
	// measure always runs first and produces the value the branch decided on.
	measurement := hist[0].Value
	if measurement == nil {
		t.Fatalf("no measurement recorded")
	}
	incubations := 0
	for _, r := range hist {
		if r.Device == "Incubator1" {
			incubations++
		}
	}

	if *measurement > 0.6 {
		if incubations != 0 {
			t.Fatalf("measurement %.3f > 0.6 should prune the second incubation, got %d incubation(s)", *measurement, incubations)
		}
	} else {
		if incubations != 1 {
			t.Fatalf("measurement %.3f <= 0.6 should run the extra incubation, got %d incubation(s)", *measurement, incubations)
		}
	}
}
