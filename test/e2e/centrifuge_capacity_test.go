package e2e

import (
	"testing"
	"time"

	"github.com/cuemby/labord/pkg/types"
	"github.com/cuemby/labord/test/framework"
)

const centrifugeCapacitySource = `{
  "labware": [
    {"ref": "p1", "container_name": "CP1", "start_device": "Storage", "start_slot": 0},
    {"ref": "p2", "container_name": "CP2", "start_device": "Storage", "start_slot": 1}
  ],
  "operations": [
    {"ref": "spin", "fct": "centrifuge", "device_kind": "centrifuge", "containers": ["CP1", "CP2"],
     "expected_duration_seconds": 10, "params": {}}
  ],
  "edges": [
    {"from": "p1", "to": "spin", "container_name": "CP1"},
    {"from": "p2", "to": "spin", "container_name": "CP2"}
  ]
}`

func centrifugeCapacityDevices() []types.Device {
	return []types.Device{
		{Name: "Storage", Kind: types.DeviceKindStorage, Capacity: 4},
		{Name: "C", Kind: types.DeviceKindCentrifuge, Capacity: 4, MinCapacity: 4},
	}
}

// A centrifuge with min_capacity 4 can never balance a spin carrying only
// two plates. The scheduler should report the step unschedulable on every
// planning pass and the Executor must never dispatch it, so the two plates
// stay exactly where they started.
func TestCentrifugeMinCapacityNeverDispatches(t *testing.T) {
	h := framework.NewHarness(t, 60, centrifugeCapacityDevices())

	processID, err := h.Client.SubmitProcess("centrifuge-balance", centrifugeCapacitySource, 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.Client.Start([]string{processID}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Give the dispatch loop several short and long re-plan cycles to try
	// (and correctly fail) to place the step.
	time.Sleep(2 * time.Second)

	resp, err := h.Client.QueryStatus()
	if err != nil {
		t.Fatalf("query status: %v", err)
	}

	var proc *types.Process
	for _, p := range resp.Processes {
		if p.ID == processID {
			proc = p
		}
	}
	if proc == nil {
		t.Fatalf("process %s not found", processID)
	}
	if proc.Status == types.ProcessCompleted {
		t.Fatalf("an unschedulable centrifuge step must never complete")
	}

	for _, name := range []string{"CP1", "CP2"} {
		var found *types.Container
		for _, c := range resp.Containers {
			if c.ID == name || c.Barcode == name {
				found = c
			}
		}
		if found == nil {
			t.Fatalf("container %s not found", name)
		}
		if found.CurrentPos.Device != "Storage" {
			t.Fatalf("container %s was dispatched to %s, expected to stay on Storage", name, found.CurrentPos.Device)
		}
	}

	hist, err := h.Client.ListHistory(processID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected no history records, the spin step must never have run; got %d", len(hist))
	}
}
