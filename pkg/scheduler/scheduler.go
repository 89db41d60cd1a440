// Package scheduler implements the Scheduler: a pure function from a
// Scheduling Instance snapshot, the current wall-clock, and a time budget to
// a feasible Plan. It never touches the Status Store and holds no state of
// its own between calls.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/labord/pkg/instance"
	"github.com/cuemby/labord/pkg/types"
)

// Mode selects between the fast local re-plan and the full re-plan.
type Mode string

const (
	ModeShort Mode = "short"
	ModeLong  Mode = "long"
)

// Assignment is one step's place in a Plan.
type Assignment struct {
	Device        string
	EarliestStart time.Time
	LatestStart   time.Time // zero if unconstrained
	Start         time.Time
	Finish        time.Time
}

// Plan maps every schedulable step to a device and start-time window, plus a
// totally-ordered per-device queue.
type Plan struct {
	Mode        Mode
	GeneratedAt time.Time
	Assignments map[instance.StepKey]Assignment
	DeviceQueue map[string][]instance.StepKey
	Objective   float64
}

// candidate is one ready step annotated with the facts the tie-break chain
// and feasibility check need.
type candidate struct {
	key           instance.StepKey
	containers    []string
	deviceKind    types.DeviceKind
	duration      time.Duration
	priority      int
	earliest      time.Time
	latest        time.Time
	waitCostSum   float64
	minCapacity   int
}

// interval is one busy window already committed on a device, either from a
// currently-running step or from an assignment made earlier in this planning
// pass.
type interval struct {
	start, finish time.Time
	containers    int
}

func overlaps(a, b interval) bool {
	return a.start.Before(b.finish) && b.start.Before(a.finish)
}

// Plan produces a feasible schedule for every ready step in inst. It never
// returns an infeasible plan: if a step cannot be placed within budget it is
// left unassigned and, if previous is non-nil, previous's assignment for
// that step (if any) is carried forward so the Executor keeps making
// progress on work already in flight.
func Plan(inst *instance.Instance, now time.Time, budget time.Duration, mode Mode, previous *Plan) (*Plan, error) {
	deadline := now.Add(budget)
	devices := inst.Devices()

	occupancy := make(map[string][]interval)
	for _, r := range inst.RunningSteps() {
		occupancy[r.Device] = append(occupancy[r.Device], interval{
			start:      r.Start,
			finish:     r.Start.Add(r.Duration),
			containers: len(r.Node.Containers),
		})
	}

	cands := buildCandidates(inst, now)
	sortCandidates(cands)

	plan := &Plan{
		Mode:        mode,
		GeneratedAt: now,
		Assignments: make(map[instance.StepKey]Assignment),
		DeviceQueue: make(map[string][]instance.StepKey),
	}

	var unschedulable []instance.StepKey

	for _, c := range cands {
		if time.Now().After(deadline) && mode == ModeShort {
			// Budget exhausted; stop placing new work this pass, carry the
			// rest forward unassigned so the next short re-plan picks it up.
			break
		}

		dev, ok := feasibleDevice(c, devices, occupancy)
		if !ok {
			unschedulable = append(unschedulable, c.key)
			continue
		}

		start, ok := placeOnDevice(c, dev, occupancy[dev.Name])
		if !ok {
			unschedulable = append(unschedulable, c.key)
			continue
		}

		finish := start.Add(c.duration)
		occupancy[dev.Name] = append(occupancy[dev.Name], interval{start: start, finish: finish, containers: len(c.containers)})
		plan.Assignments[c.key] = Assignment{
			Device:        dev.Name,
			EarliestStart: c.earliest,
			LatestStart:   c.latest,
			Start:         start,
			Finish:        finish,
		}
		plan.DeviceQueue[dev.Name] = append(plan.DeviceQueue[dev.Name], c.key)
		plan.Objective += c.waitCostSum * start.Sub(c.earliest).Seconds()
	}

	if len(unschedulable) > 0 && previous != nil {
		for _, key := range unschedulable {
			if a, ok := previous.Assignments[key]; ok {
				plan.Assignments[key] = a
				plan.DeviceQueue[a.Device] = append(plan.DeviceQueue[a.Device], key)
			}
		}
	}

	if len(unschedulable) > 0 && previous == nil {
		return plan, types.NewError(types.ErrUnschedulable, fmt.Sprintf("%d step(s) have no feasible placement", len(unschedulable)))
	}

	return plan, nil
}

func buildCandidates(inst *instance.Instance, now time.Time) []candidate {
	ready := inst.ReadySteps()
	cands := make([]candidate, 0, len(ready))
	for _, r := range ready {
		earliest, latest := inst.PredecessorWindow(r.Key)
		if earliest.Before(now) {
			earliest = now
		}
		duration := r.Node.ExpectedDuration
		if r.Node.EstimatedDuration > 0 {
			duration = r.Node.EstimatedDuration
		}
		cands = append(cands, candidate{
			key:         r.Key,
			containers:  r.Node.Containers,
			deviceKind:  types.DeviceKind(r.Node.DeviceKind),
			duration:    duration,
			priority:    r.Priority,
			earliest:    earliest,
			latest:      latest,
			waitCostSum: inst.WaitCostSum(r.Key),
		})
	}
	return cands
}

// sortCandidates applies the tie-break chain: earlier earliest-possible-start,
// then lower priority number, then lower edge wait_cost sum, then
// lexicographic step id.
func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !a.earliest.Equal(b.earliest) {
			return a.earliest.Before(b.earliest)
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.waitCostSum != b.waitCostSum {
			return a.waitCostSum < b.waitCostSum
		}
		return stepID(a.key) < stepID(b.key)
	})
}

func stepID(key instance.StepKey) string {
	return fmt.Sprintf("%s/%d", key.ProcessID, key.NodeID)
}

// feasibleDevice picks the device of c's required kind that can host it,
// honouring the centrifuge-like min_capacity constraint: a step bundling
// fewer containers than a candidate device's min_capacity is never assigned
// to that device.
func feasibleDevice(c candidate, devices map[string]types.Device, occupancy map[string][]interval) (types.Device, bool) {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := devices[name]
		if d.Kind != c.deviceKind {
			continue
		}
		if d.Capacity == 0 {
			continue
		}
		if len(c.containers) > d.Capacity {
			continue
		}
		if len(c.containers) < d.EffectiveMinCapacity() {
			continue
		}
		return d, true
	}
	return types.Device{}, false
}

// placeOnDevice finds the earliest start ≥ c.earliest (and ≤ c.latest, if
// bounded) at which c fits on dev without violating process_capacity,
// capacity, or allows_overlap against dev's existing intervals.
func placeOnDevice(c candidate, dev types.Device, existing []interval) (time.Time, bool) {
	candidateStart := c.earliest
	maxAttempts := len(existing) + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !c.latest.IsZero() && candidateStart.After(c.latest) {
			return time.Time{}, false
		}
		window := interval{start: candidateStart, finish: candidateStart.Add(c.duration), containers: len(c.containers)}

		conflict, nextFree := findConflict(window, dev, existing)
		if !conflict {
			return candidateStart, true
		}
		candidateStart = nextFree
	}
	return time.Time{}, false
}

func findConflict(window interval, dev types.Device, existing []interval) (bool, time.Time) {
	processCap := dev.EffectiveProcessCapacity()
	overlappingOps := 0
	overlappingContainers := window.containers
	var nextFree time.Time

	for _, e := range existing {
		if !overlaps(window, e) {
			continue
		}
		if !dev.AllowsOverlap {
			if nextFree.IsZero() || e.finish.After(nextFree) {
				nextFree = e.finish
			}
			continue
		}
		overlappingOps++
		overlappingContainers += e.containers
		if e.finish.After(nextFree) {
			nextFree = e.finish
		}
	}

	if !dev.AllowsOverlap {
		if nextFree.IsZero() {
			return false, time.Time{}
		}
		return true, nextFree
	}

	if overlappingOps+1 > processCap || overlappingContainers > dev.Capacity {
		return true, nextFree
	}
	return false, time.Time{}
}
