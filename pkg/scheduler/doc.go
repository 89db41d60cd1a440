// Package scheduler turns a Scheduling Instance snapshot into a feasible
// Plan.
//
// Plan(inst, now, budget, mode, previous) never returns an infeasible
// schedule. Steps it cannot place within budget are either carried forward
// from previous (short re-plan, so in-flight work keeps its assignment) or
// surfaced as Unschedulable (long re-plan with no previous plan to fall back
// on).
//
//	ready steps --tie-break sort--> candidates
//	candidates --feasibleDevice--> device of matching kind, capacity, min_capacity
//	candidates --placeOnDevice--> earliest non-conflicting start on that device
//
// Device occupancy is tracked as a list of intervals per device, seeded from
// steps already running and grown as each candidate is placed — this keeps
// the whole function free of shared state between calls, which is what lets
// the core loop hand it a read-only Instance and trust nothing mutates
// underneath the scheduling goroutine.
package scheduler
