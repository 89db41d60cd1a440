package metrics

import (
	"time"

	"github.com/cuemby/labord/pkg/instance"
	"github.com/cuemby/labord/pkg/store"
)

// RaftStats is the minimal view the collector needs of the core loop's raft
// node, kept as an interface so this package never imports pkg/core.
type RaftStats interface {
	IsLeader() bool
	Stats() (lastLogIndex, appliedIndex uint64, peers int)
}

// Collector periodically refreshes the gauges that can't be updated
// incrementally at the point of mutation: per-status process counts,
// per-device occupancy, and raft health.
type Collector struct {
	store store.Store
	inst  *instance.Instance
	raft  RaftStats
	stopCh chan struct{}
}

// NewCollector creates a metrics collector reading from st and inst. raft
// may be nil for a non-replicated or not-yet-joined node.
func NewCollector(st store.Store, inst *instance.Instance, raft RaftStats) *Collector {
	return &Collector{store: st, inst: inst, raft: raft, stopCh: make(chan struct{})}
}

// Start begins collecting on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() { close(c.stopCh) }

func (c *Collector) collect() {
	c.collectProcessMetrics()
	c.collectDeviceMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectProcessMetrics() {
	processes, err := c.store.ListProcesses()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, p := range processes {
		counts[string(p.Status)]++
	}
	for status, count := range counts {
		ProcessesTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectDeviceMetrics() {
	containers, err := c.store.ListContainers()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, ctr := range containers {
		counts[ctr.CurrentPos.Device]++
	}
	for device, count := range counts {
		DeviceOccupancy.WithLabelValues(device).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}
	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	lastIndex, appliedIndex, peers := c.raft.Stats()
	RaftLogIndex.Set(float64(lastIndex))
	RaftAppliedIndex.Set(float64(appliedIndex))
	RaftPeers.Set(float64(peers))
}
