package adapter

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/labord/pkg/types"
)

// SimulatedAdapter backs the Executor's simulation mode: it sleeps for the
// step's scheduled duration, optionally accelerated by a
// speed factor, and synthesizes a value for producing operations.
type SimulatedAdapter struct {
	mu    sync.Mutex
	speed float64
	rng   *rand.Rand
}

// NewSimulatedAdapter creates a simulated adapter running at the given
// speed factor (1.0 = real time, >1.0 = accelerated). seed makes synthesized
// values reproducible across runs.
func NewSimulatedAdapter(speed float64, seed int64) *SimulatedAdapter {
	if speed <= 0 {
		speed = 1.0
	}
	return &SimulatedAdapter{speed: speed, rng: rand.New(rand.NewSource(seed))}
}

// SetSpeed adjusts the acceleration factor for in-flight and future steps.
func (a *SimulatedAdapter) SetSpeed(speed float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if speed > 0 {
		a.speed = speed
	}
}

func (a *SimulatedAdapter) currentSpeed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speed
}

// Submit starts a simulated run of step in a background goroutine.
func (a *SimulatedAdapter) Submit(ctx context.Context, step Step) (Handle, error) {
	h := &simulatedHandle{
		adapter: a,
		step:    step,
		ch:      make(chan Observation, 4),
		cancel:  make(chan struct{}),
	}
	go h.run(ctx)
	return h, nil
}

type simulatedHandle struct {
	adapter *SimulatedAdapter
	step    Step
	ch      chan Observation
	cancel  chan struct{}
	once    sync.Once
}

func (h *simulatedHandle) Observe(ctx context.Context) <-chan Observation { return h.ch }

func (h *simulatedHandle) Cancel(ctx context.Context) (bool, error) {
	h.once.Do(func() { close(h.cancel) })
	return true, nil
}

func (h *simulatedHandle) run(ctx context.Context) {
	defer close(h.ch)

	h.ch <- Observation{Status: types.ObservationStarted}

	duration := h.step.ExpectedDuration
	if duration <= 0 {
		duration = time.Second
	}
	scaled := time.Duration(float64(duration) / h.adapter.currentSpeed())

	ticker := time.NewTicker(scaled / 10)
	defer ticker.Stop()
	deadline := time.NewTimer(scaled)
	defer deadline.Stop()

	elapsed := time.Duration(0)
	step := scaled / 10
	for {
		select {
		case <-h.cancel:
			h.ch <- Observation{Status: types.ObservationCancelled}
			return
		case <-ctx.Done():
			h.ch <- Observation{Status: types.ObservationCancelled}
			return
		case <-ticker.C:
			elapsed += step
			progress := float64(elapsed) / float64(scaled)
			if progress > 0.99 {
				progress = 0.99
			}
			h.ch <- Observation{Status: types.ObservationRunning, Progress: progress}
		case <-deadline.C:
			value := h.adapter.synthesize(h.step)
			h.ch <- Observation{Status: types.ObservationOK, Progress: 1, Value: value}
			return
		}
	}
}

// synthesize produces a plausible return value for producing operations; it
// has no physical meaning, only enough variance to exercise branch logic in
// simulation mode.
func (a *SimulatedAdapter) synthesize(step Step) *float64 {
	a.mu.Lock()
	v := a.rng.Float64()
	a.mu.Unlock()
	return &v
}
