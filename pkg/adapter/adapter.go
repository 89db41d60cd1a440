// Package adapter defines the device adapter boundary: the core only ever
// calls Submit/Observe/Cancel on a Handle, never touches
// a device's wire protocol directly. SimulatedAdapter backs simulation mode;
// RemoteAdapter speaks HTTP+mTLS to an out-of-process device-adapter service.
package adapter

import (
	"context"
	"time"

	"github.com/cuemby/labord/pkg/types"
)

// Step is the payload handed to an adapter for one dispatched operation.
type Step struct {
	ProcessID        string
	StepID           string
	Fct              string
	Device           string
	Containers       []string
	Params           map[string]string
	ExpectedDuration time.Duration
	IsMovement       bool
}

// Observation is one update from an in-flight operation.
type Observation struct {
	Status   types.ObservationStatus
	Progress float64 // 0..1
	Value    *float64
}

// Handle represents one in-flight device operation.
type Handle interface {
	// Observe streams observations until a terminal status is sent, then
	// closes the channel.
	Observe(ctx context.Context) <-chan Observation
	// Cancel requests cooperative cancellation. It returns true only if the
	// device is known to have honoured the request before returning.
	Cancel(ctx context.Context) (bool, error)
}

// Adapter submits operations to one device kind.
type Adapter interface {
	Submit(ctx context.Context, step Step) (Handle, error)
}
