package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/labord/pkg/client"
	"github.com/cuemby/labord/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a waiter with sensible defaults for simulated runs
// (5s timeout, 20ms interval; simulation speed keeps real-world waits short).
func DefaultWaiter() *Waiter {
	return NewWaiter(5*time.Second, 20*time.Millisecond)
}

// WaitFor waits for a condition to become true.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if condition() {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForProcessStatus waits for processID to reach status.
func (w *Waiter) WaitForProcessStatus(ctx context.Context, c *client.Client, processID string, status types.ProcessStatus) error {
	return w.WaitFor(ctx, func() bool {
		resp, err := c.QueryStatus()
		if err != nil {
			return false
		}
		for _, p := range resp.Processes {
			if p.ID == processID {
				return p.Status == status
			}
		}
		return false
	}, fmt.Sprintf("process %s to reach status %s", processID, status))
}

// WaitForContainerAt waits for a container to be recorded at device/slot.
func (w *Waiter) WaitForContainerAt(ctx context.Context, c *client.Client, containerID, device string, slot int) error {
	return w.WaitFor(ctx, func() bool {
		resp, err := c.QueryStatus()
		if err != nil {
			return false
		}
		for _, ct := range resp.Containers {
			if ct.ID == containerID {
				return ct.CurrentPos.Device == device && ct.CurrentPos.Slot == slot
			}
		}
		return false
	}, fmt.Sprintf("container %s to reach %s[%d]", containerID, device, slot))
}

// WaitForHistoryCount waits for processID to have at least n history records.
func (w *Waiter) WaitForHistoryCount(ctx context.Context, c *client.Client, processID string, n int) error {
	return w.WaitFor(ctx, func() bool {
		hist, err := c.ListHistory(processID)
		return err == nil && len(hist) >= n
	}, fmt.Sprintf("process %s to have %d history records", processID, n))
}

// PollUntil polls a condition until it returns true or context is cancelled.
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Retry retries an operation with exponential backoff.
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay *= 2
			}
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
