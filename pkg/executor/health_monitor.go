package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/labord/pkg/events"
	"github.com/cuemby/labord/pkg/health"
	"github.com/cuemby/labord/pkg/log"
	"github.com/cuemby/labord/pkg/metrics"
	"github.com/cuemby/labord/pkg/store"
	"github.com/cuemby/labord/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeviceHealthMonitor periodically probes device connectivity, independent
// of step dispatch: a device can be reachable-but-idle or unreachable while
// no operation happens to be running on it, and the scheduler needs to know
// before it commits a plan to that device.
type DeviceHealthMonitor struct {
	store     store.Store
	broker    *events.Broker
	logger    zerolog.Logger
	monitors  map[string]*deviceCheck
	cancelFns map[string]context.CancelFunc
	stopCh    chan struct{}
}

type deviceCheck struct {
	device  *types.Device
	checker health.Checker
	status  *health.Status
	config  health.Config
}

// NewDeviceHealthMonitor creates a monitor reading the device catalogue from
// st. broker may be nil; when set, a device.up/device.down event is
// published on every connectivity transition.
func NewDeviceHealthMonitor(st store.Store, broker *events.Broker) *DeviceHealthMonitor {
	return &DeviceHealthMonitor{
		store:     st,
		broker:    broker,
		logger:    log.WithComponent("device-health"),
		monitors:  make(map[string]*deviceCheck),
		cancelFns: make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sync loop.
func (hm *DeviceHealthMonitor) Start() { go hm.monitorLoop() }

// Stop halts every in-flight check.
func (hm *DeviceHealthMonitor) Stop() {
	close(hm.stopCh)
	for _, cancel := range hm.cancelFns {
		cancel()
	}
}

func (hm *DeviceHealthMonitor) monitorLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hm.sync()
		case <-hm.stopCh:
			return
		}
	}
}

func (hm *DeviceHealthMonitor) sync() {
	devices, err := hm.store.ListDevices()
	if err != nil {
		hm.logger.Error().Err(err).Msg("list devices for health sync failed")
		return
	}

	current := make(map[string]*types.Device, len(devices))
	for _, d := range devices {
		current[d.Name] = d
	}

	for name, cancel := range hm.cancelFns {
		if _, exists := current[name]; !exists {
			cancel()
			delete(hm.cancelFns, name)
			delete(hm.monitors, name)
		}
	}

	for name, d := range current {
		if _, exists := hm.monitors[name]; exists {
			continue
		}
		if d.Address == "" {
			continue // no wire address to probe, e.g. a storage hotel with no network adapter
		}
		if err := hm.start(d); err != nil {
			hm.logger.Error().Err(err).Str("device", name).Msg("start device health check failed")
		}
	}
}

func (hm *DeviceHealthMonitor) start(d *types.Device) error {
	checker := health.NewTCPChecker(d.Address)
	config := health.DefaultConfig()

	mon := &deviceCheck{device: d, checker: checker, status: health.NewStatus(), config: config}
	hm.monitors[d.Name] = mon

	ctx, cancel := context.WithCancel(context.Background())
	hm.cancelFns[d.Name] = cancel

	go hm.loop(ctx, mon)
	return nil
}

func (hm *DeviceHealthMonitor) loop(ctx context.Context, mon *deviceCheck) {
	ticker := time.NewTicker(mon.config.Interval)
	defer ticker.Stop()

	hm.check(ctx, mon)
	for {
		select {
		case <-ticker.C:
			hm.check(ctx, mon)
		case <-ctx.Done():
			return
		case <-hm.stopCh:
			return
		}
	}
}

func (hm *DeviceHealthMonitor) check(ctx context.Context, mon *deviceCheck) {
	checkCtx, cancel := context.WithTimeout(ctx, mon.config.Timeout)
	defer cancel()

	wasHealthy := mon.status.Healthy
	result := mon.checker.Check(checkCtx)
	mon.status.Update(result, mon.config)

	if wasHealthy != mon.status.Healthy {
		hm.logger.Warn().
			Str("device", mon.device.Name).
			Bool("healthy", mon.status.Healthy).
			Str("message", result.Message).
			Msg("device connectivity changed")
		hm.publishTransition(mon, result.Message)
	}
	metrics.SetDeviceHealthy(mon.device.Name, mon.status.Healthy)
}

func (hm *DeviceHealthMonitor) publishTransition(mon *deviceCheck, message string) {
	if hm.broker == nil {
		return
	}
	eventType := events.EventDeviceDown
	if mon.status.Healthy {
		eventType = events.EventDeviceUp
	}
	hm.broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  map[string]string{"device": mon.device.Name},
	})
}

// Status returns the last known status for a device, or an error if it is
// not being monitored.
func (hm *DeviceHealthMonitor) Status(deviceName string) (*health.Status, error) {
	mon, ok := hm.monitors[deviceName]
	if !ok {
		return nil, fmt.Errorf("device %s is not monitored", deviceName)
	}
	return mon.status, nil
}
