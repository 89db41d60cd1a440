/*
Package health provides connectivity checks for lab devices.

A Checker implements Check(ctx) Result and Type(); three implementations
are provided: TCPChecker (dial the device's control port), HTTPChecker (GET
a device driver's status endpoint), and ExecChecker (run a vendor CLI
diagnostic). Status wraps a Checker's results over time with hysteresis —
ConsecutiveFailures/ConsecutiveSuccesses must cross Config.Retries before
Healthy flips, which prevents a single dropped packet from taking a device
out of the scheduling pool.

# Usage

	checker := health.NewTCPChecker(device.Address)
	status := health.NewStatus()
	config := health.DefaultConfig()

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	result := checker.Check(ctx)
	cancel()
	status.Update(result, config)

	if !status.Healthy {
		metrics.SetDeviceHealthy(device.Name, false)
	}

pkg/executor's DeviceHealthMonitor runs this loop per device on a ticker and
reports into pkg/metrics.
*/
package health
