/*
Package log provides structured logging for the core loop using zerolog.

The global Logger is configured once via Init with a level, an output
format (JSON for production, console for development), and a destination
writer. Component and entity loggers attach queryable fields without
repeating them at every call site.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("plan accepted")

	stepLog := log.WithStepID(step.ID)
	stepLog.Warn().Str("device", device.Name).Msg("step exceeded scheduled duration")

WithProcessID, WithStepID, and WithDevice attach the corresponding
identifier; WithComponent attaches a subsystem name (scheduler, executor,
device-health, raft).
*/
package log
