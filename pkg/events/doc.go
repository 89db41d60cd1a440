/*
Package events provides an in-memory pub/sub broker for core loop state
changes.

Publishers broadcast Event values with a Type (process, step, device, or
raft leadership) to a buffered channel; a broadcast loop fans each event
out to every live subscriber without blocking on slow consumers.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for event := range sub {
			log.Info(event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventStepFailed,
		Message:  "incubate step timed out",
		Metadata: map[string]string{"process_id": pid, "step_id": sid},
	})

Delivery is best-effort: a subscriber with a full buffer skips the event
rather than blocking the broadcast loop.
*/
package events
