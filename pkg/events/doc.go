/*
Package events implements the in-process domain event bus used to decouple
configuration changes from the components that react to them: config -> CA,
CA -> rotation engine, connectivity -> rotation engine, identity -> metrics.

Unlike a message queue, Bus dispatches synchronously and type-keyed: Emit
walks every handler registered for an event's Type and calls it directly on
the caller's goroutine, recovering per-handler panics so one broken handler
never takes down its siblings or the emitter. Components that need
asynchronous reaction to an event are expected to hand the event to their own
goroutine/queue inside the handler body — the bus itself never buffers.

# Usage

	bus := events.NewBus(func(t events.Type, r any) {
		log.Logger.Error().Interface("panic", r).Str("event_type", string(t)).Msg("event handler panicked")
	})

	bus.On(events.TypeCAChanged, func(e events.Event) {
		rotationEngine.OnCAChanged()
	})

	bus.Emit(events.Event{Type: events.TypeCAChanged, Message: "CA swapped to custom"})
*/
package events
