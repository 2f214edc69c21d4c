package monitoring

import (
	"context"

	"github.com/pyrolink/pyrolink/internal/infrastructure/eventbus"
)

// BindBus subscribes the monitor to the event bus so pipeline events turn
// into counters without the pipeline knowing about the monitor.
//
// Usage:
//
//	monitor := monitoring.NewMonitor(logger)
//	monitoring.BindBus(bus, monitor)
func BindBus(bus eventbus.Bus, monitor *Monitor) {
	bus.Subscribe(eventbus.EventTypeReadingReceived, func(ctx context.Context, ev eventbus.Event) {
		monitor.IncReadingIngested()
	})
	bus.Subscribe(eventbus.EventTypeMalformedFrame, func(ctx context.Context, ev eventbus.Event) {
		monitor.IncMalformedFrame()
	})
	bus.Subscribe(eventbus.EventTypeWindowEmitted, func(ctx context.Context, ev eventbus.Event) {
		monitor.IncWindowEmitted()
	})
	bus.Subscribe(eventbus.EventTypeSessionCreated, func(ctx context.Context, ev eventbus.Event) {
		monitor.IncSessionCreated()
		monitor.SetRecordingActive(true)
	})
	bus.Subscribe(eventbus.EventTypeSessionStopped, func(ctx context.Context, ev eventbus.Event) {
		monitor.IncSessionStopped()
		monitor.SetRecordingActive(false)
	})
	bus.Subscribe(eventbus.EventTypeDeliveryFailed, func(ctx context.Context, ev eventbus.Event) {
		monitor.IncSendFailure()
	})
	bus.Subscribe(eventbus.EventTypeSensorState, func(ctx context.Context, ev eventbus.Event) {
		p, ok := ev.Payload().(eventbus.SensorStatePayload)
		if ok && p.ToState == "connecting" {
			monitor.IncSensorReconnect()
		}
	})
}
