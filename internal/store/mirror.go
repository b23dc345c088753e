package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/internal/event"
	"github.com/eric2023/deepinscan-sub002/internal/registry"
)

// Mirror keeps the devices table in sync with registry events. Persistence
// failures are logged and never propagate back into the discovery pipeline.
type Mirror struct {
	devices *DeviceStore
	logger  *zap.Logger

	unsubscribe []func()
}

// NewMirror returns a mirror over the given device store.
func NewMirror(devices *DeviceStore, logger *zap.Logger) *Mirror {
	return &Mirror{devices: devices, logger: logger}
}

// Attach subscribes the mirror to registry events on the bus.
func (m *Mirror) Attach(bus *event.Bus) {
	persist := func(ctx context.Context, e event.Event) {
		ev, ok := e.Payload.(registry.DeviceEvent)
		if !ok {
			return
		}
		if err := m.devices.Upsert(ctx, ev.Device); err != nil {
			m.logger.Warn("device persist failed",
				zap.String("device_id", ev.Device.DeviceID),
				zap.Error(err),
			)
		}
	}

	m.unsubscribe = append(m.unsubscribe,
		bus.Subscribe(registry.TopicDeviceDiscovered, persist),
		bus.Subscribe(registry.TopicDeviceUpdated, persist),
		bus.Subscribe(registry.TopicDeviceOffline, func(ctx context.Context, e event.Event) {
			ev, ok := e.Payload.(registry.DeviceEvent)
			if !ok {
				return
			}
			if err := m.devices.Delete(ctx, ev.Device.DeviceID); err != nil {
				m.logger.Warn("device delete failed",
					zap.String("device_id", ev.Device.DeviceID),
					zap.Error(err),
				)
			}
		}),
	)
}

// Detach removes the mirror's subscriptions.
func (m *Mirror) Detach() {
	for _, u := range m.unsubscribe {
		u()
	}
	m.unsubscribe = nil
}
