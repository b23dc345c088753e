// Package registry holds the canonical, concurrency-safe store of discovered
// scanner devices.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/internal/event"
	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// Registry is the canonical device store. All mutation is serialized by a
// single exclusive lock; reads are served from snapshot copies so callers
// never hold a live reference into internal state.
type Registry struct {
	logger *zap.Logger
	bus    event.Publisher
	now    func() time.Time

	mu      sync.RWMutex
	devices map[string]*models.DeviceDescriptor
}

// New creates an empty registry. bus may be nil, in which case no events are
// emitted.
func New(bus event.Publisher, logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		bus:     bus,
		now:     time.Now,
		devices: make(map[string]*models.DeviceDescriptor),
	}
}

// SetClock overrides the registry's time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// AddOrUpdate inserts the device or merges it into an existing entry with the
// same DeviceID. Returns true when a new entry was created. Exactly one event
// is emitted per call: "discovered" for an insert, "updated" for a merge.
func (r *Registry) AddOrUpdate(ctx context.Context, d models.DeviceDescriptor) bool {
	if d.DeviceID == "" {
		r.logger.Warn("dropping device with empty id", zap.String("address", d.Address))
		return false
	}

	r.mu.Lock()
	now := r.now()

	existing, ok := r.devices[d.DeviceID]
	if !ok {
		stored := d
		if stored.LastSeen.Before(now) {
			stored.LastSeen = now
		}
		stored.Online = true
		r.devices[d.DeviceID] = &stored
		snapshot := stored
		r.mu.Unlock()

		r.logger.Info("device discovered",
			zap.String("device_id", snapshot.DeviceID),
			zap.String("address", snapshot.Address),
			zap.String("protocol", string(snapshot.Protocol)),
		)
		r.publish(ctx, TopicDeviceDiscovered, snapshot)
		return true
	}

	mergeDescriptor(existing, &d)
	// lastSeen is monotonically non-decreasing per device.
	if now.After(existing.LastSeen) {
		existing.LastSeen = now
	}
	snapshot := *existing
	r.mu.Unlock()

	r.logger.Debug("device updated",
		zap.String("device_id", snapshot.DeviceID),
		zap.String("address", snapshot.Address),
	)
	r.publish(ctx, TopicDeviceUpdated, snapshot)
	return false
}

// mergeDescriptor folds the mutable fields of an update into dst. Identity
// fields (DeviceID, UUID once set) are never overwritten, and Online is never
// reset to false by an update.
func mergeDescriptor(dst, src *models.DeviceDescriptor) {
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Manufacturer != "" {
		dst.Manufacturer = src.Manufacturer
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.SerialNumber != "" {
		dst.SerialNumber = src.SerialNumber
	}
	if src.ServiceURL != "" {
		dst.ServiceURL = src.ServiceURL
	}
	if src.Protocol != "" && src.Protocol != models.ProtocolUnknown {
		dst.Protocol = src.Protocol
	}
	if len(src.Capabilities) > 0 {
		dst.Capabilities = mergeCapabilities(dst.Capabilities, src.Capabilities)
	}
	if dst.UUID == "" {
		dst.UUID = src.UUID
	}
	if src.PresentationURL != "" {
		dst.PresentationURL = src.PresentationURL
	}
	if src.IconURL != "" {
		dst.IconURL = src.IconURL
	}
	if src.Version != "" {
		dst.Version = src.Version
	}
	if src.Online {
		dst.Online = true
	}
}

func mergeCapabilities(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, c := range existing {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range incoming {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Remove erases the device and emits an "offline" event. Removing an unknown
// id is a no-op that emits nothing.
func (r *Registry) Remove(ctx context.Context, deviceID string) bool {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.devices, deviceID)
	snapshot := *d
	snapshot.Online = false
	r.mu.Unlock()

	r.logger.Info("device removed", zap.String("device_id", deviceID))
	r.publish(ctx, TopicDeviceOffline, snapshot)
	return true
}

// Get returns a copy of the device with the given id.
func (r *Registry) Get(deviceID string) (models.DeviceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return models.DeviceDescriptor{}, false
	}
	return *d, true
}

// List returns an immutable snapshot of all devices, ordered by DeviceID.
func (r *Registry) List() []models.DeviceDescriptor {
	r.mu.RLock()
	out := make([]models.DeviceDescriptor, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the number of stored devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Seed loads devices without emitting events or touching their timestamps.
// Used to restore a persisted inventory at startup.
func (r *Registry) Seed(devices []models.DeviceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range devices {
		d := devices[i]
		if d.DeviceID == "" {
			continue
		}
		if _, ok := r.devices[d.DeviceID]; ok {
			continue
		}
		r.devices[d.DeviceID] = &d
	}
}

func (r *Registry) publish(ctx context.Context, topic string, d models.DeviceDescriptor) {
	if r.bus == nil {
		return
	}
	r.bus.PublishAsync(ctx, event.Event{
		Topic:     topic,
		Source:    "registry",
		Timestamp: time.Now(),
		Payload:   DeviceEvent{Device: d},
	})
}
