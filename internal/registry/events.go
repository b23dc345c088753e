package registry

import "github.com/eric2023/deepinscan-sub002/pkg/models"

// Event topics published by the registry.
const (
	TopicDeviceDiscovered = "discovery.device.discovered"
	TopicDeviceUpdated    = "discovery.device.updated"
	TopicDeviceOffline    = "discovery.device.offline"
)

// DeviceEvent is the payload for device discovered/updated/offline events.
type DeviceEvent struct {
	Device models.DeviceDescriptor `json:"device"`
}
