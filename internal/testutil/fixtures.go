package testutil

import (
	"time"

	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// NewDescriptor returns a DeviceDescriptor with sensible defaults, suitable
// for test fixtures. Override individual fields through options.
func NewDescriptor(opts ...func(*models.DeviceDescriptor)) models.DeviceDescriptor {
	d := models.DeviceDescriptor{
		DeviceID:     "escl_192.168.1.100_8080",
		Name:         "Test Scanner",
		Manufacturer: "Acme",
		Model:        "Scan2000",
		Address:      "192.168.1.100",
		Port:         8080,
		Protocol:     models.ProtocolAirScan,
		ServiceURL:   "http://192.168.1.100:8080/eSCL",
		Capabilities: []string{"Color", "Grayscale"},
		LastSeen:     time.Now().UTC(),
		Online:       true,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithDeviceID sets the descriptor's registry key.
func WithDeviceID(id string) func(*models.DeviceDescriptor) {
	return func(d *models.DeviceDescriptor) { d.DeviceID = id }
}

// WithAddress sets the endpoint address and port.
func WithAddress(addr string, port int) func(*models.DeviceDescriptor) {
	return func(d *models.DeviceDescriptor) {
		d.Address = addr
		d.Port = port
	}
}

// WithProtocol sets the discovery protocol.
func WithProtocol(p models.Protocol) func(*models.DeviceDescriptor) {
	return func(d *models.DeviceDescriptor) { d.Protocol = p }
}

// WithCapabilities sets the capability tokens.
func WithCapabilities(caps ...string) func(*models.DeviceDescriptor) {
	return func(d *models.DeviceDescriptor) { d.Capabilities = caps }
}

// WithUUID sets the protocol UUID.
func WithUUID(u string) func(*models.DeviceDescriptor) {
	return func(d *models.DeviceDescriptor) { d.UUID = u }
}
