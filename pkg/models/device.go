package models

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the discovery/control protocol a scanner endpoint speaks.
type Protocol string

const (
	ProtocolAirScan Protocol = "airscan"
	ProtocolWSD     Protocol = "wsd"
	ProtocolSOAP    Protocol = "soap"
	ProtocolIPP     Protocol = "ipp"
	ProtocolSNMP    Protocol = "snmp"
	ProtocolUnknown Protocol = "unknown"
)

// ParseProtocol resolves a protocol name. An empty string resolves to
// ProtocolUnknown; anything outside the known set is rejected.
func ParseProtocol(s string) (Protocol, bool) {
	switch p := Protocol(strings.ToLower(s)); p {
	case ProtocolAirScan, ProtocolWSD, ProtocolSOAP, ProtocolIPP, ProtocolSNMP, ProtocolUnknown:
		return p, true
	case "":
		return ProtocolUnknown, true
	default:
		return ProtocolUnknown, false
	}
}

// DeviceDescriptor describes a discovered network scanner endpoint.
// It is the canonical shape shared with the local-driver collaborator.
type DeviceDescriptor struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Model        string    `json:"model,omitempty"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Protocol     Protocol  `json:"protocol"`
	ServiceURL   string    `json:"service_url,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	Online       bool      `json:"online"`

	// Protocol-specific metadata.
	UUID            string `json:"uuid,omitempty"`
	PresentationURL string `json:"presentation_url,omitempty"`
	IconURL         string `json:"icon_url,omitempty"`
	Version         string `json:"version,omitempty"`
}

// HasCapability reports whether the descriptor carries the given capability
// token (case-insensitive).
func (d *DeviceDescriptor) HasCapability(token string) bool {
	for _, c := range d.Capabilities {
		if strings.EqualFold(c, token) {
			return true
		}
	}
	return false
}

// DeriveDeviceID builds the stable registry key for a device. A protocol UUID
// wins when present; otherwise the endpoint address and port are used. The
// prefix pins the identity to the protocol namespace ("escl", "wsd", "snmp").
func DeriveDeviceID(prefix, uuid, address string, port int) string {
	if uuid != "" {
		return prefix + "_" + uuid
	}
	return fmt.Sprintf("%s_%s_%d", prefix, address, port)
}

// ServiceRecord is an ephemeral mDNS/DNS-SD result. A record is complete only
// when name, type, address, and port are all known; the resolver never emits
// incomplete records.
type ServiceRecord struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}
