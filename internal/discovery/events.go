package discovery

// Event topics published by the discovery coordinator. Device-level topics
// (discovered/updated/offline) are emitted by the registry.
const (
	TopicDiscoveryFinished = "discovery.finished"
	TopicDiscoveryError    = "discovery.error"
)

// ErrorEvent is the payload for TopicDiscoveryError events. Protocol names
// the sub-discovery that failed ("mdns", "wsd", "escl", "snmp"); the failure
// is non-fatal to other protocols.
type ErrorEvent struct {
	Protocol string `json:"protocol"`
	Message  string `json:"message"`
}

// FinishedEvent is the payload for TopicDiscoveryFinished events.
type FinishedEvent struct {
	Devices int `json:"devices"`
}
