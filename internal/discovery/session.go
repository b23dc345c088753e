package discovery

import (
	"errors"
	"time"

	"github.com/eric2023/deepinscan-sub002/internal/config"
)

var (
	// ErrAlreadyRunning is returned by Start when a session is active.
	ErrAlreadyRunning = errors.New("discovery already running")
	// ErrNotRunning is returned by Stop when no session is active.
	ErrNotRunning = errors.New("discovery not running")
)

// State is the coordinator's session state.
type State int

const (
	StateStopped State = iota
	StateDiscovering
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateDiscovering:
		return "discovering"
	default:
		return "invalid"
	}
}

// Protocol names accepted in Options.Protocols.
const (
	ProtocolNameMdns = "mdns"
	ProtocolNameWsd  = "wsd"
)

// Options is the runtime configuration of a discovery session. It does not
// own the registry's contents; stopping a session leaves devices in place.
type Options struct {
	// Interval between rediscovery rounds. An initial round always runs
	// immediately on start.
	Interval time.Duration
	// ProbeTimeout bounds each unicast eSCL/SOAP/SNMP probe independently of
	// the rediscovery interval.
	ProbeTimeout time.Duration
	// StaleAfter enables the stale-device sweep when positive.
	StaleAfter time.Duration
	// Protocols enables individual discovery protocols ("mdns", "wsd").
	Protocols []string
	// SNMPCommunity is the read community for SNMP identity probes.
	SNMPCommunity string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Interval:     30 * time.Second,
		ProbeTimeout: 10 * time.Second,
		Protocols:    []string{ProtocolNameMdns, ProtocolNameWsd},
	}
}

// OptionsFromConfig reads the discovery.* configuration subtree, falling back
// to defaults for unset keys.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	if d := cfg.GetDuration("discovery.interval"); d > 0 {
		opts.Interval = d
	}
	if d := cfg.GetDuration("discovery.probe_timeout"); d > 0 {
		opts.ProbeTimeout = d
	}
	if d := cfg.GetDuration("discovery.stale_after"); d > 0 {
		opts.StaleAfter = d
	}
	if ps := cfg.GetStringSlice("discovery.protocols"); len(ps) > 0 {
		opts.Protocols = ps
	}
	if s := cfg.GetString("discovery.snmp_community"); s != "" {
		opts.SNMPCommunity = s
	}
	return opts
}

func (o Options) protocolEnabled(name string) bool {
	for _, p := range o.Protocols {
		if p == name {
			return true
		}
	}
	return false
}
