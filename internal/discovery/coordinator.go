// Package discovery merges mDNS/DNS-SD, WS-Discovery, and unicast capability
// probing into one consistent live device registry.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eric2023/deepinscan-sub002/internal/event"
	"github.com/eric2023/deepinscan-sub002/internal/registry"
	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// Coordinator owns protocol enablement and timers, routes raw protocol
// results into the registry, and exposes the public discovery API. Session
// state moves Stopped -> Discovering -> Stopped; stopping never touches the
// registry's contents.
type Coordinator struct {
	logger   *zap.Logger
	bus      event.Publisher
	registry *registry.Registry
	fetcher  *CapabilityFetcher
	snmp     *SNMPProber
	sweeper  *Sweeper
	resolver *MdnsResolver
	metrics  *Metrics
	opts     Options

	// limiter throttles unicast probes so one round cannot flood the LAN.
	limiter *rate.Limiter

	mu            sync.Mutex
	state         State
	sessionCtx    context.Context
	cancel        context.CancelFunc
	probe         *WsDiscoveryProbe
	wg            sync.WaitGroup
	soapConfirmed map[string]bool
}

// New creates a coordinator over the given registry and event bus. metrics
// may be nil.
func New(reg *registry.Registry, bus event.Publisher, opts Options, metrics *Metrics, logger *zap.Logger) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}

	c := &Coordinator{
		logger:   logger,
		bus:      bus,
		registry: reg,
		fetcher:  NewCapabilityFetcher(opts.ProbeTimeout, logger.Named("escl")),
		snmp:     NewSNMPProber(opts.SNMPCommunity, opts.ProbeTimeout, logger.Named("snmp")),
		sweeper:  NewSweeper(reg, opts.StaleAfter, logger.Named("sweep")),
		metrics:  metrics,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 8),
	}
	c.resolver = NewMdnsResolver(c.handleServiceRecord, 3*time.Second, logger.Named("mdns"))
	return c
}

// State returns the current session state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins a discovery session: each enabled protocol starts its
// sub-discovery, an initial round runs immediately, and a periodic timer
// re-triggers rounds until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDiscovering {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	c.sessionCtx = sessionCtx
	c.cancel = cancel
	c.state = StateDiscovering
	c.soapConfirmed = make(map[string]bool)

	if c.opts.protocolEnabled(ProtocolNameWsd) {
		probe := NewWsDiscoveryProbe(c.handleWsdDevice, c.metrics, c.logger.Named("wsd"))
		if err := probe.Open(); err != nil {
			// Socket failure disables only this protocol for the session.
			c.logger.Warn("WS-Discovery disabled for session", zap.Error(err))
			c.publishError(ProtocolNameWsd, err.Error())
		} else {
			c.probe = probe
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				probe.Run(sessionCtx)
			}()
		}
	}

	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.run(sessionCtx)
	}()

	c.logger.Info("discovery started",
		zap.Duration("interval", c.opts.Interval),
		zap.Strings("protocols", c.opts.Protocols),
	)
	return nil
}

// Stop cancels the session timer and in-flight sub-discoveries. Outstanding
// completions no-op safely; the registry is left untouched. Emits a
// discoveryFinished event once everything has wound down.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state != StateDiscovering {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = StateStopped
	cancel := c.cancel
	probe := c.probe
	c.cancel = nil
	c.sessionCtx = nil
	c.probe = nil
	c.mu.Unlock()

	cancel()
	if probe != nil {
		// Unblock the receive loop; Run also closes on its way out.
		probe.Close()
	}
	c.wg.Wait()

	c.logger.Info("discovery stopped", zap.Int("devices", c.registry.Len()))
	if c.bus != nil {
		c.bus.PublishAsync(context.Background(), event.Event{
			Topic:     TopicDiscoveryFinished,
			Source:    "discovery",
			Timestamp: time.Now(),
			Payload:   FinishedEvent{Devices: c.registry.Len()},
		})
	}
	return nil
}

// run drives the periodic rediscovery rounds.
func (c *Coordinator) run(ctx context.Context) {
	c.round(ctx)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.round(ctx)
		}
	}
}

// round triggers one pass of every enabled protocol. Sub-discoveries complete
// asynchronously and interleave arbitrarily.
func (c *Coordinator) round(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.RoundsTotal.Inc()
	}
	c.logger.Debug("discovery round starting")

	if c.opts.protocolEnabled(ProtocolNameMdns) {
		c.resolver.ResolveAll(ctx, nil)
	}

	c.mu.Lock()
	probe := c.probe
	c.mu.Unlock()
	if probe != nil {
		if err := probe.SendProbe(ctx); err != nil && ctx.Err() == nil {
			c.logger.Debug("WS-Discovery probe send failed", zap.Error(err))
		}
	}

	if n := c.sweeper.Sweep(ctx); n > 0 {
		c.logger.Info("stale sweep removed devices", zap.Int("removed", n))
	}
}

// classifyRecord maps a DNS-SD service type to a protocol. Types without a
// fixed mapping classify as Unknown and still go through the eSCL pipeline.
func classifyRecord(serviceType string) models.Protocol {
	switch serviceType {
	case "_uscan._tcp", "_scanner._tcp":
		return models.ProtocolAirScan
	case "_ipp._tcp":
		return models.ProtocolIPP
	default:
		return models.ProtocolUnknown
	}
}

// handleServiceRecord routes one resolved mDNS record. Recognized records are
// never inserted directly: only a successfully fetched capability descriptor
// enters the registry.
func (c *Coordinator) handleServiceRecord(rec models.ServiceRecord) {
	protocol := classifyRecord(rec.Type)

	ctx, ok := c.track()
	if !ok {
		return
	}
	go func() {
		defer c.wg.Done()
		c.probeAndInsert(ctx, rec.Address, rec.Port, protocol)
	}()
}

// probeAndInsert fetches eSCL capabilities for a candidate endpoint and
// merges a successful result into the registry. Failures are logged at low
// severity and never halt the cycle.
func (c *Coordinator) probeAndInsert(ctx context.Context, address string, port int, protocol models.Protocol) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	d, err := c.fetcher.ProbeEscl(ctx, address, port)
	if err != nil {
		c.logger.Debug("eSCL probe failed",
			zap.String("address", address),
			zap.Int("port", port),
			zap.Error(err),
		)
		if c.metrics != nil {
			c.metrics.ProbeFailures.WithLabelValues("escl").Inc()
		}
		return
	}

	if protocol != models.ProtocolUnknown {
		d.Protocol = protocol
	}
	c.insert(ctx, *d)
}

// handleWsdDevice inserts a parsed ProbeMatch descriptor directly, since the
// match carries a complete descriptor, and schedules a one-time SOAP metadata
// confirmation.
func (c *Coordinator) handleWsdDevice(d models.DeviceDescriptor) {
	ctx, ok := c.track()
	if !ok {
		return
	}
	defer c.wg.Done()

	c.insert(ctx, d)

	if d.ServiceURL == "" {
		return
	}
	c.mu.Lock()
	confirmed := c.soapConfirmed[d.DeviceID]
	if !confirmed {
		c.soapConfirmed[d.DeviceID] = true
	}
	c.mu.Unlock()
	if confirmed {
		return
	}

	ctx, ok = c.track()
	if !ok {
		return
	}
	go func() {
		defer c.wg.Done()
		c.confirmSoap(ctx, d)
	}()
}

// confirmSoap runs the secondary WS-Transfer metadata check. A scan dialect
// refreshes the device; anything else is only logged.
func (c *Coordinator) confirmSoap(ctx context.Context, d models.DeviceDescriptor) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	hint, err := c.fetcher.ProbeSoap(ctx, d.ServiceURL)
	if err != nil {
		c.logger.Debug("SOAP metadata probe failed",
			zap.String("service_url", d.ServiceURL),
			zap.Error(err),
		)
		if c.metrics != nil {
			c.metrics.ProbeFailures.WithLabelValues("soap").Inc()
		}
		return
	}
	if hint == nil || ctx.Err() != nil {
		return
	}

	c.logger.Debug("scan dialect confirmed",
		zap.String("device_id", d.DeviceID),
		zap.String("dialect", hint.Dialect),
	)
	c.registry.AddOrUpdate(ctx, models.DeviceDescriptor{
		DeviceID:     d.DeviceID,
		Capabilities: []string{hint.Dialect},
	})
}

// insert merges a descriptor into the registry, counting first sightings.
func (c *Coordinator) insert(ctx context.Context, d models.DeviceDescriptor) {
	if ctx.Err() != nil {
		return // completion after stop is a safe no-op
	}
	created := c.registry.AddOrUpdate(ctx, d)
	if created && c.metrics != nil {
		c.metrics.DevicesDiscovered.WithLabelValues(string(d.Protocol)).Inc()
	}
}

// track registers one unit of in-flight work against the current session.
// Returns false when no session is active.
func (c *Coordinator) track() (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDiscovering || c.sessionCtx == nil {
		return nil, false
	}
	c.wg.Add(1)
	return c.sessionCtx, true
}

// AddDevice manually dispatches the probe pipeline for a candidate endpoint.
// The returned error reflects acceptance of the probe request, not
// confirmation of a device; completion is asynchronous.
func (c *Coordinator) AddDevice(address string, port int, protocol models.Protocol) error {
	if address == "" {
		return fmt.Errorf("address required")
	}

	ctx, tracked := c.track()
	if !tracked {
		// Manual adds are accepted outside a running session too; the probe
		// then runs on its own timeout only.
		ctx = context.Background()
	}
	done := func() {
		if tracked {
			c.wg.Done()
		}
	}

	switch protocol {
	case models.ProtocolSNMP:
		go func() {
			defer done()
			c.probeSnmp(ctx, address, port)
		}()
	case models.ProtocolWSD:
		c.mu.Lock()
		probe := c.probe
		c.mu.Unlock()
		if probe == nil {
			done()
			return fmt.Errorf("wsd discovery not active")
		}
		go func() {
			defer done()
			if err := probe.SendProbe(ctx); err != nil {
				c.logger.Debug("manual WSD probe failed", zap.Error(err))
			}
		}()
	default:
		fallback := protocol == models.ProtocolUnknown
		go func() {
			defer done()
			c.probeManual(ctx, address, port, protocol, fallback)
		}()
	}
	return nil
}

// probeManual services a manual add: eSCL first, with an SNMP identity
// fallback for protocol-unknown requests.
func (c *Coordinator) probeManual(ctx context.Context, address string, port int, protocol models.Protocol, snmpFallback bool) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	d, err := c.fetcher.ProbeEscl(ctx, address, port)
	if err == nil {
		if protocol != models.ProtocolUnknown {
			d.Protocol = protocol
		}
		c.insert(ctx, *d)
		return
	}

	c.logger.Debug("manual eSCL probe failed",
		zap.String("address", address),
		zap.Error(err),
	)
	if c.metrics != nil {
		c.metrics.ProbeFailures.WithLabelValues("escl").Inc()
	}
	if snmpFallback {
		c.probeSnmp(ctx, address, 0)
	}
}

func (c *Coordinator) probeSnmp(ctx context.Context, address string, port int) {
	d, err := c.snmp.Probe(ctx, address, port)
	if err != nil {
		c.logger.Debug("SNMP probe failed",
			zap.String("address", address),
			zap.Error(err),
		)
		if c.metrics != nil {
			c.metrics.ProbeFailures.WithLabelValues("snmp").Inc()
		}
		return
	}
	c.insert(ctx, *d)
}

// RemoveDevice removes a device by id. Returns false for unknown ids.
func (c *Coordinator) RemoveDevice(deviceID string) bool {
	return c.registry.Remove(context.Background(), deviceID)
}

// Devices returns a snapshot of all known devices.
func (c *Coordinator) Devices() []models.DeviceDescriptor {
	return c.registry.List()
}

// Device returns a single device by id.
func (c *Coordinator) Device(deviceID string) (models.DeviceDescriptor, bool) {
	return c.registry.Get(deviceID)
}

func (c *Coordinator) publishError(protocol, message string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishAsync(context.Background(), event.Event{
		Topic:     TopicDiscoveryError,
		Source:    "discovery",
		Timestamp: time.Now(),
		Payload:   ErrorEvent{Protocol: protocol, Message: message},
	})
}
