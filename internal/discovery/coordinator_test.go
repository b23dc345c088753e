package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/internal/registry"
	"github.com/eric2023/deepinscan-sub002/internal/testutil"
	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testCoordinator(t *testing.T, opts Options) (*Coordinator, *registry.Registry, *testutil.MockBus) {
	t.Helper()
	bus := testutil.NewMockBus()
	reg := registry.New(bus, zap.NewNop())
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	c := New(reg, bus, opts, nil, zap.NewNop())
	return c, reg, bus
}

func TestMdnsRecordProbedAndInserted(t *testing.T) {
	host, port := serveEscl(t, esclCapabilitiesXML, http.StatusOK)

	c, reg, bus := testCoordinator(t, Options{Protocols: []string{ProtocolNameMdns}})
	c.resolver.query = func(p *mdns.QueryParam) error {
		if p.Service != "_uscan._tcp" {
			return nil
		}
		p.Entries <- &mdns.ServiceEntry{
			Name:   "printer1._uscan._tcp.local.",
			Host:   "printer1.local.",
			AddrV4: net.ParseIP(host),
			Port:   port,
		}
		return nil
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	waitFor(t, "eSCL device in registry", func() bool {
		_, ok := reg.Get("escl_abc-123")
		return ok
	})

	d, _ := reg.Get("escl_abc-123")
	if d.Manufacturer != "Acme" || d.Model != "Scan2000" {
		t.Errorf("device = %s %s, want Acme Scan2000", d.Manufacturer, d.Model)
	}
	if d.Protocol != models.ProtocolAirScan {
		t.Errorf("Protocol = %q, want airscan", d.Protocol)
	}
	if d.Address != host || d.Port != port {
		t.Errorf("endpoint = %s:%d, want %s:%d", d.Address, d.Port, host, port)
	}
	if n := bus.CountTopic(registry.TopicDeviceDiscovered); n != 1 {
		t.Errorf("discovered events = %d, want exactly 1", n)
	}
}

func TestMdnsRecordNotInsertedWhenProbeFails(t *testing.T) {
	host, port := serveEscl(t, "broken", http.StatusInternalServerError)

	c, reg, _ := testCoordinator(t, Options{Protocols: []string{ProtocolNameMdns}})
	probed := make(chan struct{}, 1)
	c.resolver.query = func(p *mdns.QueryParam) error {
		if p.Service == "_uscan._tcp" {
			p.Entries <- &mdns.ServiceEntry{
				Name:   "dead._uscan._tcp.local.",
				AddrV4: net.ParseIP(host),
				Port:   port,
			}
			select {
			case probed <- struct{}{}:
			default:
			}
		}
		return nil
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	<-probed
	time.Sleep(300 * time.Millisecond)
	if reg.Len() != 0 {
		t.Errorf("registry size = %d after failed probe, want 0", reg.Len())
	}
}

func TestWsdProbeMatchInsertedDirectly(t *testing.T) {
	var esclProbes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "ScannerCapabilities") {
			esclProbes.Add(1)
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	c, reg, _ := testCoordinator(t, Options{Protocols: []string{}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d, ok := newParseProbe().parseDatagram([]byte(probeMatchXML), &net.UDPAddr{IP: net.ParseIP("192.168.1.60"), Port: 3702})
	if !ok {
		t.Fatal("fixture ProbeMatch did not parse")
	}
	// Point the metadata confirmation at the sentinel server.
	d.ServiceURL = srv.URL + "/wsd"
	c.handleWsdDevice(*d)

	got, ok := reg.Get(d.DeviceID)
	if !ok {
		t.Fatal("WSD device not inserted directly")
	}
	if got.Protocol != models.ProtocolWSD {
		t.Errorf("Protocol = %q, want wsd", got.Protocol)
	}

	c.Stop()
	if n := esclProbes.Load(); n != 0 {
		t.Errorf("WSD insert triggered %d eSCL probes, want 0", n)
	}
}

func TestStopRetainsDevices(t *testing.T) {
	c, reg, bus := testCoordinator(t, Options{Protocols: []string{}})
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	reg.AddOrUpdate(ctx, testutil.NewDescriptor(testutil.WithDeviceID("escl_keep")))

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := bus.CountTopic(TopicDiscoveryFinished); n != 1 {
		t.Errorf("finished events = %d, want 1", n)
	}

	// Restart resets timers but keeps devices not explicitly removed.
	if err := c.Start(ctx); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	d, ok := reg.Get("escl_keep")
	if !ok {
		t.Fatal("device lost across stop/start")
	}
	if !d.Online {
		t.Error("Online = false after stop/start, want true")
	}
}

func TestStateTransitions(t *testing.T) {
	c, _, _ := testCoordinator(t, Options{Protocols: []string{}})

	if got := c.State(); got != StateStopped {
		t.Errorf("initial State() = %v, want stopped", got)
	}
	if err := c.Stop(); err != ErrNotRunning {
		t.Errorf("Stop() while stopped = %v, want ErrNotRunning", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := c.State(); got != StateDiscovering {
		t.Errorf("State() = %v, want discovering", got)
	}
	if err := c.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := c.State(); got != StateStopped {
		t.Errorf("State() = %v after stop, want stopped", got)
	}
}

func TestCompletionAfterStopIsNoOp(t *testing.T) {
	c, reg, _ := testCoordinator(t, Options{Protocols: []string{}})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// A protocol completion arriving after stop must not mutate anything.
	c.handleWsdDevice(testutil.NewDescriptor(
		testutil.WithDeviceID("wsd_late"),
		testutil.WithProtocol(models.ProtocolWSD),
	))
	c.handleServiceRecord(models.ServiceRecord{
		Name: "late._uscan._tcp.local", Type: "_uscan._tcp",
		Address: "10.0.0.1", Port: 80,
	})

	if reg.Len() != 0 {
		t.Errorf("registry size = %d after post-stop completions, want 0", reg.Len())
	}
}

func TestAddDeviceManualEscl(t *testing.T) {
	host, port := serveEscl(t, esclCapabilitiesXML, http.StatusOK)
	c, reg, _ := testCoordinator(t, Options{Protocols: []string{}})

	// Manual adds are accepted without a running session.
	if err := c.AddDevice(host, port, models.ProtocolAirScan); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}

	waitFor(t, "manually added device", func() bool {
		_, ok := reg.Get("escl_abc-123")
		return ok
	})
}

func TestAddDeviceRejectsEmptyAddress(t *testing.T) {
	c, _, _ := testCoordinator(t, Options{Protocols: []string{}})
	if err := c.AddDevice("", 80, models.ProtocolAirScan); err == nil {
		t.Error("AddDevice('') expected error, got nil")
	}
}

func TestRemoveDevice(t *testing.T) {
	c, reg, _ := testCoordinator(t, Options{Protocols: []string{}})
	reg.AddOrUpdate(context.Background(), testutil.NewDescriptor(testutil.WithDeviceID("escl_rm")))

	if !c.RemoveDevice("escl_rm") {
		t.Error("RemoveDevice() = false, want true")
	}
	if c.RemoveDevice("escl_rm") {
		t.Error("RemoveDevice() on removed id = true, want false")
	}
}

func TestClassifyRecord(t *testing.T) {
	tests := []struct {
		serviceType string
		want        models.Protocol
	}{
		{"_uscan._tcp", models.ProtocolAirScan},
		{"_scanner._tcp", models.ProtocolAirScan},
		{"_ipp._tcp", models.ProtocolIPP},
		{"_pdl-datastream._tcp", models.ProtocolUnknown},
		{"_privet._tcp", models.ProtocolUnknown},
		{"_http._tcp", models.ProtocolUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.serviceType, func(t *testing.T) {
			if got := classifyRecord(tt.serviceType); got != tt.want {
				t.Errorf("classifyRecord(%q) = %q, want %q", tt.serviceType, got, tt.want)
			}
		})
	}
}

func TestIppRecordKeepsIppProtocol(t *testing.T) {
	host, port := serveEscl(t, esclCapabilitiesXML, http.StatusOK)

	c, reg, _ := testCoordinator(t, Options{Protocols: []string{ProtocolNameMdns}})
	c.resolver.query = func(p *mdns.QueryParam) error {
		if p.Service == "_ipp._tcp" {
			p.Entries <- &mdns.ServiceEntry{
				Name:   "mfp._ipp._tcp.local.",
				AddrV4: net.ParseIP(host),
				Port:   port,
			}
		}
		return nil
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	waitFor(t, "IPP-classified device", func() bool {
		d, ok := reg.Get("escl_abc-123")
		return ok && d.Protocol == models.ProtocolIPP
	})
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	opts := OptionsFromConfig(nil)
	if opts.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", opts.Interval)
	}
	if opts.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", opts.ProbeTimeout)
	}
	if !opts.protocolEnabled(ProtocolNameMdns) || !opts.protocolEnabled(ProtocolNameWsd) {
		t.Errorf("Protocols = %v, want mdns and wsd enabled", opts.Protocols)
	}
}

func TestDevicesSnapshot(t *testing.T) {
	c, reg, _ := testCoordinator(t, Options{Protocols: []string{}})
	reg.AddOrUpdate(context.Background(), testutil.NewDescriptor(testutil.WithDeviceID("escl_a")))
	reg.AddOrUpdate(context.Background(), testutil.NewDescriptor(testutil.WithDeviceID("escl_b")))

	devices := c.Devices()
	if len(devices) != 2 {
		t.Fatalf("Devices() = %d entries, want 2", len(devices))
	}
	if _, ok := c.Device("escl_a"); !ok {
		t.Error("Device('escl_a') not found")
	}
	if _, ok := c.Device("nope"); ok {
		t.Error("Device('nope') found, want miss")
	}
}
