package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

func collectRecords(t *testing.T, ch <-chan models.ServiceRecord, n int) []models.ServiceRecord {
	t.Helper()
	var out []models.ServiceRecord
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case rec := <-ch:
			out = append(out, rec)
		case <-deadline:
			t.Fatalf("timed out waiting for records: got %d, want %d", len(out), n)
		}
	}
	return out
}

func TestResolveEmitsCompleteRecords(t *testing.T) {
	records := make(chan models.ServiceRecord, 16)
	r := NewMdnsResolver(func(rec models.ServiceRecord) { records <- rec }, time.Second, zap.NewNop())

	r.query = func(p *mdns.QueryParam) error {
		p.Entries <- &mdns.ServiceEntry{
			Name:   "printer1._uscan._tcp.local.",
			Host:   "printer1.local.",
			AddrV4: net.ParseIP("192.168.1.50"),
			Port:   8080,
		}
		return nil
	}

	r.ResolveAll(context.Background(), []string{"_uscan._tcp"})

	got := collectRecords(t, records, 1)[0]
	if got.Name != "printer1._uscan._tcp.local" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.Type != "_uscan._tcp" {
		t.Errorf("Type = %q, want _uscan._tcp", got.Type)
	}
	if got.Address != "192.168.1.50" {
		t.Errorf("Address = %q, want 192.168.1.50", got.Address)
	}
	if got.Port != 8080 {
		t.Errorf("Port = %d, want 8080", got.Port)
	}
}

func TestResolveDropsIncompleteEntries(t *testing.T) {
	records := make(chan models.ServiceRecord, 16)
	r := NewMdnsResolver(func(rec models.ServiceRecord) { records <- rec }, time.Second, zap.NewNop())

	queried := make(chan struct{})
	r.query = func(p *mdns.QueryParam) error {
		// PTR answered but the SRV/A chain never completed.
		p.Entries <- &mdns.ServiceEntry{Name: "half._uscan._tcp.local.", Port: 8080}
		// Address resolved but no port.
		p.Entries <- &mdns.ServiceEntry{Name: "half2._uscan._tcp.local.", AddrV4: net.ParseIP("10.0.0.9")}
		close(queried)
		return nil
	}

	r.ResolveAll(context.Background(), []string{"_uscan._tcp"})
	<-queried

	select {
	case rec := <-records:
		t.Errorf("incomplete entry emitted: %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestResolveSuppressesInFlightQueries(t *testing.T) {
	r := NewMdnsResolver(func(models.ServiceRecord) {}, time.Second, zap.NewNop())

	var calls int32
	release := make(chan struct{})
	r.query = func(p *mdns.QueryParam) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}

	ctx := context.Background()
	r.ResolveAll(ctx, []string{"_uscan._tcp"})

	// Wait until the first query is actually in flight.
	for atomic.LoadInt32(&calls) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	// A second round for the same type must be suppressed.
	r.ResolveAll(ctx, []string{"_uscan._tcp"})
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("query invoked %d times with one in flight, want 1", got)
	}

	// Once released, the next round queries again; the closed channel no
	// longer blocks.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.ResolveAll(ctx, []string{"_uscan._tcp"})
		if atomic.LoadInt32(&calls) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("query never retried after the in-flight round completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolveQueryFailureYieldsNothing(t *testing.T) {
	records := make(chan models.ServiceRecord, 16)
	r := NewMdnsResolver(func(rec models.ServiceRecord) { records <- rec }, time.Second, zap.NewNop())

	done := make(chan struct{})
	r.query = func(p *mdns.QueryParam) error {
		defer close(done)
		return net.ErrClosed
	}

	r.ResolveAll(context.Background(), []string{"_scanner._tcp"})
	<-done

	select {
	case rec := <-records:
		t.Errorf("failed query emitted a record: %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResolveCancelledContext(t *testing.T) {
	records := make(chan models.ServiceRecord, 16)
	r := NewMdnsResolver(func(rec models.ServiceRecord) { records <- rec }, time.Second, zap.NewNop())

	var calls int32
	r.query = func(p *mdns.QueryParam) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.ResolveAll(ctx, nil)

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("cancelled round issued %d queries, want 0", got)
	}
}
