package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// scannerServiceTypes lists the DNS-SD service types queried for network
// scanners.
var scannerServiceTypes = []string{
	"_uscan._tcp",
	"_ipp._tcp",
	"_scanner._tcp",
	"_pdl-datastream._tcp",
	"_privet._tcp",
}

// mdnsQueryFunc issues one DNS-SD query; swapped for a fake in tests.
type mdnsQueryFunc func(*mdns.QueryParam) error

// MdnsResolver discovers scanner services via DNS-SD. The underlying library
// chains the PTR, SRV, and A lookups; a ServiceRecord is emitted only once
// name, type, address, and port are all known.
type MdnsResolver struct {
	logger  *zap.Logger
	handler func(models.ServiceRecord)
	timeout time.Duration
	query   mdnsQueryFunc
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewMdnsResolver creates a resolver delivering completed records to handler.
func NewMdnsResolver(handler func(models.ServiceRecord), timeout time.Duration, logger *zap.Logger) *MdnsResolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MdnsResolver{
		logger:   logger,
		handler:  handler,
		timeout:  timeout,
		query:    mdns.Query,
		now:      time.Now,
		inFlight: make(map[string]bool),
	}
}

// ResolveAll begins one resolution round across the given service types (the
// default scanner set when nil). Each type resolves on its own goroutine; a
// second outstanding query for a type already in flight is suppressed. The
// call returns immediately; completions route through the handler.
func (r *MdnsResolver) ResolveAll(ctx context.Context, serviceTypes []string) {
	if serviceTypes == nil {
		serviceTypes = scannerServiceTypes
	}

	for _, svc := range serviceTypes {
		if ctx.Err() != nil {
			return
		}
		if !r.acquire(svc) {
			r.logger.Debug("mDNS query already in flight", zap.String("service", svc))
			continue
		}
		go func(svc string) {
			defer r.release(svc)
			r.resolveService(ctx, svc)
		}(svc)
	}
}

// resolveService runs one query for a single service type. A failed query is
// logged and yields nothing this round; it is retried only on the next
// periodic cycle.
func (r *MdnsResolver) resolveService(ctx context.Context, service string) {
	entries := make(chan *mdns.ServiceEntry, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if ctx.Err() != nil {
				continue // drain; completions after stop are no-ops
			}
			if rec, ok := r.recordFromEntry(entry, service); ok {
				r.handler(rec)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = r.timeout
	params.Entries = entries
	params.DisableIPv6 = true

	if err := r.query(params); err != nil {
		r.logger.Debug("mDNS query failed",
			zap.String("service", service),
			zap.Error(err),
		)
	}
	close(entries)
	wg.Wait()
}

// recordFromEntry converts a resolved service entry into a ServiceRecord.
// Entries missing any of name, address, or port are dropped: the PTR answer
// arrived but the SRV/A chain did not complete.
func (r *MdnsResolver) recordFromEntry(entry *mdns.ServiceEntry, service string) (models.ServiceRecord, bool) {
	if entry == nil {
		return models.ServiceRecord{}, false
	}

	addr := ""
	if entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified() {
		addr = entry.AddrV4.String()
	} else if entry.Addr != nil && !entry.Addr.IsUnspecified() {
		// Older responders populate only the deprecated field.
		addr = entry.Addr.String()
	}

	name := strings.TrimSuffix(entry.Name, ".")
	if name == "" || addr == "" || entry.Port <= 0 {
		return models.ServiceRecord{}, false
	}

	return models.ServiceRecord{
		Name:     name,
		Type:     service,
		Address:  addr,
		Port:     entry.Port,
		LastSeen: r.now(),
	}, true
}

func (r *MdnsResolver) acquire(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[service] {
		return false
	}
	r.inFlight[service] = true
	return true
}

func (r *MdnsResolver) release(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, service)
}
