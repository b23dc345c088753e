package discovery

import (
	"context"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/internal/registry"
)

// Sweeper removes devices that have not been seen for a while and no longer
// answer an ICMP reachability check. A device is never removed on age alone.
type Sweeper struct {
	registry    *registry.Registry
	logger      *zap.Logger
	staleAfter  time.Duration
	pingTimeout time.Duration
	now         func() time.Time
	reachable   func(ctx context.Context, address string) bool
}

// NewSweeper creates a sweeper. staleAfter <= 0 disables sweeping entirely.
func NewSweeper(reg *registry.Registry, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	s := &Sweeper{
		registry:    reg,
		logger:      logger,
		staleAfter:  staleAfter,
		pingTimeout: 2 * time.Second,
		now:         time.Now,
	}
	s.reachable = s.ping
	return s
}

// Sweep checks every stale device and removes the unreachable ones. Returns
// the number of devices removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if s.staleAfter <= 0 {
		return 0
	}

	cutoff := s.now().Add(-s.staleAfter)
	var removed int
	for _, d := range s.registry.List() {
		if ctx.Err() != nil {
			return removed
		}
		if d.LastSeen.After(cutoff) {
			continue
		}
		if s.reachable(ctx, d.Address) {
			s.logger.Debug("stale device still reachable, keeping",
				zap.String("device_id", d.DeviceID),
			)
			continue
		}
		if s.registry.Remove(ctx, d.DeviceID) {
			s.logger.Info("stale device removed",
				zap.String("device_id", d.DeviceID),
				zap.Time("last_seen", d.LastSeen),
			)
			removed++
		}
	}
	return removed
}

// ping sends a single ICMP echo to the address and reports whether a reply
// arrived within the timeout.
func (s *Sweeper) ping(ctx context.Context, address string) bool {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = s.pingTimeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case err := <-done:
		if err != nil {
			return false
		}
		return pinger.Statistics().PacketsRecv > 0
	case <-ctx.Done():
		pinger.Stop()
		return false
	}
}
