package discovery

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/internal/registry"
	"github.com/eric2023/deepinscan-sub002/internal/testutil"
)

func sweeperFixture(t *testing.T, staleAfter time.Duration) (*Sweeper, *registry.Registry, *testutil.Clock) {
	t.Helper()
	reg := registry.New(testutil.NewMockBus(), zap.NewNop())
	clock := testutil.NewClock()
	reg.SetClock(clock.Now)

	s := NewSweeper(reg, staleAfter, zap.NewNop())
	s.now = clock.Now
	return s, reg, clock
}

func TestSweepRemovesUnreachableStaleDevice(t *testing.T) {
	s, reg, clock := sweeperFixture(t, time.Minute)
	s.reachable = func(ctx context.Context, address string) bool { return false }

	reg.AddOrUpdate(context.Background(), testutil.NewDescriptor(testutil.WithDeviceID("escl_stale")))
	clock.Advance(5 * time.Minute)

	if removed := s.Sweep(context.Background()); removed != 1 {
		t.Errorf("Sweep() removed = %d, want 1", removed)
	}
	if reg.Len() != 0 {
		t.Errorf("registry size = %d after sweep, want 0", reg.Len())
	}
}

func TestSweepKeepsReachableStaleDevice(t *testing.T) {
	s, reg, clock := sweeperFixture(t, time.Minute)
	s.reachable = func(ctx context.Context, address string) bool { return true }

	reg.AddOrUpdate(context.Background(), testutil.NewDescriptor(testutil.WithDeviceID("escl_alive")))
	clock.Advance(5 * time.Minute)

	if removed := s.Sweep(context.Background()); removed != 0 {
		t.Errorf("Sweep() removed = %d, want 0 for reachable device", removed)
	}
	if reg.Len() != 1 {
		t.Errorf("registry size = %d, want 1", reg.Len())
	}
}

func TestSweepIgnoresFreshDevices(t *testing.T) {
	s, reg, _ := sweeperFixture(t, time.Minute)
	pinged := false
	s.reachable = func(ctx context.Context, address string) bool {
		pinged = true
		return false
	}

	reg.AddOrUpdate(context.Background(), testutil.NewDescriptor(testutil.WithDeviceID("escl_fresh")))

	if removed := s.Sweep(context.Background()); removed != 0 {
		t.Errorf("Sweep() removed = %d, want 0 for fresh device", removed)
	}
	if pinged {
		t.Error("fresh device was pinged; age gate should come first")
	}
}

func TestSweepDisabled(t *testing.T) {
	s, reg, clock := sweeperFixture(t, 0)
	s.reachable = func(ctx context.Context, address string) bool { return false }

	reg.AddOrUpdate(context.Background(), testutil.NewDescriptor(testutil.WithDeviceID("escl_kept")))
	clock.Advance(24 * time.Hour)

	if removed := s.Sweep(context.Background()); removed != 0 {
		t.Errorf("Sweep() removed = %d with sweeping disabled, want 0", removed)
	}
}
