package session

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DeviceLimiter enforces the per-device effective_max concurrency cap: the
// traverser and the executor must obey the same cap simultaneously across
// both sides of any active folder pair, and a device that appears on both
// sides of a pair (aliasing) is charged only once because both callers
// acquire the same *semaphore.Weighted.
//
// Built on golang.org/x/sync/semaphore for weighted, context-cancellable
// admission.
type DeviceLimiter struct {
	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	limit map[string]int64
}

// NewDeviceLimiter builds an empty limiter; call SetLimit per device
// before use, or rely on the default of 1 for devices never configured.
func NewDeviceLimiter() *DeviceLimiter {
	return &DeviceLimiter{sems: make(map[string]*semaphore.Weighted), limit: make(map[string]int64)}
}

// SetLimit sets (or raises/lowers for future acquires) the effective_max
// for a device key, aggregated by the caller across every folder pair that
// touches this device.
func (d *DeviceLimiter) SetLimit(deviceKey string, max int64) {
	if max < 1 {
		max = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limit[deviceKey] = max
	d.sems[deviceKey] = semaphore.NewWeighted(max)
}

func (d *DeviceLimiter) semFor(deviceKey string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sems[deviceKey]
	if !ok {
		s = semaphore.NewWeighted(1)
		d.sems[deviceKey] = s
		d.limit[deviceKey] = 1
	}
	return s
}

// Acquire blocks (respecting ctx cancellation) until a concurrency slot for
// deviceKey is available.
func (d *DeviceLimiter) Acquire(ctx context.Context, deviceKey string) error {
	return d.semFor(deviceKey).Acquire(ctx, 1)
}

// Release returns a previously-acquired slot.
func (d *DeviceLimiter) Release(deviceKey string) {
	d.semFor(deviceKey).Release(1)
}
