package sandbox

import (
	"context"
	"sync/atomic"
)

type memoryGuardKey struct{}

// MemoryGuard meters allocations made by a sandboxed executor. Workers run
// in-process, so the cap is enforced cooperatively: executors reserve the
// memory they intend to hold and the guard rejects reservations beyond the
// configured cap. Exceeding the cap is deterministic regardless of the
// platform's ability to impose an address-space limit.
type MemoryGuard struct {
	limitBytes int64
	used       atomic.Int64
}

// NewMemoryGuard creates a guard with the given cap in megabytes. A zero or
// negative cap disables metering.
func NewMemoryGuard(limitMB int64) *MemoryGuard {
	return &MemoryGuard{limitBytes: limitMB * 1024 * 1024}
}

// Reserve records an allocation of n bytes. It reports false when the
// reservation would exceed the cap; the reservation is not applied in that
// case.
func (g *MemoryGuard) Reserve(n int64) bool {
	if g == nil || g.limitBytes <= 0 {
		return true
	}
	for {
		current := g.used.Load()
		if current+n > g.limitBytes {
			return false
		}
		if g.used.CompareAndSwap(current, current+n) {
			return true
		}
	}
}

// Release returns previously reserved bytes to the guard.
func (g *MemoryGuard) Release(n int64) {
	if g == nil || g.limitBytes <= 0 {
		return
	}
	g.used.Add(-n)
}

// Used returns the currently reserved byte count.
func (g *MemoryGuard) Used() int64 {
	if g == nil {
		return 0
	}
	return g.used.Load()
}

// withMemoryGuard attaches a guard to the worker context.
func withMemoryGuard(ctx context.Context, guard *MemoryGuard) context.Context {
	return context.WithValue(ctx, memoryGuardKey{}, guard)
}

// GuardFrom extracts the sandbox memory guard from an executor context.
// Executors that allocate proportionally to their input call
// Reserve/Release through it.
func GuardFrom(ctx context.Context) *MemoryGuard {
	guard, _ := ctx.Value(memoryGuardKey{}).(*MemoryGuard)
	return guard
}

// Reserve is a convenience wrapper for executors: it reserves n bytes against
// the guard in ctx and returns a MemoryLimitError-compatible failure signal.
func Reserve(ctx context.Context, n int64) bool {
	return GuardFrom(ctx).Reserve(n)
}
