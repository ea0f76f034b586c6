// Package arena provides the physical backing for the two device tiers. Each
// Arena owns a hard byte budget for one tier and hands out fixed slabs that
// back chunk payloads. Budget commits are atomic so that usage accounting
// stays exact even when a migration's transfer overlaps unrelated compute.
package arena

import (
	"fmt"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/tidalmem/tidalmem"
)

// FullError is returned from AllocSlab when committing the slab would push the
// arena past its budget. Callers translate it into the failure that fits their
// contract: out-of-memory at the registry, an invariant violation during
// migration.
var FullError error = errors.New("arena budget exhausted")

// Arena tracks one device tier's memory budget and allocates payload slabs
// against it. The budget available to chunks is CapacityBytes minus
// ReservedBytes- the reserve is headroom kept free for transient compute
// buffers and is never handed to a chunk.
type Arena struct {
	kind          tidalmem.DeviceKind
	capacityBytes int
	reservedBytes int

	slabBytes uint64
	slabCount uint32
}

// New creates an Arena for the given device tier. reservedBytes must leave a
// non-empty budget behind.
func New(kind tidalmem.DeviceKind, capacityBytes, reservedBytes int) (*Arena, error) {
	if capacityBytes <= 0 {
		return nil, cerrors.Errorf("capacityBytes for %s must be positive, got %d", kind, capacityBytes)
	}
	if reservedBytes < 0 || reservedBytes >= capacityBytes {
		return nil, cerrors.Errorf("reservedBytes for %s must be in [0, capacityBytes), got %d of %d", kind, reservedBytes, capacityBytes)
	}

	return &Arena{
		kind:          kind,
		capacityBytes: capacityBytes,
		reservedBytes: reservedBytes,
	}, nil
}

func (a *Arena) Kind() tidalmem.DeviceKind { return a.kind }

func (a *Arena) CapacityBytes() int { return a.capacityBytes }

func (a *Arena) ReservedBytes() int { return a.reservedBytes }

// BudgetBytes is the ceiling on the sum of resident slab sizes.
func (a *Arena) BudgetBytes() int {
	return a.capacityBytes - a.reservedBytes
}

// SlabBytes is the sum of currently resident slab sizes.
func (a *Arena) SlabBytes() int {
	return int(atomic.LoadUint64(&a.slabBytes))
}

// SlabCount is the number of currently resident slabs.
func (a *Arena) SlabCount() int {
	return int(atomic.LoadUint32(&a.slabCount))
}

// FreeBytes is the budget remaining for new slabs.
func (a *Arena) FreeBytes() int {
	return a.BudgetBytes() - a.SlabBytes()
}

// Usage returns the fraction of the budget currently committed to slabs.
func (a *Arena) Usage() float64 {
	budget := a.BudgetBytes()
	if budget == 0 {
		return 0
	}
	return float64(a.SlabBytes()) / float64(budget)
}

// AllocSlab commits size bytes against the budget and returns a zeroed slab.
// The commit is a compare-and-swap loop so concurrent callers can never
// collectively overshoot the budget.
func (a *Arena) AllocSlab(size int) ([]byte, error) {
	if size <= 0 {
		return nil, cerrors.Errorf("slab size must be positive, got %d", size)
	}

	for {
		currentVal := atomic.LoadUint64(&a.slabBytes)
		targetVal := currentVal + uint64(size)

		if targetVal > uint64(a.BudgetBytes()) {
			return nil, cerrors.Wrapf(FullError, "%s: requested %d bytes with %d of %d in use",
				a.kind, size, currentVal, a.BudgetBytes())
		}

		if atomic.CompareAndSwapUint64(&a.slabBytes, currentVal, targetVal) {
			break
		}
	}

	atomic.AddUint32(&a.slabCount, 1)
	return make([]byte, size), nil
}

// FreeSlab returns size bytes to the budget. The slab itself is reclaimed by
// the garbage collector once the chunk drops its payload reference.
func (a *Arena) FreeSlab(size int) {
	if a.SlabBytes() < size {
		panic(fmt.Sprintf("slab bytes for %s went negative", a.kind))
	}
	atomic.AddUint64(&a.slabBytes, uint64(-size))

	if a.SlabCount() == 0 {
		panic(fmt.Sprintf("slab count for %s went negative", a.kind))
	}
	atomic.AddUint32(&a.slabCount, ^uint32(0))
}
