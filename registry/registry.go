// Package registry owns the set of all chunks and the tensor-to-chunk mapping.
// It is the single source of truth for chunk existence: tensors hold only a
// (chunk id, offset) pair resolved through the registry, never a pointer into
// chunk memory, so payloads stay relocatable during migration.
package registry

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/tidalmem/tidalmem"
	"github.com/tidalmem/tidalmem/arena"
	"github.com/tidalmem/tidalmem/chunk"
	"golang.org/x/exp/slog"
)

// PlacementScheduler is the policy seam the registry uses to make room on the
// accelerator before creating a chunk there. It is implemented by
// placement.Scheduler.
type PlacementScheduler interface {
	// MakeRoom evicts ranked victims until the accelerator has at least size
	// bytes of free budget, or fails with OutOfMemoryError.
	MakeRoom(size int, residents []*chunk.Chunk, phase tidalmem.Phase) error
	// HasEvictable reports whether any accelerator-resident chunk could be
	// evicted right now.
	HasEvictable(residents []*chunk.Chunk, phase tidalmem.Phase) bool
}

// Placement is one tensor's placement record: where its storage lives and how
// external code should interpret it.
type Placement struct {
	Tensor tidalmem.TensorID
	Chunk  tidalmem.ChunkID
	Offset int
	Length int
	DType  tidalmem.DType
	Kind   tidalmem.AccessKind
}

// Registry assigns tensors to (chunk, offset) pairs at allocation time and
// tracks every live chunk. Allocation is chunk-granular: a tensor never spans
// two chunks, and when no existing chunk has enough contiguous free space a
// new chunk is created even if aggregate free space elsewhere would suffice.
type Registry struct {
	logger    *slog.Logger
	chunkSize int

	accel     *arena.Arena
	host      *arena.Arena
	scheduler PlacementScheduler

	placements *swiss.Map[tidalmem.TensorID, *Placement]
	byID       *swiss.Map[tidalmem.ChunkID, *chunk.Chunk]
	chunks     []*chunk.Chunk

	nextChunkID tidalmem.ChunkID
}

// New creates a Registry. chunkSize is the uniform capacity of every chunk and
// must be a power of two.
func New(logger *slog.Logger, chunkSize int, accel, host *arena.Arena, scheduler PlacementScheduler) (*Registry, error) {
	err := tidalmem.CheckPow2(uint(chunkSize), "chunkSize")
	if err != nil {
		return nil, err
	}

	return &Registry{
		logger:     logger,
		chunkSize:  chunkSize,
		accel:      accel,
		host:       host,
		scheduler:  scheduler,
		placements: swiss.NewMap[tidalmem.TensorID, *Placement](42),
		byID:       swiss.NewMap[tidalmem.ChunkID, *chunk.Chunk](42),
	}, nil
}

// ChunkSize returns the uniform chunk capacity in bytes.
func (r *Registry) ChunkSize() int { return r.chunkSize }

// Chunks returns the live chunk set, ordered by ascending chunk id.
func (r *Registry) Chunks() []*chunk.Chunk { return r.chunks }

// ChunkByID looks up a live chunk.
func (r *Registry) ChunkByID(id tidalmem.ChunkID) (*chunk.Chunk, bool) {
	return r.byID.Get(id)
}

// Allocate finds a chunk of the tensor's kind with enough contiguous free
// space in a compatible state, or creates a new chunk if none fits. It fails
// with OutOfMemoryError only when both devices are at capacity and the
// placement scheduler reports no evictable chunk- the single place total
// memory exhaustion surfaces.
func (r *Registry) Allocate(tensor tidalmem.TensorID, length int, dtype tidalmem.DType, kind tidalmem.AccessKind, phase tidalmem.Phase) (*Placement, error) {
	if length <= 0 {
		return nil, cerrors.Errorf("tensor %d: allocation length must be positive, got %d", tensor, length)
	}
	if length+tidalmem.DebugMargin > r.chunkSize {
		return nil, cerrors.Errorf("tensor %d: %d bytes cannot fit in a single chunk of %d bytes", tensor, length, r.chunkSize)
	}
	if _, exists := r.placements.Get(tensor); exists {
		return nil, cerrors.Errorf("tensor %d is already allocated", tensor)
	}

	for _, c := range r.chunks {
		if c.Kind() != kind {
			continue
		}
		if c.State() != chunk.StateFree && c.State() != chunk.StateHold {
			continue
		}

		region, ok := c.AddRegion(tensor, length, dtype)
		if ok {
			return r.commitPlacement(c, region), nil
		}
	}

	c, err := r.createChunk(kind, phase)
	if err != nil {
		return nil, err
	}

	region, ok := c.AddRegion(tensor, length, dtype)
	if !ok {
		panic("freshly created chunk rejected a region that fits its capacity")
	}
	return r.commitPlacement(c, region), nil
}

func (r *Registry) commitPlacement(c *chunk.Chunk, region *chunk.Region) *Placement {
	placement := &Placement{
		Tensor: region.Tensor,
		Chunk:  c.ID(),
		Offset: region.Offset,
		Length: region.Length,
		DType:  region.DType,
		Kind:   region.Kind,
	}
	r.placements.Put(region.Tensor, placement)

	r.logger.Debug("tensor allocated",
		slog.Uint64("tensor", uint64(region.Tensor)),
		slog.Uint64("chunk", uint64(c.ID())),
		slog.Int("offset", region.Offset),
		slog.Int("length", region.Length),
	)
	return placement
}

// createChunk allocates a fresh chunk, preferring the accelerator. When the
// accelerator budget is exhausted it reclaims released chunks, then asks the
// scheduler to evict, and finally falls back to creating the chunk on the
// host before surfacing out-of-memory.
func (r *Registry) createChunk(kind tidalmem.AccessKind, phase tidalmem.Phase) (*chunk.Chunk, error) {
	device := tidalmem.DeviceAccelerator

	if r.accel.FreeBytes() < r.chunkSize {
		r.reclaimReleased(tidalmem.DeviceAccelerator)
	}

	payload, err := r.accel.AllocSlab(r.chunkSize)
	if cerrors.Is(err, arena.FullError) {
		schedErr := r.scheduler.MakeRoom(r.chunkSize, r.chunks, phase)
		if schedErr == nil {
			payload, err = r.accel.AllocSlab(r.chunkSize)
		} else if cerrors.Is(schedErr, tidalmem.MigrationFailedError) {
			return nil, schedErr
		}

		if payload == nil {
			// Accelerator is unrecoverable- fall back to the host tier.
			device = tidalmem.DeviceHost
			if r.host.FreeBytes() < r.chunkSize {
				r.reclaimReleased(tidalmem.DeviceHost)
			}
			payload, err = r.host.AllocSlab(r.chunkSize)
			if cerrors.Is(err, arena.FullError) {
				return nil, cerrors.Wrapf(tidalmem.OutOfMemoryError,
					"new %s chunk of %d bytes: %d of %d bytes in use on accelerator, %d of %d on host, evictable=%t",
					kind, r.chunkSize,
					r.accel.SlabBytes(), r.accel.BudgetBytes(),
					r.host.SlabBytes(), r.host.BudgetBytes(),
					r.scheduler.HasEvictable(r.chunks, phase),
				)
			}
		}
	}
	if err != nil && payload == nil {
		return nil, err
	}

	r.nextChunkID++
	c := chunk.New(r.nextChunkID, kind, device, payload)
	r.chunks = append(r.chunks, c)
	r.byID.Put(c.ID(), c)

	r.logger.Debug("chunk created",
		slog.Uint64("chunk", uint64(c.ID())),
		slog.String("kind", kind.String()),
		slog.String("device", device.String()),
	)
	return c, nil
}

// Free removes the tensor's payload region. When the owning chunk becomes
// fully unoccupied it transitions to released and its slab is reclaimed by the
// next sweep or on-demand when an allocation needs space.
func (r *Registry) Free(tensor tidalmem.TensorID) error {
	placement, ok := r.placements.Get(tensor)
	if !ok {
		return cerrors.Wrapf(tidalmem.UnknownTensorError, "free of tensor %d", tensor)
	}

	c, ok := r.byID.Get(placement.Chunk)
	if !ok {
		panic("placement record references a chunk the registry does not own")
	}

	err := c.RemoveRegion(tensor)
	if err != nil {
		return err
	}

	r.placements.Delete(tensor)
	return nil
}

// Resolve is a read-only lookup of a tensor's current placement and the device
// its chunk resides on. External numerical code calls this to locate
// parameter, gradient, and optimizer-state storage before arithmetic or
// cross-process communication.
func (r *Registry) Resolve(tensor tidalmem.TensorID) (*Placement, tidalmem.DeviceKind, error) {
	placement, ok := r.placements.Get(tensor)
	if !ok {
		return nil, 0, cerrors.Wrapf(tidalmem.UnknownTensorError, "resolve of tensor %d", tensor)
	}

	c, ok := r.byID.Get(placement.Chunk)
	if !ok {
		panic("placement record references a chunk the registry does not own")
	}

	return placement, c.ResidentDevice(), nil
}

// MarkRetired flags a tensor's payload as step-scoped done, e.g. a forward
// activation after its backward use. The chunk becomes a cheap eviction victim
// once all its regions are retired.
func (r *Registry) MarkRetired(tensor tidalmem.TensorID) error {
	placement, ok := r.placements.Get(tensor)
	if !ok {
		return cerrors.Wrapf(tidalmem.UnknownTensorError, "retire of tensor %d", tensor)
	}

	c, ok := r.byID.Get(placement.Chunk)
	if !ok {
		panic("placement record references a chunk the registry does not own")
	}

	return c.MarkRetired(tensor)
}

// reclaimReleased frees the slabs of released chunks resident on the device
// and destroys the chunks. Retired tensors whose chunks are reclaimed lose
// their placement records.
func (r *Registry) reclaimReleased(device tidalmem.DeviceKind) {
	kept := r.chunks[:0]
	for _, c := range r.chunks {
		if c.State() != chunk.StateReleased || c.ResidentDevice() != device || c.Migrating() {
			kept = append(kept, c)
			continue
		}

		for _, tensor := range c.Reclaim() {
			r.placements.Delete(tensor)
		}
		r.arenaFor(device).FreeSlab(c.Capacity())
		r.byID.Delete(c.ID())

		r.logger.Debug("chunk reclaimed",
			slog.Uint64("chunk", uint64(c.ID())),
			slog.String("device", device.String()),
		)
	}
	r.chunks = kept
}

// Sweep reclaims every released chunk on both devices. The engine runs it at
// the end of each training step.
func (r *Registry) Sweep() {
	r.reclaimReleased(tidalmem.DeviceAccelerator)
	r.reclaimReleased(tidalmem.DeviceHost)
}

func (r *Registry) arenaFor(device tidalmem.DeviceKind) *arena.Arena {
	if device == tidalmem.DeviceHost {
		return r.host
	}
	return r.accel
}

// Validate checks registry-wide invariants: every placement maps to a live
// chunk region and every chunk's own invariants hold.
func (r *Registry) Validate() error {
	var err error
	r.placements.Iter(func(tensor tidalmem.TensorID, placement *Placement) bool {
		c, ok := r.byID.Get(placement.Chunk)
		if !ok {
			err = cerrors.Errorf("tensor %d maps to chunk %d which the registry does not own", tensor, placement.Chunk)
			return true
		}

		region, ok := c.Region(tensor)
		if !ok {
			err = cerrors.Errorf("tensor %d maps to chunk %d but the chunk has no region for it", tensor, placement.Chunk)
			return true
		}
		if region.Offset != placement.Offset || region.Length != placement.Length {
			err = cerrors.Errorf("tensor %d placement disagrees with its chunk region", tensor)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	for _, c := range r.chunks {
		err = c.Validate()
		if err != nil {
			return err
		}
	}
	return nil
}
