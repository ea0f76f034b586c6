package registry_test

import (
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidalmem/tidalmem"
	"github.com/tidalmem/tidalmem/arena"
	"github.com/tidalmem/tidalmem/chunk"
	"github.com/tidalmem/tidalmem/registry"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const testChunkSize = 256

func newTestRegistry(t *testing.T, scheduler registry.PlacementScheduler, accelCapacity, hostCapacity int) (*registry.Registry, *arena.Arena, *arena.Arena) {
	t.Helper()

	accel, err := arena.New(tidalmem.DeviceAccelerator, accelCapacity, 0)
	require.NoError(t, err)
	host, err := arena.New(tidalmem.DeviceHost, hostCapacity, 0)
	require.NoError(t, err)

	reg, err := registry.New(slog.Default(), testChunkSize, accel, host, scheduler)
	require.NoError(t, err)
	return reg, accel, host
}

func TestRegistryChunkSizeMustBePow2(t *testing.T) {
	accel, err := arena.New(tidalmem.DeviceAccelerator, 1024, 0)
	require.NoError(t, err)
	host, err := arena.New(tidalmem.DeviceHost, 1024, 0)
	require.NoError(t, err)

	_, err = registry.New(slog.Default(), 300, accel, host, nil)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, tidalmem.PowerOfTwoError))
}

func TestRegistryAllocatePacksSameKind(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, accel, _ := newTestRegistry(t, scheduler, 1024, 1024)

	p1, err := reg.Allocate(1, 100, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseIdle)
	require.NoError(t, err)
	require.Equal(t, tidalmem.TensorID(1), p1.Tensor)
	require.Equal(t, 0, p1.Offset)
	require.Equal(t, 100, p1.Length)

	p2, err := reg.Allocate(2, 100, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseIdle)
	require.NoError(t, err)

	// Same kind, same chunk, disjoint offsets.
	require.Equal(t, p1.Chunk, p2.Chunk)
	require.Equal(t, 100, p2.Offset)
	require.Equal(t, testChunkSize, accel.SlabBytes())
	require.Equal(t, 1, accel.SlabCount())

	// A different kind never shares the chunk.
	p3, err := reg.Allocate(3, 100, tidalmem.Float16, tidalmem.AccessGradient, tidalmem.PhaseIdle)
	require.NoError(t, err)
	require.NotEqual(t, p1.Chunk, p3.Chunk)
	require.Equal(t, 2, accel.SlabCount())

	// Same kind but no contiguous room left spills to a fresh chunk.
	p4, err := reg.Allocate(4, 100, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseIdle)
	require.NoError(t, err)
	require.NotEqual(t, p1.Chunk, p4.Chunk)
	require.Equal(t, 3, accel.SlabCount())

	require.NoError(t, reg.Validate())
}

func TestRegistryAllocateRejectsBadRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, _, _ := newTestRegistry(t, scheduler, 1024, 1024)

	_, err := reg.Allocate(1, 0, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseIdle)
	require.Error(t, err)

	_, err = reg.Allocate(1, testChunkSize+1, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseIdle)
	require.Error(t, err)

	_, err = reg.Allocate(1, 100, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseIdle)
	require.NoError(t, err)

	_, err = reg.Allocate(1, 100, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseIdle)
	require.Error(t, err)
}

func TestRegistryResolveAndFree(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, accel, _ := newTestRegistry(t, scheduler, 1024, 1024)

	p, err := reg.Allocate(1, 100, tidalmem.Int64, tidalmem.AccessOptimizerState, tidalmem.PhaseIdle)
	require.NoError(t, err)

	resolved, device, err := reg.Resolve(1)
	require.NoError(t, err)
	require.Equal(t, p, resolved)
	require.Equal(t, tidalmem.DeviceAccelerator, device)
	require.Equal(t, tidalmem.Int64, resolved.DType)
	require.Equal(t, tidalmem.AccessOptimizerState, resolved.Kind)

	require.NoError(t, reg.Free(1))

	_, _, err = reg.Resolve(1)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, tidalmem.UnknownTensorError))

	err = reg.Free(1)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, tidalmem.UnknownTensorError))

	// The released chunk's slab survives until the sweep.
	require.Equal(t, testChunkSize, accel.SlabBytes())
	reg.Sweep()
	require.Equal(t, 0, accel.SlabBytes())
	require.Empty(t, reg.Chunks())
}

func TestRegistryRetireThenSweep(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, accel, _ := newTestRegistry(t, scheduler, 1024, 1024)

	_, err := reg.Allocate(1, 100, tidalmem.Float16, tidalmem.AccessActivation, tidalmem.PhaseForward)
	require.NoError(t, err)
	_, err = reg.Allocate(2, 100, tidalmem.Float16, tidalmem.AccessActivation, tidalmem.PhaseForward)
	require.NoError(t, err)

	require.NoError(t, reg.MarkRetired(1))
	require.NoError(t, reg.MarkRetired(2))

	c, ok := reg.ChunkByID(1)
	require.True(t, ok)
	require.Equal(t, chunk.StateReleased, c.State())

	reg.Sweep()
	require.Equal(t, 0, accel.SlabBytes())

	// Retired tensors lose their placement records with the chunk.
	_, _, err = reg.Resolve(1)
	require.True(t, cerrors.Is(err, tidalmem.UnknownTensorError))

	err = reg.MarkRetired(3)
	require.True(t, cerrors.Is(err, tidalmem.UnknownTensorError))
}

func TestRegistryReclaimsReleasedOnDemand(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)

	// One chunk of accelerator budget.
	reg, accel, _ := newTestRegistry(t, scheduler, testChunkSize, 1024)

	_, err := reg.Allocate(1, 200, tidalmem.Float32, tidalmem.AccessActivation, tidalmem.PhaseForward)
	require.NoError(t, err)
	require.NoError(t, reg.MarkRetired(1))

	// The next allocation reclaims the released chunk in place of evicting.
	// The scheduler is never consulted.
	p, err := reg.Allocate(2, 200, tidalmem.Float32, tidalmem.AccessActivation, tidalmem.PhaseForward)
	require.NoError(t, err)
	require.Equal(t, tidalmem.ChunkID(2), p.Chunk)
	require.Equal(t, testChunkSize, accel.SlabBytes())
	require.Equal(t, 1, accel.SlabCount())
	require.NoError(t, reg.Validate())
}

func TestRegistryEvictsViaScheduler(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, accel, host := newTestRegistry(t, scheduler, testChunkSize, 1024)

	_, err := reg.Allocate(1, 200, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseForward)
	require.NoError(t, err)

	// The scheduler frees a chunk's worth of accelerator budget. The mock
	// mimics a real eviction's accounting: the arena balance moves to the
	// host tier.
	scheduler.EXPECT().
		MakeRoom(testChunkSize, gomock.Any(), tidalmem.PhaseForward).
		DoAndReturn(func(size int, residents []*chunk.Chunk, phase tidalmem.Phase) error {
			_, allocErr := host.AllocSlab(testChunkSize)
			require.NoError(t, allocErr)
			accel.FreeSlab(testChunkSize)
			return nil
		})

	p, err := reg.Allocate(2, 200, tidalmem.Float32, tidalmem.AccessGradient, tidalmem.PhaseForward)
	require.NoError(t, err)
	require.Equal(t, testChunkSize, accel.SlabBytes())

	_, device, err := reg.Resolve(2)
	require.NoError(t, err)
	require.Equal(t, tidalmem.DeviceAccelerator, device)
	require.Equal(t, tidalmem.ChunkID(2), p.Chunk)
}

func TestRegistryFallsBackToHost(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, accel, host := newTestRegistry(t, scheduler, testChunkSize, 1024)

	_, err := reg.Allocate(1, 200, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseForward)
	require.NoError(t, err)

	// Eviction cannot help; the chunk lands on the host instead.
	scheduler.EXPECT().
		MakeRoom(testChunkSize, gomock.Any(), tidalmem.PhaseForward).
		Return(cerrors.Wrapf(tidalmem.OutOfMemoryError, "no evictable chunks"))

	_, err = reg.Allocate(2, 200, tidalmem.Float32, tidalmem.AccessGradient, tidalmem.PhaseForward)
	require.NoError(t, err)

	_, device, err := reg.Resolve(2)
	require.NoError(t, err)
	require.Equal(t, tidalmem.DeviceHost, device)
	require.Equal(t, testChunkSize, accel.SlabBytes())
	require.Equal(t, testChunkSize, host.SlabBytes())
}

func TestRegistryMigrationFailurePropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, _, host := newTestRegistry(t, scheduler, testChunkSize, 1024)

	_, err := reg.Allocate(1, 200, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseForward)
	require.NoError(t, err)

	// A failed migration is an invariant violation, not a fallback trigger.
	scheduler.EXPECT().
		MakeRoom(testChunkSize, gomock.Any(), tidalmem.PhaseForward).
		Return(cerrors.Wrapf(tidalmem.MigrationFailedError, "chunk 1 to DeviceHost"))

	_, err = reg.Allocate(2, 200, tidalmem.Float32, tidalmem.AccessGradient, tidalmem.PhaseForward)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, tidalmem.MigrationFailedError))
	require.Equal(t, 0, host.SlabBytes())
}

func TestRegistryOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, _, _ := newTestRegistry(t, scheduler, testChunkSize, testChunkSize)

	scheduler.EXPECT().
		MakeRoom(testChunkSize, gomock.Any(), tidalmem.PhaseForward).
		Return(cerrors.Wrapf(tidalmem.OutOfMemoryError, "no evictable chunks")).
		Times(2)

	_, err := reg.Allocate(1, 200, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseForward)
	require.NoError(t, err)

	// The second allocation asks the scheduler for room and then lands on the
	// host tier, exhausting it.
	_, err = reg.Allocate(2, 200, tidalmem.Float32, tidalmem.AccessGradient, tidalmem.PhaseForward)
	require.NoError(t, err)

	scheduler.EXPECT().
		HasEvictable(gomock.Any(), tidalmem.PhaseForward).
		Return(false)

	// Both tiers are exhausted with nothing evictable: the one place
	// out-of-memory surfaces.
	_, err = reg.Allocate(3, 200, tidalmem.Float32, tidalmem.AccessActivation, tidalmem.PhaseForward)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, tidalmem.OutOfMemoryError))
}

func TestRegistryValidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	scheduler := NewMockPlacementScheduler(ctrl)
	reg, _, _ := newTestRegistry(t, scheduler, 1024, 1024)

	for i := tidalmem.TensorID(1); i <= 8; i++ {
		_, err := reg.Allocate(i, 64, tidalmem.Float32, tidalmem.AccessParameter, tidalmem.PhaseIdle)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Validate())

	require.NoError(t, reg.Free(3))
	require.NoError(t, reg.Free(6))
	require.NoError(t, reg.Validate())
}
