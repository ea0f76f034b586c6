// Package engine is the public façade of tidalmem. It ties the chunk registry,
// pressure monitor, placement scheduler, and migration executor into the
// control flow of a training step: the compute collaborator brackets every
// tensor read/write with BeginAccess/EndAccess, the training loop driver
// advances the phase cursor at phase boundaries, and EndStep reclaims retired
// payloads. One engine manages one accelerator; a multi-accelerator deployment
// runs one independent engine per accelerator process.
package engine

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tidalmem/tidalmem"
	"github.com/tidalmem/tidalmem/arena"
	"github.com/tidalmem/tidalmem/chunk"
	"github.com/tidalmem/tidalmem/engine/internal/utils"
	"github.com/tidalmem/tidalmem/migrate"
	"github.com/tidalmem/tidalmem/placement"
	"github.com/tidalmem/tidalmem/pressure"
	"github.com/tidalmem/tidalmem/registry"
	"golang.org/x/exp/slog"
)

// Engine owns the process-wide shared state of the memory manager: the device
// budgets, the phase cursor, and the chunk registry. Mutation follows a
// single-writer discipline- only the placement scheduler commits placement
// decisions, and the migration executor only executes decisions already
// committed- guarded by one optional mutex rather than fine-grained locking.
type Engine struct {
	mutex  utils.OptionalRWMutex
	logger *slog.Logger

	accel     *arena.Arena
	host      *arena.Arena
	monitor   *pressure.Monitor
	executor  *migrate.Executor
	scheduler *placement.Scheduler
	registry  *registry.Registry

	currentPhase tidalmem.Phase
	step         uint64
	warmup       bool
}

func (e *Engine) usage(device tidalmem.DeviceKind) int {
	if device == tidalmem.DeviceHost {
		return e.host.SlabBytes()
	}
	return e.accel.SlabBytes()
}

// Allocate registers a tensor's storage and assigns it to a (chunk, offset)
// pair. A new chunk is created when no existing chunk of the tensor's kind has
// enough contiguous free space. It fails with OutOfMemoryError only when both
// device budgets are exhausted after evicting every eligible chunk.
func (e *Engine) Allocate(tensor tidalmem.TensorID, length int, dtype tidalmem.DType, kind tidalmem.AccessKind) (*registry.Placement, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	record, err := e.registry.Allocate(tensor, length, dtype, kind, e.currentPhase)
	if err != nil {
		return nil, err
	}

	tidalmem.DebugValidate(e.registry)
	return record, nil
}

// Free removes the tensor's payload region and placement record. The owning
// chunk's slab is reclaimed by the next end-of-step sweep once it is fully
// unoccupied.
func (e *Engine) Free(tensor tidalmem.TensorID) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	err := e.registry.Free(tensor)
	if err != nil {
		return err
	}

	tidalmem.DebugValidate(e.registry)
	return nil
}

// Resolve is a read-only lookup of the tensor's placement and current resident
// device, for external numerical and checkpointing code.
func (e *Engine) Resolve(tensor tidalmem.TensorID) (*registry.Placement, tidalmem.DeviceKind, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.registry.Resolve(tensor)
}

// MarkRetired flags the tensor's payload as done for this step, e.g. a forward
// activation after its backward use, making its chunk a cheap eviction victim.
func (e *Engine) MarkRetired(tensor tidalmem.TensorID) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.registry.MarkRetired(tensor)
}

// BeginAccess brackets the start of a compute read or write of the tensor's
// storage. It migrates the owning chunk to the accelerator if needed, evicting
// ranked victims to make room, and suspends until any in-flight migration for
// the chunk completes. The returned bytes are valid only until the matching
// EndAccess.
func (e *Engine) BeginAccess(tensor tidalmem.TensorID) ([]byte, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	record, _, err := e.registry.Resolve(tensor)
	if err != nil {
		return nil, err
	}

	c, ok := e.registry.ChunkByID(record.Chunk)
	if !ok {
		panic("resolved placement references a chunk the registry does not own")
	}

	err = e.scheduler.EnsureResident(c, e.registry.Chunks(), e.currentPhase)
	if err != nil {
		return nil, err
	}

	for {
		err = c.BeginAccess()
		if !cerrors.Is(err, tidalmem.ChunkMigratingError) {
			break
		}

		// Wait out the in-flight migration without holding the engine lock.
		done := c.MigrationDone()
		e.mutex.Unlock()
		<-done
		e.mutex.Lock()
	}
	if err != nil {
		return nil, err
	}

	c.Touch(e.scheduler.NextTick())

	return c.Payload()[record.Offset : record.Offset+record.Length], nil
}

// EndAccess brackets the end of a compute read or write. The address returned
// by the matching BeginAccess must not be used afterwards.
func (e *Engine) EndAccess(tensor tidalmem.TensorID) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	record, _, err := e.registry.Resolve(tensor)
	if err != nil {
		return err
	}

	c, ok := e.registry.ChunkByID(record.Chunk)
	if !ok {
		panic("resolved placement references a chunk the registry does not own")
	}

	c.EndAccess()
	return nil
}

// AuditTrail returns the state-transition and migration audit log of the chunk
// backing the tensor, for diagnosing lifecycle violations.
func (e *Engine) AuditTrail(tensor tidalmem.TensorID) ([]chunk.AuditEvent, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	record, _, err := e.registry.Resolve(tensor)
	if err != nil {
		return nil, err
	}

	c, ok := e.registry.ChunkByID(record.Chunk)
	if !ok {
		panic("resolved placement references a chunk the registry does not own")
	}

	return c.Audit(), nil
}

// AdvancePhase moves the phase cursor. The exiting phase's bytes-in-use is
// recorded with the pressure monitor, and chunks predicted to be needed in the
// entering phase are prefetched while spare headroom exists.
func (e *Engine) AdvancePhase(phase tidalmem.Phase) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.monitor.Observe(tidalmem.DeviceAccelerator, e.currentPhase, e.accel.SlabBytes())
	e.monitor.Observe(tidalmem.DeviceHost, e.currentPhase, e.host.SlabBytes())

	e.logger.Debug("phase advanced",
		slog.String("from", e.currentPhase.String()),
		slog.String("to", phase.String()),
		slog.Uint64("step", e.step),
	)
	e.currentPhase = phase

	e.scheduler.PrefetchForPhase(phase, e.registry.Chunks())
}

// EndStep closes the training step: released chunks are reclaimed on both
// devices, the cursor returns to idle, and the warmup flag drops after the
// first full step.
func (e *Engine) EndStep() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.monitor.Observe(tidalmem.DeviceAccelerator, e.currentPhase, e.accel.SlabBytes())
	e.monitor.Observe(tidalmem.DeviceHost, e.currentPhase, e.host.SlabBytes())

	e.registry.Sweep()
	e.currentPhase = tidalmem.PhaseIdle
	e.step++
	e.warmup = false

	tidalmem.DebugValidate(e.registry)
}

// Phase returns the current phase cursor.
func (e *Engine) Phase() tidalmem.Phase {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.currentPhase
}

// Step returns the number of completed training steps.
func (e *Engine) Step() uint64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.step
}

// IsWarmup reports whether the engine is still in its first training step,
// during which accesses seed the recency data and no predictions exist yet.
func (e *Engine) IsWarmup() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.warmup
}

// Monitor exposes the pressure monitor, e.g. for wiring a pressure.Collector
// into a Prometheus registry.
func (e *Engine) Monitor() *pressure.Monitor {
	return e.monitor
}

// NewPressureCollector builds a Prometheus collector over this engine's
// pressure monitor and device usage.
func (e *Engine) NewPressureCollector() *pressure.Collector {
	return pressure.NewCollector(e.monitor, e.usage)
}

// MigrationStats returns migration metrics accumulated since engine creation.
func (e *Engine) MigrationStats() migrate.Stats {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.executor.Stats()
}

// CalculateStatistics sums usage across all chunks on both devices.
func (e *Engine) CalculateStatistics(stats *tidalmem.Statistics) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	for _, c := range e.registry.Chunks() {
		c.AddStatistics(stats)
	}
}

// CalculateDetailedStatistics sums usage, region sizes, and free ranges across
// all chunks on both devices.
func (e *Engine) CalculateDetailedStatistics(stats *tidalmem.DetailedStatistics) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	for _, c := range e.registry.Chunks() {
		c.AddDetailedStatistics(stats)
	}
}

// BuildStatsString writes a JSON description of the engine's current state,
// including per-device budgets and, when detailedMap is set, the full layout
// of every chunk. This is the diagnostic attached to out-of-memory reports.
func (e *Engine) BuildStatsString(detailedMap bool) string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	w := jwriter.NewWriter()
	obj := w.Object()

	obj.Name("Step").Int(int(e.step))
	obj.Name("Phase").String(e.currentPhase.String())

	devicesJson := obj.Name("Devices").Object()
	for _, a := range []*arena.Arena{e.accel, e.host} {
		deviceJson := devicesJson.Name(a.Kind().String()).Object()
		deviceJson.Name("CapacityBytes").Int(a.CapacityBytes())
		deviceJson.Name("ReservedBytes").Int(a.ReservedBytes())
		deviceJson.Name("SlabBytes").Int(a.SlabBytes())
		deviceJson.Name("SlabCount").Int(a.SlabCount())
		deviceJson.End()
	}
	devicesJson.End()

	if detailedMap {
		chunksJson := obj.Name("Chunks").Array()
		for _, c := range e.registry.Chunks() {
			chunkJson := chunksJson.Object()
			c.PrintDetailedMap(&chunkJson)
			chunkJson.End()
		}
		chunksJson.End()
	}

	obj.End()
	return string(w.Bytes())
}

// Destroy stops the engine's background sampling loop, if any. The engine must
// not be used afterwards.
func (e *Engine) Destroy() {
	e.monitor.StopSampling()
}
