// Package placement is the policy engine for chunk residency. The scheduler
// decides which chunks must be migrated onto the accelerator, which resident
// chunks to evict to make room, and what to prefetch at phase boundaries based
// on the pressure monitor's tidal predictions. It is the only component that
// commits placement decisions; the migration executor only carries them out.
package placement

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/tidalmem/tidalmem"
	"github.com/tidalmem/tidalmem/arena"
	"github.com/tidalmem/tidalmem/chunk"
	"github.com/tidalmem/tidalmem/migrate"
	"github.com/tidalmem/tidalmem/pressure"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// Scheduler owns the device budgets and the eviction/prefetch policy. All
// placement state it consults is passed in or held explicitly- there is no
// package-level state, so independent schedulers (e.g. in tests) never
// interfere.
type Scheduler struct {
	logger   *slog.Logger
	accel    *arena.Arena
	host     *arena.Arena
	policy   EvictionPolicy
	monitor  *pressure.Monitor
	executor *migrate.Executor

	clock uint64
}

// NewScheduler wires the policy engine to its arenas, pressure monitor, and
// migration executor. A nil policy selects KindPriorityPolicy.
func NewScheduler(
	logger *slog.Logger,
	accel *arena.Arena,
	host *arena.Arena,
	policy EvictionPolicy,
	monitor *pressure.Monitor,
	executor *migrate.Executor,
) *Scheduler {
	if policy == nil {
		policy = KindPriorityPolicy{}
	}

	return &Scheduler{
		logger:   logger,
		accel:    accel,
		host:     host,
		policy:   policy,
		monitor:  monitor,
		executor: executor,
	}
}

// NextTick advances the logical access clock. Every chunk access stamps the
// chunk with a tick so that least-recently-accessed ordering is exact and
// replayable.
func (s *Scheduler) NextTick() uint64 {
	s.clock++
	return s.clock
}

// victims filters the resident set down to accelerator chunks that may be
// migrated right now and ranks them with the eviction policy.
func (s *Scheduler) victims(residents []*chunk.Chunk, phase tidalmem.Phase) []*chunk.Chunk {
	candidates := make([]*chunk.Chunk, 0, len(residents))
	for _, c := range residents {
		if c.ResidentDevice() != tidalmem.DeviceAccelerator {
			continue
		}
		if !c.State().CanMigrate() || c.Migrating() {
			continue
		}
		candidates = append(candidates, c)
	}

	return s.policy.RankVictims(candidates, phase)
}

// HasEvictable reports whether any accelerator-resident chunk could be evicted
// right now. The registry consults this before surfacing out-of-memory.
func (s *Scheduler) HasEvictable(residents []*chunk.Chunk, phase tidalmem.Phase) bool {
	return len(s.victims(residents, phase)) > 0
}

// MakeRoom evicts ranked victims to the host until the accelerator has at
// least size bytes of free budget. It fails with OutOfMemoryError when the
// budget cannot be met even after evicting every eligible chunk- the caller
// surfaces that to the driver, since it reflects a structural capacity
// mismatch rather than a transient condition.
func (s *Scheduler) MakeRoom(size int, residents []*chunk.Chunk, phase tidalmem.Phase) error {
	required := size - s.accel.FreeBytes()
	if required <= 0 {
		return nil
	}

	ranked := s.victims(residents, phase)

	freeable := 0
	count := 0
	for _, victim := range ranked {
		freeable += victim.Capacity()
		count++
		if freeable >= required {
			break
		}
	}

	if freeable < required || s.host.FreeBytes() < freeable {
		return cerrors.Wrapf(tidalmem.OutOfMemoryError,
			"requested %d bytes on %s: %d of %d bytes in use on accelerator, %d of %d on host, %d evictable",
			size, tidalmem.DeviceAccelerator,
			s.accel.SlabBytes(), s.accel.BudgetBytes(),
			s.host.SlabBytes(), s.host.BudgetBytes(),
			freeable,
		)
	}

	for _, victim := range ranked[:count] {
		err := s.executor.Migrate(victim, tidalmem.DeviceHost)
		if err != nil {
			return err
		}

		s.logger.Debug("chunk evicted",
			slog.Uint64("chunk", uint64(victim.ID())),
			slog.String("state", victim.State().String()),
			slog.String("kind", victim.Kind().String()),
		)
	}

	return nil
}

// EnsureResident brings the chunk onto the accelerator, evicting ranked
// victims first when the accelerator lacks room. It is a no-op when the chunk
// is already resident there.
func (s *Scheduler) EnsureResident(c *chunk.Chunk, residents []*chunk.Chunk, phase tidalmem.Phase) error {
	if c.ResidentDevice() == tidalmem.DeviceAccelerator {
		return nil
	}

	err := s.MakeRoom(c.Capacity(), residents, phase)
	if err != nil {
		return err
	}

	return s.executor.Migrate(c, tidalmem.DeviceAccelerator)
}

// prefetchKinds lists the access kinds expected to be touched during a phase,
// in fetch-priority order.
func prefetchKinds(phase tidalmem.Phase) []tidalmem.AccessKind {
	switch phase {
	case tidalmem.PhaseForward:
		return []tidalmem.AccessKind{tidalmem.AccessParameter, tidalmem.AccessActivation}
	case tidalmem.PhaseBackward:
		return []tidalmem.AccessKind{tidalmem.AccessActivation, tidalmem.AccessParameter, tidalmem.AccessGradient}
	case tidalmem.PhaseOptimizerStep:
		return []tidalmem.AccessKind{tidalmem.AccessOptimizerState, tidalmem.AccessGradient, tidalmem.AccessParameter}
	default:
		return nil
	}
}

// PrefetchForPhase migrates host-resident chunks expected to be needed in the
// upcoming phase onto the accelerator while spare headroom exists, overlapping
// transfer latency with ongoing compute. The pressure monitor's predicted peak
// bounds how much headroom is treated as spare; with no observations yet (the
// warmup step) nothing is prefetched.
func (s *Scheduler) PrefetchForPhase(next tidalmem.Phase, chunks []*chunk.Chunk) {
	predictedPeak := s.monitor.PredictedPeak(tidalmem.DeviceAccelerator, next)
	if predictedPeak == 0 {
		return
	}

	expectedGrowth := predictedPeak - s.accel.SlabBytes()
	if expectedGrowth < 0 {
		expectedGrowth = 0
	}
	spare := s.accel.FreeBytes() - expectedGrowth
	if spare <= 0 {
		return
	}

	kinds := prefetchKinds(next)

	candidates := make([]*chunk.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.ResidentDevice() != tidalmem.DeviceHost {
			continue
		}
		if c.State() != chunk.StateHold || c.Migrating() {
			continue
		}
		if !slices.Contains(kinds, c.Kind()) {
			continue
		}
		candidates = append(candidates, c)
	}

	// Fetch-priority kinds first, then most recently used, ties by id for
	// replayable schedules.
	slices.SortFunc(candidates, func(a, b *chunk.Chunk) bool {
		aRank := slices.Index(kinds, a.Kind())
		bRank := slices.Index(kinds, b.Kind())
		if aRank != bRank {
			return aRank < bRank
		}
		if a.LastAccess() != b.LastAccess() {
			return a.LastAccess() > b.LastAccess()
		}
		return a.ID() < b.ID()
	})

	for _, c := range candidates {
		if c.Capacity() > spare {
			continue
		}

		err := s.executor.Migrate(c, tidalmem.DeviceAccelerator)
		if err != nil {
			s.logger.Error("prefetch aborted", slog.String("error", err.Error()))
			return
		}
		spare -= c.Capacity()

		s.logger.Debug("chunk prefetched",
			slog.Uint64("chunk", uint64(c.ID())),
			slog.String("phase", next.String()),
			slog.String("kind", c.Kind().String()),
		)
	}
}
