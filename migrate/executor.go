// Package migrate performs the device-to-device payload copies ordered by the
// placement scheduler. A migration copies a chunk's bytes into a slab on the
// target tier, retargets the chunk's resident device, and releases the source
// slab. The chunk's lifecycle state is unchanged by the move itself.
package migrate

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tidalmem/tidalmem"
	"github.com/tidalmem/tidalmem/arena"
	"github.com/tidalmem/tidalmem/chunk"
	"golang.org/x/exp/slog"
)

// Stats contains basic metrics for migrations over time.
type Stats struct {
	// BytesMoved is the number of payload bytes copied between tiers
	BytesMoved int
	// ChunksMoved is the number of completed migrations
	ChunksMoved int
	// Evictions is the number of migrations that moved a chunk off the accelerator
	Evictions int
	// Fetches is the number of migrations that moved a chunk onto the
	// accelerator, on demand or ahead of a predicted need
	Fetches int
}

func (s *Stats) Add(stats Stats) {
	s.BytesMoved += stats.BytesMoved
	s.ChunksMoved += stats.ChunksMoved
	s.Evictions += stats.Evictions
	s.Fetches += stats.Fetches
}

// Executor carries out migrations between the two device arenas. It only ever
// executes placement decisions already committed by the scheduler- it makes no
// policy choices of its own.
type Executor struct {
	logger *slog.Logger
	accel  *arena.Arena
	host   *arena.Arena

	stats Stats
}

// NewExecutor creates an Executor bridging the two arenas.
func NewExecutor(logger *slog.Logger, accel, host *arena.Arena) *Executor {
	return &Executor{
		logger: logger,
		accel:  accel,
		host:   host,
	}
}

func (e *Executor) arenaFor(device tidalmem.DeviceKind) *arena.Arena {
	switch device {
	case tidalmem.DeviceAccelerator:
		return e.accel
	case tidalmem.DeviceHost:
		return e.host
	}

	panic(fmt.Sprintf("no arena for device %s", device))
}

// Migrate moves the chunk's payload to the target device. The chunk must be in
// a migratable state (hold or released)- moving a chunk in compute is an
// invariant violation and panics. Target-arena exhaustion should not occur
// when the scheduler reserved space first; it is reported as
// MigrationFailedError and logged for diagnosis rather than retried.
func (e *Executor) Migrate(c *chunk.Chunk, target tidalmem.DeviceKind) error {
	source := c.ResidentDevice()
	if source == target {
		return nil
	}

	if !c.State().CanMigrate() {
		panic(fmt.Sprintf("chunk %d: migration ordered in state %s", c.ID(), c.State()))
	}

	dstPayload, err := e.arenaFor(target).AllocSlab(c.Capacity())
	if err != nil {
		err = cerrors.Wrapf(tidalmem.MigrationFailedError, "chunk %d to %s: %v", c.ID(), target, err)
		e.logger.Error("migration failed",
			slog.Uint64("chunk", uint64(c.ID())),
			slog.String("target", target.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	c.BeginMigration()
	copy(dstPayload, c.Payload())
	e.arenaFor(source).FreeSlab(c.Capacity())
	c.CompleteMigration(target, dstPayload)

	e.stats.BytesMoved += c.Capacity()
	e.stats.ChunksMoved++
	if target == tidalmem.DeviceHost {
		e.stats.Evictions++
	} else {
		e.stats.Fetches++
	}

	e.logger.Debug("chunk migrated",
		slog.Uint64("chunk", uint64(c.ID())),
		slog.String("from", source.String()),
		slog.String("to", target.String()),
		slog.Int("bytes", c.Capacity()),
	)
	return nil
}

// Stats returns migration metrics accumulated since the executor was created.
func (e *Executor) Stats() Stats {
	return e.stats
}
