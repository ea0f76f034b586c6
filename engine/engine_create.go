package engine

import (
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tidalmem/tidalmem"
	"github.com/tidalmem/tidalmem/arena"
	"github.com/tidalmem/tidalmem/engine/internal/utils"
	"github.com/tidalmem/tidalmem/migrate"
	"github.com/tidalmem/tidalmem/placement"
	"github.com/tidalmem/tidalmem/pressure"
	"github.com/tidalmem/tidalmem/registry"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific engine behaviors to activate or deactivate
type CreateFlags int32

const (
	// EngineCreateExternallySynchronized ensures that this engine and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism, but performance may improve
	// because internal mutexes are not used.
	EngineCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	EngineCreateExternallySynchronized: "EngineCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	return createFlagsMapping[f]
}

const (
	// defaultChunkSizeBytes is the value that is used as the ChunkSizeBytes when none is
	// provided via CreateOptions. It is equal to 64Mb.
	defaultChunkSizeBytes int = 64 * 1024 * 1024
)

// CreateOptions contains settings for creating an engine. The capacity fields
// are required; everything else has a workable default.
type CreateOptions struct {
	// Flags indicates specific engine behaviors to activate or deactivate
	Flags CreateFlags

	// ChunkSizeBytes is the uniform capacity of every chunk. It must be a power
	// of two. Defaults to 64Mb when 0.
	ChunkSizeBytes int

	// AcceleratorCapacityBytes is the hard ceiling for the accelerator tier
	AcceleratorCapacityBytes int
	// AcceleratorReservedBytes is headroom kept free on the accelerator for
	// transient compute buffers, e.g. the activation peak during a single
	// layer's forward or backward
	AcceleratorReservedBytes int
	// HostCapacityBytes is the hard ceiling for the host tier
	HostCapacityBytes int
	// HostReservedBytes is headroom kept free on the host
	HostReservedBytes int

	// PressureWindowLen is the number of recent steps the pressure monitor
	// keeps per device and phase. Defaults to pressure.DefaultWindowLen when 0.
	PressureWindowLen int
	// PredictionMode selects how the pressure monitor condenses its window
	// into a peak estimate
	PredictionMode pressure.PredictionMode
	// SamplingInterval enables the monitor's background usage sampling loop
	// when non-zero
	SamplingInterval time.Duration

	// Policy overrides the eviction policy. Defaults to
	// placement.KindPriorityPolicy when nil
	Policy placement.EvictionPolicy
}

// New creates an Engine managing one accelerator/host tier pair.
//
// logger - Receives debug-level operation traces and error reports. Required.
//
// options - Capacity fields are required, the rest may be left blank
func New(logger *slog.Logger, options CreateOptions) (*Engine, error) {
	if logger == nil {
		return nil, cerrors.New("a logger is required to create an engine")
	}

	chunkSize := options.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = defaultChunkSizeBytes
	}
	err := tidalmem.CheckPow2(uint(chunkSize), "ChunkSizeBytes")
	if err != nil {
		return nil, err
	}

	accel, err := arena.New(tidalmem.DeviceAccelerator, options.AcceleratorCapacityBytes, options.AcceleratorReservedBytes)
	if err != nil {
		return nil, err
	}
	host, err := arena.New(tidalmem.DeviceHost, options.HostCapacityBytes, options.HostReservedBytes)
	if err != nil {
		return nil, err
	}

	monitor, err := pressure.NewMonitor(options.PressureWindowLen, options.PredictionMode)
	if err != nil {
		return nil, err
	}

	executor := migrate.NewExecutor(logger, accel, host)
	scheduler := placement.NewScheduler(logger, accel, host, options.Policy, monitor, executor)

	reg, err := registry.New(logger, chunkSize, accel, host, scheduler)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		mutex:     utils.OptionalRWMutex{UseMutex: options.Flags&EngineCreateExternallySynchronized == 0},
		logger:    logger,
		accel:     accel,
		host:      host,
		monitor:   monitor,
		executor:  executor,
		scheduler: scheduler,
		registry:  reg,

		currentPhase: tidalmem.PhaseIdle,
		warmup:       true,
	}

	if options.SamplingInterval > 0 {
		monitor.StartSampling(options.SamplingInterval, engine.Phase, engine.usage)
	}

	return engine, nil
}
