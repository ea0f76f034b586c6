// Package pressure tracks per-device memory usage across the phases of a
// training step. Usage rises through the forward and backward passes and falls
// through the optimizer step- the monitor records the peaks of that tidal
// pattern over a rolling window of recent steps so the placement scheduler can
// size prefetch and proactive eviction before a phase begins.
package pressure

import (
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tidalmem/tidalmem"
)

// DefaultWindowLen is the number of recent steps kept per device and phase
// when no window length is configured.
const DefaultWindowLen = 4

// PredictionMode selects how PredictedPeak condenses the observation window
// into a single estimate.
type PredictionMode uint32

const (
	// PredictMax estimates the upcoming peak as the maximum observed over the
	// window. This is the default- it never under-reserves at the cost of
	// occasionally prefetching less than it could.
	PredictMax PredictionMode = iota
	// PredictEWMA estimates the upcoming peak as an exponentially-weighted
	// moving average over the window, weighting recent steps more heavily.
	PredictEWMA
)

var predictionModeMapping = map[PredictionMode]string{
	PredictMax:  "PredictMax",
	PredictEWMA: "PredictEWMA",
}

func (m PredictionMode) String() string {
	return predictionModeMapping[m]
}

const ewmaAlpha = 0.6

// 2 tiers; DeviceKind values index directly into the sample tables.
const numDevices = 2

// Monitor keeps the rolling pressure record. Observations never block beyond
// internal bookkeeping and the monitor takes no placement actions itself.
type Monitor struct {
	mu sync.RWMutex

	windowLen int
	mode      PredictionMode

	// samples[device][phase] is a ring of observed bytes-in-use at that phase's
	// boundary over the last windowLen steps.
	samples [numDevices][tidalmem.PhaseCount][]int

	stopSampling chan struct{}
}

// NewMonitor creates a Monitor with the provided window length and prediction
// mode. A windowLen of 0 selects DefaultWindowLen.
func NewMonitor(windowLen int, mode PredictionMode) (*Monitor, error) {
	if windowLen < 0 {
		return nil, cerrors.Errorf("pressure window length must be non-negative, got %d", windowLen)
	}
	if windowLen == 0 {
		windowLen = DefaultWindowLen
	}

	return &Monitor{
		windowLen: windowLen,
		mode:      mode,
	}, nil
}

// Observe records bytes-in-use for the device at a boundary of the provided
// phase. Observations older than the window are dropped.
func (m *Monitor) Observe(device tidalmem.DeviceKind, phase tidalmem.Phase, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.samples[device][phase]
	window = append(window, bytes)
	if len(window) > m.windowLen {
		window = window[len(window)-m.windowLen:]
	}
	m.samples[device][phase] = window
}

// PredictedPeak estimates the bytes-in-use the device will reach during the
// provided phase, based on the observation window. It returns 0 when no
// observations exist yet- the warmup step runs without predictions.
func (m *Monitor) PredictedPeak(device tidalmem.DeviceKind, phase tidalmem.Phase) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	window := m.samples[device][phase]
	if len(window) == 0 {
		return 0
	}

	switch m.mode {
	case PredictEWMA:
		estimate := float64(window[0])
		for _, sample := range window[1:] {
			estimate = ewmaAlpha*float64(sample) + (1-ewmaAlpha)*estimate
		}
		return int(estimate)
	default:
		peak := 0
		for _, sample := range window {
			if sample > peak {
				peak = sample
			}
		}
		return peak
	}
}

// ObservationCount returns the number of samples currently held for the
// device and phase.
func (m *Monitor) ObservationCount(device tidalmem.DeviceKind, phase tidalmem.Phase) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.samples[device][phase])
}

// StartSampling launches a background loop that records usage every interval,
// attributing each sample to the phase reported by currentPhase. usage must
// return current bytes-in-use for the requested device. The loop runs until
// StopSampling is called.
func (m *Monitor) StartSampling(interval time.Duration, currentPhase func() tidalmem.Phase, usage func(tidalmem.DeviceKind) int) {
	m.mu.Lock()
	if m.stopSampling != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stopSampling = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				phase := currentPhase()
				m.Observe(tidalmem.DeviceAccelerator, phase, usage(tidalmem.DeviceAccelerator))
				m.Observe(tidalmem.DeviceHost, phase, usage(tidalmem.DeviceHost))
			}
		}
	}()
}

// StopSampling stops the background sampling loop if one is running.
func (m *Monitor) StopSampling() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopSampling != nil {
		close(m.stopSampling)
		m.stopSampling = nil
	}
}
