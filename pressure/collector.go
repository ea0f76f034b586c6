package pressure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidalmem/tidalmem"
)

var observedPhases = []tidalmem.Phase{
	tidalmem.PhaseIdle,
	tidalmem.PhaseForward,
	tidalmem.PhaseBackward,
	tidalmem.PhaseOptimizerStep,
}

var observedDevices = []tidalmem.DeviceKind{
	tidalmem.DeviceAccelerator,
	tidalmem.DeviceHost,
}

// Collector exposes the monitor's view of device memory pressure as Prometheus
// metrics. Register it with a prometheus.Registerer to scrape bytes-in-use and
// per-phase predicted peaks.
type Collector struct {
	monitor *Monitor
	usage   func(tidalmem.DeviceKind) int

	bytesInUse    *prometheus.Desc
	predictedPeak *prometheus.Desc
}

// NewCollector wraps the monitor in a prometheus.Collector. usage must return
// the current bytes-in-use for the requested device.
func NewCollector(monitor *Monitor, usage func(tidalmem.DeviceKind) int) *Collector {
	return &Collector{
		monitor: monitor,
		usage:   usage,
		bytesInUse: prometheus.NewDesc(
			"tidalmem_device_bytes_in_use",
			"Bytes currently committed to resident chunks on a device tier.",
			[]string{"device"},
			nil,
		),
		predictedPeak: prometheus.NewDesc(
			"tidalmem_predicted_peak_bytes",
			"Predicted peak bytes-in-use for a device tier during a training phase.",
			[]string{"device", "phase"},
			nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesInUse
	ch <- c.predictedPeak
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, device := range observedDevices {
		ch <- prometheus.MustNewConstMetric(
			c.bytesInUse,
			prometheus.GaugeValue,
			float64(c.usage(device)),
			device.String(),
		)

		for _, phase := range observedPhases {
			ch <- prometheus.MustNewConstMetric(
				c.predictedPeak,
				prometheus.GaugeValue,
				float64(c.monitor.PredictedPeak(device, phase)),
				device.String(),
				phase.String(),
			)
		}
	}
}
