package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "readingtracker"

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ticks_total",
		Help:      "Gaze frames processed.",
	})
	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "gaze_misses_total",
		Help:      "Gaze frames whose ray missed the stimulus.",
	})
	aoiHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "aoi_hits_total",
		Help:      "Ticks whose gaze landed inside an AOI.",
	})
	selectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "aoi_selection_toggles_total",
		Help:      "AOI selection toggles on trigger release.",
	})
	outliersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "calibration_outliers_total",
		Help:      "Calibration samples rejected as outliers.",
	})
	calibrationPointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "calibration_points_total",
		Help:      "Calibration points collected.",
	})
	phaseGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "calibration_phase",
		Help:      "Current calibration phase (0 none, 5 done).",
	})
)
