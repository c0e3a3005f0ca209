// Package metrics exposes the engine's Prometheus collectors (SPEC_FULL
// "SUPPLEMENTED FEATURES / metrics surface"), grounded on the teacher's
// internal/infrastructure/silencing metrics for the namespace/subsystem
// naming convention and the counter+histogram+gauge grouping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine holds every collector the provisioning engine publishes.
type Engine struct {
	// ConfigureOperations counts configure/deconfigure calls by plugin and
	// outcome (spec §4.5).
	ConfigureOperations *prometheus.CounterVec

	// ConfigureDuration tracks how long a plugin's Configure/Deconfigure
	// call takes.
	ConfigureDuration *prometheus.HistogramVec

	// CascadeDuration tracks how long a config update's descendant-device
	// reconfiguration cascade takes (spec §4.6).
	CascadeDuration prometheus.Histogram

	// CascadeDevicesTouched counts devices visited per cascade.
	CascadeDevicesTouched prometheus.Histogram

	// OperationsInProgress is the current count of live OIPs by kind
	// (install|upgrade|update|synchronize, spec §4.8).
	OperationsInProgress *prometheus.GaugeVec

	// IdentificationHits counts identification pipeline outcomes by
	// retriever and result (spec §4.7).
	IdentificationHits *prometheus.CounterVec

	// PluginLoaded is a gauge of 1/0 per plugin id, set on Load/Unload
	// (spec §4.3).
	PluginLoaded *prometheus.GaugeVec
}

// New builds and registers the engine's collectors against the default
// Prometheus registry. Call once at process startup.
func New() *Engine {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer builds the engine's collectors against a caller-
// supplied registerer, so tests can use a fresh prometheus.NewRegistry()
// instead of colliding on the global default.
func NewWithRegisterer(reg prometheus.Registerer) *Engine {
	factory := promauto.With(reg)
	return &Engine{
		ConfigureOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "provd",
				Subsystem: "device",
				Name:      "configure_operations_total",
				Help:      "Total Configure/Deconfigure calls by plugin and outcome",
			},
			[]string{"plugin", "op", "outcome"},
		),
		ConfigureDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "provd",
				Subsystem: "device",
				Name:      "configure_duration_seconds",
				Help:      "Duration of a plugin Configure/Deconfigure call",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"plugin", "op"},
		),
		CascadeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "provd",
				Subsystem: "cfg",
				Name:      "cascade_duration_seconds",
				Help:      "Duration of a config update's descendant-device cascade",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		CascadeDevicesTouched: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "provd",
				Subsystem: "cfg",
				Name:      "cascade_devices_touched",
				Help:      "Number of devices visited by a config update cascade",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		OperationsInProgress: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "provd",
				Subsystem: "oip",
				Name:      "in_progress",
				Help:      "Current number of live operations-in-progress by kind",
			},
			[]string{"kind"},
		),
		IdentificationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "provd",
				Subsystem: "identify",
				Name:      "hits_total",
				Help:      "Identification pipeline outcomes by retriever and result",
			},
			[]string{"retriever", "result"},
		),
		PluginLoaded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "provd",
				Subsystem: "pluginmgr",
				Name:      "plugin_loaded",
				Help:      "1 if the plugin is currently loaded, 0 otherwise",
			},
			[]string{"plugin"},
		),
	}
}
