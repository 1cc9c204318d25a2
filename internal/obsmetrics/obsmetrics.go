// Package obsmetrics registers the Prometheus counters, gauges and
// histograms exposed by the acquisition core, following the same
// package-level-vars-plus-registryOnce layout as the teacher's
// pkg/metrics/metrics.go.
package obsmetrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Ingestion
	PacketsEnqueued  *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	AnchorEpochBumps *prometheus.CounterVec

	// Fan-out
	SinkDrops *prometheus.CounterVec

	// Events/spikes
	EventChanges prometheus.Counter
	SpikeFires   prometheus.Counter

	// Export
	ExportOpenRows     prometheus.Gauge
	ExportCommitLat    prometheus.Histogram
	ExportFlushesTotal *prometheus.CounterVec
	ExportRowsWritten  *prometheus.CounterVec

	// Plot fan-out
	PlotClientsConnected prometheus.Gauge
	PlotBroadcastDropped prometheus.Counter
)

// Init registers every metric with a fresh registry. Safe to call once;
// subsequent calls are no-ops.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		PacketsEnqueued = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biosync_packets_enqueued_total",
				Help: "Total number of sample packets accepted onto the ingestion queue",
			},
			[]string{"device"},
		)

		PacketsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biosync_packets_dropped_total",
				Help: "Total number of packets dropped because the ingestion queue was full",
			},
			[]string{"device"},
		)

		AnchorEpochBumps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biosync_anchor_epoch_bumps_total",
				Help: "Total number of times a device's host-time anchor was reset after a backward clock jump",
			},
			[]string{"device"},
		)

		SinkDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biosync_sink_drops_total",
				Help: "Total number of payloads dropped because a registered sink queue was full",
			},
			[]string{"sink"},
		)

		EventChanges = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biosync_event_changes_total",
				Help: "Total number of resolved sticky event transitions",
			},
		)

		SpikeFires = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biosync_spike_fires_total",
				Help: "Total number of one-shot spike markers fired",
			},
		)

		ExportOpenRows = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biosync_export_open_rows",
				Help: "Number of signal rows currently open (uncommitted) in the exporter",
			},
		)

		ExportCommitLat = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "biosync_export_commit_latency_seconds",
				Help:    "Latency between a row's first observation and its CSV commit",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		)

		ExportFlushesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biosync_export_flushes_total",
				Help: "Total number of CSV flush operations, by trigger",
			},
			[]string{"trigger"},
		)

		ExportRowsWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biosync_export_rows_written_total",
				Help: "Total number of CSV rows written, by file",
			},
			[]string{"file"},
		)

		PlotClientsConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biosync_plot_clients_connected",
				Help: "Number of websocket plot clients currently connected",
			},
		)

		PlotBroadcastDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biosync_plot_broadcast_dropped_total",
				Help: "Total number of plot broadcast messages dropped because a client's send buffer was full",
			},
		)

		registry.MustRegister(
			PacketsEnqueued,
			PacketsDropped,
			AnchorEpochBumps,
			SinkDrops,
			EventChanges,
			SpikeFires,
			ExportOpenRows,
			ExportCommitLat,
			ExportFlushesTotal,
			ExportRowsWritten,
			PlotClientsConnected,
			PlotBroadcastDropped,
		)

		logger.Info("obsmetrics: prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry backing these metrics.
func GetRegistry() *prometheus.Registry { return registry }

// SetEnabled enables or disables metric recording; registration and the
// HTTP handler are unaffected, matching the teacher's EnableMetrics.
func SetEnabled(enabled bool) { metricsEnabled = enabled }

// RegisterHandler mounts the metrics endpoint on mux at path.
func RegisterHandler(mux *http.ServeMux, path string) {
	if registry == nil {
		return
	}
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true, Registry: registry}))
}

// RecordPacketEnqueued increments the accepted-packet counter for device.
func RecordPacketEnqueued(device string) {
	if metricsEnabled && PacketsEnqueued != nil {
		PacketsEnqueued.WithLabelValues(device).Inc()
	}
}

// RecordPacketDropped increments the dropped-packet counter for device.
func RecordPacketDropped(device string) {
	if metricsEnabled && PacketsDropped != nil {
		PacketsDropped.WithLabelValues(device).Inc()
	}
}

// RecordAnchorEpochBump increments the epoch-bump counter for device.
func RecordAnchorEpochBump(device string) {
	if metricsEnabled && AnchorEpochBumps != nil {
		AnchorEpochBumps.WithLabelValues(device).Inc()
	}
}

// RecordSinkDrop increments the sink-drop counter for the named sink.
func RecordSinkDrop(sink string) {
	if metricsEnabled && SinkDrops != nil {
		SinkDrops.WithLabelValues(sink).Inc()
	}
}

// RecordEventChange increments the event-change counter.
func RecordEventChange() {
	if metricsEnabled && EventChanges != nil {
		EventChanges.Inc()
	}
}

// RecordSpikeFire increments the spike-fire counter.
func RecordSpikeFire() {
	if metricsEnabled && SpikeFires != nil {
		SpikeFires.Inc()
	}
}

// SetExportOpenRows sets the open-row gauge.
func SetExportOpenRows(n int) {
	if metricsEnabled && ExportOpenRows != nil {
		ExportOpenRows.Set(float64(n))
	}
}

// ObserveExportCommitLatency records the time between an open row being
// created and its commit via a deferred observer, mirroring the teacher's
// ObserveRTPProcessing timer pattern.
func ObserveExportCommitLatency(openedAt time.Time) {
	if metricsEnabled && ExportCommitLat != nil {
		ExportCommitLat.Observe(time.Since(openedAt).Seconds())
	}
}

// RecordExportFlush increments the flush counter for the given trigger
// ("rows", "time", "idle_watermark", "stop").
func RecordExportFlush(trigger string) {
	if metricsEnabled && ExportFlushesTotal != nil {
		ExportFlushesTotal.WithLabelValues(trigger).Inc()
	}
}

// RecordExportRowsWritten increments the rows-written counter for the
// given file ("signal" or "marker").
func RecordExportRowsWritten(file string, n int) {
	if metricsEnabled && ExportRowsWritten != nil {
		ExportRowsWritten.WithLabelValues(file).Add(float64(n))
	}
}

// SetPlotClientsConnected sets the connected-plot-client gauge.
func SetPlotClientsConnected(n int) {
	if metricsEnabled && PlotClientsConnected != nil {
		PlotClientsConnected.Set(float64(n))
	}
}

// RecordPlotBroadcastDropped increments the dropped-broadcast counter.
func RecordPlotBroadcastDropped() {
	if metricsEnabled && PlotBroadcastDropped != nil {
		PlotBroadcastDropped.Inc()
	}
}
