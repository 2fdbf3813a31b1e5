package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	SamplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddsrecorder_samples_ingested_total",
		Help: "Total samples handed to add_data",
	}, []string{"topic"})

	SamplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddsrecorder_samples_dropped_total",
		Help: "Samples discarded instead of persisted",
	}, []string{"topic", "reason"})

	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddsrecorder_messages_persisted_total",
		Help: "Messages successfully written to an MCAP file",
	}, []string{"topic"})

	PendingQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ddsrecorder_pending_queue_depth",
		Help: "Samples waiting on a schema that hasn't arrived yet",
	}, []string{"type_name", "origin"})

	BufferDumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddsrecorder_buffer_dumps_total",
		Help: "Times the in-memory buffer was flushed to the writer",
	}, []string{"reason"})

	EventWindowTrims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ddsrecorder_event_window_trims_total",
		Help: "Buffered samples dropped by the paused-state event window",
	})

	// Writer/file metrics
	FileRollovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ddsrecorder_file_rollovers_total",
		Help: "Times the writer rolled over to a new MCAP file",
	})

	DiskFullEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ddsrecorder_disk_full_events_total",
		Help: "Times recording was suspended because the disk budget was exhausted",
	})

	CurrentFileSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ddsrecorder_current_file_size_bytes",
		Help: "Size of the currently open MCAP file",
	})

	TotalDiskUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ddsrecorder_total_disk_usage_bytes",
		Help: "Total bytes occupied by closed and open MCAP files under output_dir",
	})

	// Archive metrics
	ArchiveUploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ddsrecorder_archive_upload_duration_seconds",
		Help:    "Time to push a closed MCAP file to the archive backend",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ArchiveUploadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ddsrecorder_archive_upload_errors_total",
		Help: "Archive upload failures",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
