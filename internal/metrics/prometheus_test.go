package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	// Touch some metrics so they appear in the output.
	// Vec metrics only show up after WithLabelValues() is called.
	SamplesIngested.WithLabelValues("foo_topic").Add(0)
	SamplesDropped.WithLabelValues("foo_topic", "pending_overflow").Add(0)
	MessagesPersisted.WithLabelValues("foo_topic").Add(0)
	PendingQueueDepth.WithLabelValues("Foo", "running").Set(0)
	BufferDumps.WithLabelValues("buffer_full").Add(0)
	EventWindowTrims.Add(0)
	FileRollovers.Add(0)
	DiskFullEvents.Add(0)
	CurrentFileSizeBytes.Set(0)
	TotalDiskUsageBytes.Set(0)
	ArchiveUploadDuration.Observe(0)
	ArchiveUploadErrors.Add(0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"ddsrecorder_samples_ingested_total",
		"ddsrecorder_samples_dropped_total",
		"ddsrecorder_messages_persisted_total",
		"ddsrecorder_pending_queue_depth",
		"ddsrecorder_buffer_dumps_total",
		"ddsrecorder_event_window_trims_total",
		"ddsrecorder_file_rollovers_total",
		"ddsrecorder_disk_full_events_total",
		"ddsrecorder_current_file_size_bytes",
		"ddsrecorder_total_disk_usage_bytes",
		"ddsrecorder_archive_upload_duration_seconds",
		"ddsrecorder_archive_upload_errors_total",
	}

	for _, name := range expectedMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to contain %q", name)
		}
	}

	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("expected text/plain or openmetrics content type, got %s", ct)
	}
}
