package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ddsrecorder/mcaprecorder/internal/config"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DiskUsage reports the file tracker's durable total-size accounting, used
// by the readiness check to warn before the disk budget is exhausted.
type DiskUsage interface {
	GetTotalSize() (int64, error)
}

// StateReporter reports the handler's lifecycle state. pkg/ddsrecorder
// adapts *handler.Handler to it; kept as an interface so this package never
// imports internal/handler.
type StateReporter interface {
	State() fmt.Stringer
}

// HealthChecker runs health probes against the writer's disk budget, the
// handler's lifecycle state, and (if configured) the archive backend.
type HealthChecker struct {
	disk        DiskUsage
	maxTotal    int64
	state       StateReporter
	archivePing func(context.Context) error
}

// NewHealthChecker creates a new health checker. archivePing may be nil if
// archiving is disabled.
func NewHealthChecker(disk DiskUsage, maxTotal int64, state StateReporter, archivePing func(context.Context) error) *HealthChecker {
	return &HealthChecker{
		disk:        disk,
		maxTotal:    maxTotal,
		state:       state,
		archivePing: archivePing,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// diskWarnThreshold is the fraction of the total-size budget past which
// readiness reports a warning. The writer itself handles the hard
// disk-full condition by disabling itself and firing its disk-full
// callback; this just surfaces it early.
const diskWarnThreshold = 0.9

// Readiness checks if the service can keep recording.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.state != nil {
		status.Checks = append(status.Checks, Check{
			Name: "handler", Status: h.state.State().String(),
		})
	}

	if h.disk != nil && h.maxTotal > 0 {
		total, err := h.disk.GetTotalSize()
		if err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "disk", Status: "error", Error: err.Error(),
			})
		} else if float64(total) >= diskWarnThreshold*float64(h.maxTotal) {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "disk", Status: "near_full",
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "disk", Status: "ok",
			})
		}
	}

	if h.archivePing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.archivePing(ctx); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "archive", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "archive", Status: "ok",
			})
		}
	}

	return status
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		status := checker.Liveness()
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		status := checker.Readiness()
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

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
