// Package ddsrecorder is the embeddable facade over the recorder core:
// construct a Recorder from a loaded config and a DDS pipe adapter can
// drive AddSchema/AddData directly, without reaching into internal/.
package ddsrecorder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ddsrecorder/mcaprecorder/internal/archive"
	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/ddsrecorder/mcaprecorder/internal/filetracker"
	"github.com/ddsrecorder/mcaprecorder/internal/handler"
	"github.com/ddsrecorder/mcaprecorder/internal/mcap"
	"github.com/ddsrecorder/mcaprecorder/internal/metrics"
	"github.com/ddsrecorder/mcaprecorder/internal/payload"
	"github.com/ddsrecorder/mcaprecorder/internal/writer"
	"go.uber.org/zap"
)

// Topic identifies a DDS topic and its type, re-exported so callers never
// need to import internal/handler directly.
type Topic = handler.Topic

// DynamicType is the opaque dynamic-type descriptor handed to AddSchema.
type DynamicType = handler.DynamicType

// Recorder wires together the file tracker, writer and handler into the
// recording core a DDS pipe adapter drives.
type Recorder struct {
	cfg     *config.Config
	logger  *zap.Logger
	pool    *payload.Pool
	tracker *filetracker.BoltFileTracker
	writer  *writer.Writer
	handler *handler.Handler
	archive *archive.Uploader
}

// New builds a Recorder from a fully validated config. The returned
// Recorder is constructed in the config's initial_state; call Close to
// release the file tracker's database handle.
func New(cfg *config.Config, logger *zap.Logger) (*Recorder, error) {
	tracker, err := filetracker.NewBoltFileTracker(
		filepath.Join(cfg.Output.OutputDir, ".filetracker.db"),
		cfg.Output.OutputDir,
		cfg.Output.FilePrefix,
		int64(cfg.Output.MaxSize),
		logger.Named("filetracker"),
	)
	if err != nil {
		return nil, fmt.Errorf("opening file tracker: %w", err)
	}

	uploader, err := archive.NewUploader(context.Background(), cfg.Archive, logger.Named("archive"))
	if err != nil {
		tracker.Close()
		return nil, fmt.Errorf("building archive uploader: %w", err)
	}

	w := writer.New(cfg.Output, tracker, mcap.NewFileCodec, cfg.Output.RecordTypes, logger.Named("writer"))
	if uploader != nil {
		w.SetArchiveFunc(uploader.Push)
	}

	h, err := handler.New(cfg.Handler, w, logger.Named("handler"))
	if err != nil {
		tracker.Close()
		return nil, fmt.Errorf("constructing handler: %w", err)
	}

	return &Recorder{
		cfg:     cfg,
		logger:  logger,
		pool:    payload.NewPool(4096),
		tracker: tracker,
		writer:  w,
		handler: h,
		archive: uploader,
	}, nil
}

// Start begins recording, transitioning STOPPED -> RUNNING.
func (r *Recorder) Start() error {
	return r.handler.Start()
}

// Pause transitions RUNNING -> PAUSED, buffering samples under the event
// window instead of persisting them immediately.
func (r *Recorder) Pause() {
	r.handler.Pause()
}

// TriggerEvent dumps the paused buffer to disk without leaving PAUSED.
func (r *Recorder) TriggerEvent() {
	r.handler.TriggerEvent()
}

// Stop transitions to STOPPED, flushing any pending state. onDestruction
// should be true only when called from a teardown path, matching
// handler.Handler.Stop's semantics.
func (r *Recorder) Stop(onDestruction bool) error {
	return r.handler.Stop(onDestruction)
}

// State reports the handler's current lifecycle state.
func (r *Recorder) State() handler.State {
	return r.handler.State()
}

// AddSchema registers (or re-registers, idempotently by type name) a
// dynamic type discovered by the DDS pipe.
func (r *Recorder) AddSchema(dt DynamicType) {
	r.handler.AddSchema(dt)
}

// AddData ingests a sample for topic, copying payload into a pool-backed
// Ref so the caller's buffer can be reused immediately. Returns the
// sequence number assigned at ingest time.
func (r *Recorder) AddData(topic Topic, payloadBytes []byte, logTime, publishTime time.Time) uint64 {
	ref := r.pool.Get(payloadBytes)
	return r.handler.AddData(topic, ref, logTime, publishTime)
}

// DiskUsage exposes the file tracker's cumulative size accounting,
// satisfying metrics.DiskUsage for wiring into a health checker.
func (r *Recorder) DiskUsage() (int64, error) {
	return r.tracker.GetTotalSize()
}

// MaxTotalBytes returns the configured total-size budget.
func (r *Recorder) MaxTotalBytes() int64 {
	return int64(r.cfg.Output.MaxSize)
}

// ArchivePing returns the archive backend's health probe, or nil if
// archiving is disabled.
func (r *Recorder) ArchivePing() func(context.Context) error {
	if r.archive == nil {
		return nil
	}
	return r.archive.Ping
}

// HealthChecker builds a metrics.HealthChecker wired to this recorder's
// disk usage, lifecycle state and archive backend.
func (r *Recorder) HealthChecker() *metrics.HealthChecker {
	return metrics.NewHealthChecker(r.tracker, r.MaxTotalBytes(), stateReporter{r}, r.ArchivePing())
}

type stateReporter struct{ r *Recorder }

func (s stateReporter) State() fmt.Stringer { return s.r.handler.State() }

// Close releases the file tracker's database handle. Does not stop the
// handler; call Stop first if recording is in progress.
func (r *Recorder) Close() error {
	return r.tracker.Close()
}
