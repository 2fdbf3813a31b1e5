// Package writer owns a single open mcap.Codec file and the size
// accounting that decides when it must roll over to a new one.
package writer

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/ddsrecorder/mcaprecorder/internal/filetracker"
	"github.com/ddsrecorder/mcaprecorder/internal/mcap"
	"github.com/ddsrecorder/mcaprecorder/internal/metrics"
	"github.com/ddsrecorder/mcaprecorder/internal/sizetracker"
	"go.uber.org/zap"
)

// minMcapFileSize is the smallest file open_new_file can ever ask for: the
// fixed overhead of the mandatory version metadata record.
const minMcapFileSize = 64

// InconsistencyError marks a state the writer should never reach if the
// rest of the recorder is behaving (e.g. a write attempted before enable).
type InconsistencyError struct {
	Msg string
}

func (e *InconsistencyError) Error() string { return "inconsistency: " + e.Msg }

// ArchiveFunc optionally ships a file that was just closed off to
// longer-term storage. Errors are logged, never fatal to the writer.
type ArchiveFunc func(path string) error

// Writer serializes Schema/Channel/Message/Metadata/Attachment records to
// a size-bounded rolling sequence of files, reusing the teacher's
// reserve-then-commit accounting pattern via internal/sizetracker.
type Writer struct {
	mu sync.Mutex

	cfg          config.OutputSettings
	fileTracker  filetracker.Tracker
	newCodec     func() mcap.Codec
	recordTypes  bool
	logger       *zap.Logger
	archive      ArchiveFunc
	onDiskFull   func()

	enabled bool
	codec   mcap.Codec
	sizes   *sizetracker.Tracker

	schemas  map[mcap.SchemaID]*mcap.Schema
	channels map[mcap.ChannelID]*mcap.Channel

	dynamicTypes       []byte
	dynamicTypesLength int64
}

// New constructs a Writer. newCodec is a factory so every rolled-over file
// gets a fresh mcap.Codec instance.
func New(cfg config.OutputSettings, fileTracker filetracker.Tracker, newCodec func() mcap.Codec, recordTypes bool, logger *zap.Logger) *Writer {
	return &Writer{
		cfg:         cfg,
		fileTracker: fileTracker,
		newCodec:    newCodec,
		recordTypes: recordTypes,
		logger:      logger,
		schemas:     make(map[mcap.SchemaID]*mcap.Schema),
		channels:    make(map[mcap.ChannelID]*mcap.Channel),
	}
}

// SetOnDiskFullCallback registers the callback invoked when the writer
// cannot open any further file because the total-size budget is exhausted.
func (w *Writer) SetOnDiskFullCallback(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDiskFull = fn
}

// SetArchiveFunc registers an optional hook run after a file is closed.
func (w *Writer) SetArchiveFunc(fn ArchiveFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.archive = fn
}

// Enable opens the first file. A no-op if already enabled.
func (w *Writer) Enable() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enabled {
		return nil
	}

	w.logger.Info("enabling mcap writer")

	if err := w.openNewFile(minMcapFileSize); err != nil {
		var dfe *filetracker.DiskFullError
		if asDiskFull(err, &dfe) {
			w.logger.Error("error opening a new mcap file", zap.Error(err))
			w.raiseDiskFull()
			return nil
		}
		return err
	}

	w.enabled = true
	return nil
}

// Disable closes the current file and forgets cached channels, so a
// subsequent Enable doesn't rewrite stale channel bindings.
func (w *Writer) Disable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disableLocked()
}

func (w *Writer) disableLocked() error {
	if !w.enabled {
		return nil
	}

	w.logger.Info("disabling mcap writer")

	if err := w.closeCurrentFile(); err != nil {
		return err
	}

	// Clear both schemas and channels: re-enabling starts a clean slate so
	// a later enable() never writes a channel referencing a schema id that
	// was never re-declared in the new file.
	w.schemas = make(map[mcap.SchemaID]*mcap.Schema)
	w.channels = make(map[mcap.ChannelID]*mcap.Channel)
	w.enabled = false
	return nil
}

// UpdateDynamicTypes replaces the dynamic-types attachment payload,
// reserving only the size delta against whatever was previously held.
func (w *Writer) UpdateDynamicTypes(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	apply := func() error {
		if w.dynamicTypes == nil {
			w.logger.Info("setting the dynamic types payload", zap.Int("bytes", len(data)))
			return w.sizes.AttachmentToWrite(int64(len(data)))
		}
		w.logger.Info("updating the dynamic types payload",
			zap.Int64("from_bytes", w.dynamicTypesLength), zap.Int("to_bytes", len(data)))
		return w.sizes.AttachmentToWrite(int64(len(data)), w.dynamicTypesLength)
	}

	if err := apply(); err != nil {
		var ffe *sizetracker.FileFullError
		if asFileFull(err, &ffe) {
			if err := w.onMcapFull(ffe); err != nil {
				var dfe *filetracker.DiskFullError
				if asDiskFull(err, &dfe) {
					w.logger.Error("disk is full", zap.Error(err))
					w.raiseDiskFull()
					return nil
				}
				return err
			}
			if err := apply(); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	w.dynamicTypes = bytes.Clone(data)
	w.dynamicTypesLength = int64(len(data))
	return w.setCurrentFileSize(w.sizes.GetPotentialMcapSize())
}

// WriteSchema reserves and writes a schema, rolling over the file on
// FileFullError and escalating to the disk-full callback when no further
// file can be opened.
func (w *Writer) WriteSchema(s *mcap.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeSchema(s); err != nil {
		return w.handleWriteError(err, func() error { return w.writeSchema(s) })
	}
	return nil
}

func (w *Writer) writeSchema(s *mcap.Schema) error {
	if err := w.sizes.SchemaToWrite(s.Size()); err != nil {
		return err
	}
	if err := w.codec.WriteSchema(s); err != nil {
		return err
	}
	w.sizes.SchemaWritten(s.Size())
	if err := w.setCurrentFileSize(w.sizes.GetPotentialMcapSize()); err != nil {
		return err
	}
	w.schemas[s.ID] = s
	return nil
}

// WriteChannel reserves and writes a channel, with the same rollover
// semantics as WriteSchema.
func (w *Writer) WriteChannel(c *mcap.Channel) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeChannel(c); err != nil {
		return w.handleWriteError(err, func() error { return w.writeChannel(c) })
	}
	return nil
}

func (w *Writer) writeChannel(c *mcap.Channel) error {
	if err := w.sizes.ChannelToWrite(c.Size()); err != nil {
		return err
	}
	if err := w.codec.WriteChannel(c); err != nil {
		return err
	}
	w.sizes.ChannelWritten(c.Size())
	if err := w.setCurrentFileSize(w.sizes.GetPotentialMcapSize()); err != nil {
		return err
	}
	w.channels[c.ID] = c
	return nil
}

// WriteMessage reserves and writes a message. Writing into a disabled
// writer is a silent no-op, matching the upstream behavior of dropping
// samples that race a rollover in progress.
func (w *Writer) WriteMessage(m *mcap.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled {
		w.logger.Warn("attempting to write a message in a disabled writer")
		return nil
	}

	if err := w.writeMessage(m); err != nil {
		return w.handleWriteError(err, func() error { return w.writeMessage(m) })
	}
	return nil
}

func (w *Writer) writeMessage(m *mcap.Message) error {
	if err := w.sizes.MessageToWrite(m.Size()); err != nil {
		return err
	}
	if err := w.codec.WriteMessage(m); err != nil {
		return err
	}
	w.sizes.MessageWritten(m.Size())
	return w.setCurrentFileSize(w.sizes.GetPotentialMcapSize())
}

// handleWriteError runs the rollover protocol on a FileFullError and
// retries the write once against the freshly opened file.
func (w *Writer) handleWriteError(err error, retry func() error) error {
	var ffe *sizetracker.FileFullError
	if !asFileFull(err, &ffe) {
		return err
	}

	if rollErr := w.onMcapFull(ffe); rollErr != nil {
		var dfe *filetracker.DiskFullError
		if asDiskFull(rollErr, &dfe) {
			w.logger.Error("disk is full", zap.Error(rollErr))
			w.raiseDiskFull()
			return nil
		}
		return rollErr
	}

	return retry()
}

func (w *Writer) writeMetadata(md *mcap.Metadata) error {
	if err := w.sizes.MetadataToWrite(md.Size()); err != nil {
		return err
	}
	if err := w.codec.WriteMetadata(md); err != nil {
		return err
	}
	w.sizes.MetadataWritten(md.Size())
	return w.setCurrentFileSize(w.sizes.GetPotentialMcapSize())
}

func (w *Writer) writeAttachment() error {
	a := &mcap.Attachment{
		Name:       mcap.DynamicTypesAttachmentName,
		CreateTime: time.Now(),
		Data:       w.dynamicTypes,
	}
	w.logger.Info("writing attachment", zap.String("name", a.Name), zap.Int("bytes", len(a.Data)))
	if err := w.codec.WriteAttachment(a); err != nil {
		w.logger.Error("error writing attachment", zap.Error(err))
		return nil
	}
	w.sizes.AttachmentWritten(int64(len(a.Data)))
	return w.setCurrentFileSize(w.sizes.GetPotentialMcapSize())
}

func (w *Writer) writeVersionMetadata() error {
	return w.writeMetadata(&mcap.Metadata{
		Name: mcap.VersionMetadataName,
		Values: map[string]string{
			mcap.VersionMetadataRelease: "unknown",
			mcap.VersionMetadataCommit:  "unknown",
		},
	})
}

func (w *Writer) writeCachedSchemas() error {
	for _, s := range w.schemas {
		if err := w.sizes.SchemaToWrite(s.Size()); err != nil {
			return err
		}
		if err := w.codec.WriteSchema(s); err != nil {
			return err
		}
		w.sizes.SchemaWritten(s.Size())
	}
	return nil
}

func (w *Writer) writeCachedChannels() error {
	for _, c := range w.channels {
		if err := w.sizes.ChannelToWrite(c.Size()); err != nil {
			return err
		}
		if err := w.codec.WriteChannel(c); err != nil {
			return err
		}
		w.sizes.ChannelWritten(c.Size())
	}
	return nil
}

// openNewFile allocates a filename via the file tracker, opens a fresh
// codec against it, replays the mandatory records (version metadata,
// cached schemas, cached channels) and reserves space for the pending
// dynamic-types attachment, which is written when the file closes.
func (w *Writer) openNewFile(minFileSize int64) error {
	path, err := w.fileTracker.NewFile(minFileSize)
	if err != nil {
		return err
	}

	codec := w.newCodec()
	if err := codec.Open(path, mcap.Options{}); err != nil {
		return fmt.Errorf("opening mcap file %s for writing: %w", path, err)
	}
	w.codec = codec

	total, err := w.fileTracker.GetTotalSize()
	if err != nil {
		return err
	}
	maxFileSize := int64(w.cfg.MaxFileSize)
	if remaining := int64(w.cfg.MaxSize) - total; remaining < maxFileSize {
		maxFileSize = remaining
	}

	w.sizes = sizetracker.New()
	w.sizes.Init(maxFileSize, int64(w.cfg.SafetyMargin))

	if err := w.writeVersionMetadata(); err != nil {
		return err
	}
	if err := w.writeCachedSchemas(); err != nil {
		return err
	}
	if err := w.writeCachedChannels(); err != nil {
		return err
	}

	if w.dynamicTypes != nil && w.recordTypes {
		if err := w.sizes.AttachmentToWrite(int64(len(w.dynamicTypes))); err != nil {
			return err
		}
	}

	metrics.TotalDiskUsageBytes.Set(float64(total))
	return w.setCurrentFileSize(w.sizes.GetPotentialMcapSize())
}

// closeCurrentFile flushes the dynamic-types attachment (if any), finalizes
// size accounting and closes the codec, archiving the result if configured.
func (w *Writer) closeCurrentFile() error {
	if w.recordTypes && w.dynamicTypes != nil {
		if err := w.writeAttachment(); err != nil {
			return err
		}
	}

	closedPath := w.fileTracker.CurrentFilename()

	if err := w.fileTracker.SetCurrentFileSize(w.sizes.GetWrittenMcapSize()); err != nil {
		return err
	}
	w.sizes.Reset(closedPath)

	if err := w.codec.Close(); err != nil {
		return fmt.Errorf("closing mcap file %s: %w", closedPath, err)
	}
	if err := w.fileTracker.CloseFile(); err != nil {
		return err
	}
	metrics.CurrentFileSizeBytes.Set(0)
	if total, err := w.fileTracker.GetTotalSize(); err == nil {
		metrics.TotalDiskUsageBytes.Set(float64(total))
	}

	if w.archive != nil && closedPath != "" {
		go func() {
			if err := w.archive(closedPath); err != nil {
				w.logger.Error("archiving closed mcap file failed", zap.String("path", closedPath), zap.Error(err))
			}
		}()
	}

	return nil
}

// onMcapFull implements the rollover protocol: close the current file,
// and either escalate to disk-full (single-file configurations) or open a
// replacement sized to fit at least the record that didn't fit before.
func (w *Writer) onMcapFull(ffe *sizetracker.FileFullError) error {
	// Read before closeCurrentFile resets the tracker, so the minimum also
	// covers the pending dynamic-types attachment.
	minFileSize := w.sizes.GetMinMcapSize() + ffe.DataSizeToWrite
	if err := w.closeCurrentFile(); err != nil {
		return err
	}
	w.enabled = false

	if int64(w.cfg.MaxFileSize) == int64(w.cfg.MaxSize) {
		return &filetracker.DiskFullError{MinSizeNeeded: ffe.DataSizeToWrite}
	}

	if err := w.openNewFile(minFileSize); err != nil {
		return err
	}

	w.enabled = true
	metrics.FileRollovers.Inc()
	return nil
}

// setCurrentFileSize records the current file's size with the file tracker
// and mirrors it onto the gauge in one place.
func (w *Writer) setCurrentFileSize(size int64) error {
	metrics.CurrentFileSizeBytes.Set(float64(size))
	return w.fileTracker.SetCurrentFileSize(size)
}

func (w *Writer) raiseDiskFull() {
	metrics.DiskFullEvents.Inc()
	if w.onDiskFull != nil {
		w.onDiskFull()
	}
}

func asFileFull(err error, target **sizetracker.FileFullError) bool {
	ffe, ok := err.(*sizetracker.FileFullError)
	if ok {
		*target = ffe
	}
	return ok
}

func asDiskFull(err error, target **filetracker.DiskFullError) bool {
	dfe, ok := err.(*filetracker.DiskFullError)
	if ok {
		*target = dfe
	}
	return ok
}
