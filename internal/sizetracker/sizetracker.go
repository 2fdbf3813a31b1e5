// Package sizetracker implements the pure pre-commit byte accounting the
// writer uses to decide when a file is full. It performs no I/O and takes
// no lock of its own: the writer already serializes access to it.
package sizetracker

import "fmt"

// baseOverhead approximates the fixed framing cost of an otherwise empty,
// closeable file (container magic, the mandatory version metadata record).
const baseOverhead = 32

// FileFullError is raised by a ToWrite call when honoring the reservation
// would exceed the per-file budget. DataSizeToWrite carries the size the
// caller was attempting to reserve, used by the writer to size the
// replacement file (spec.md §4.2 rollover protocol step 3).
type FileFullError struct {
	DataSizeToWrite int64
}

func (e *FileFullError) Error() string {
	return fmt.Sprintf("file full: %d bytes would exceed budget", e.DataSizeToWrite)
}

// Tracker accounts written bytes plus reserved-but-unwritten bytes against
// a per-file ceiling. Satisfies spec.md §4.2's SizeTracker contract.
type Tracker struct {
	maxFileSize  int64
	safetyMargin int64
	written      int64
	reserved     int64
	// pendingAttachmentSize is the size most recently reserved for the
	// dynamic-types attachment, tracked separately so get_min_mcap_size can
	// account for it without double counting on re-reservation.
	pendingAttachmentSize int64
}

// New constructs a Tracker; equivalent to calling Init on a zero value.
func New() *Tracker {
	return &Tracker{}
}

// Init begins accounting for a newly opened file.
func (t *Tracker) Init(maxFileSize, safetyMargin int64) {
	t.maxFileSize = maxFileSize
	t.safetyMargin = safetyMargin
	t.written = baseOverhead
	t.reserved = 0
}

// budget is the usable ceiling once the safety margin is set aside.
func (t *Tracker) budget() int64 {
	return t.maxFileSize - t.safetyMargin
}

func (t *Tracker) reserve(size int64) error {
	if t.written+t.reserved+size > t.budget() {
		return &FileFullError{DataSizeToWrite: size}
	}
	t.reserved += size
	return nil
}

func (t *Tracker) commit(size int64) {
	t.reserved -= size
	t.written += size
}

// SchemaToWrite reserves space for a schema record.
func (t *Tracker) SchemaToWrite(size int64) error { return t.reserve(size) }

// SchemaWritten commits a previously reserved schema write.
func (t *Tracker) SchemaWritten(size int64) { t.commit(size) }

// ChannelToWrite reserves space for a channel record.
func (t *Tracker) ChannelToWrite(size int64) error { return t.reserve(size) }

// ChannelWritten commits a previously reserved channel write.
func (t *Tracker) ChannelWritten(size int64) { t.commit(size) }

// MessageToWrite reserves space for a message record.
func (t *Tracker) MessageToWrite(size int64) error { return t.reserve(size) }

// MessageWritten commits a previously reserved message write.
func (t *Tracker) MessageWritten(size int64) { t.commit(size) }

// MetadataToWrite reserves space for a metadata record.
func (t *Tracker) MetadataToWrite(size int64) error { return t.reserve(size) }

// MetadataWritten commits a previously reserved metadata write.
func (t *Tracker) MetadataWritten(size int64) { t.commit(size) }

// AttachmentToWrite reserves space for an attachment. When prevSize is
// non-zero it reserves only the delta against a previously reserved or
// written attachment of that size (used by update_dynamic_types).
func (t *Tracker) AttachmentToWrite(size int64, prevSize ...int64) error {
	delta := size
	if len(prevSize) > 0 {
		delta = size - prevSize[0]
	}
	if delta <= 0 {
		t.pendingAttachmentSize = size
		return nil
	}
	if err := t.reserve(delta); err != nil {
		return err
	}
	t.pendingAttachmentSize = size
	return nil
}

// AttachmentWritten commits a previously reserved attachment write.
func (t *Tracker) AttachmentWritten(size int64) {
	// Only the delta beyond what's already accounted as written needs
	// committing; callers pass the full attachment size, so normalize
	// against what's currently sitting in the reserved pool.
	if t.reserved >= size {
		t.commit(size)
		return
	}
	t.commit(t.reserved)
}

// GetMinMcapSize returns the minimum viable size for an empty-but-closeable
// file: the base overhead plus the safety margin plus any pending
// dynamic-types attachment.
func (t *Tracker) GetMinMcapSize() int64 {
	return baseOverhead + t.safetyMargin + t.pendingAttachmentSize
}

// GetPotentialMcapSize returns written + reserved bytes.
func (t *Tracker) GetPotentialMcapSize() int64 {
	return t.written + t.reserved
}

// GetWrittenMcapSize returns committed bytes only.
func (t *Tracker) GetWrittenMcapSize() int64 {
	return t.written
}

// Reset prepares the tracker for the next file. The filename argument is
// accepted (and ignored) to mirror the original McapWriter's call site,
// which passes it purely for logging; Go callers log separately.
func (t *Tracker) Reset(_ string) {
	t.written = 0
	t.reserved = 0
	t.pendingAttachmentSize = 0
}
