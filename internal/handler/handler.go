// Package handler implements the ingest state machine that sits between
// the upstream transport and the writer: it resolves schemas
// asynchronously, buffers samples under a configurable policy, and hands
// batches to the writer to persist.
package handler

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/ddsrecorder/mcaprecorder/internal/mcap"
	"github.com/ddsrecorder/mcaprecorder/internal/metrics"
	"github.com/ddsrecorder/mcaprecorder/internal/payload"
	"go.uber.org/zap"
)

// State is the handler's lifecycle state.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// InconsistencyError marks a schema/channel lookup that should never miss
// under normal operation. The offending message is dropped, not fatal.
type InconsistencyError struct {
	Msg string
}

func (e *InconsistencyError) Error() string { return "inconsistency: " + e.Msg }

// Topic identifies a DDS topic and its associated type, standing in for
// the DDS pipe's topic handle.
type Topic struct {
	Name            string
	TypeName        string
	MessageEncoding string
	QoS             string
}

// DynamicType is the opaque, type-system-specific description of a DDS
// type, treated as an opaque schema+identifier source per this core's
// external-collaborator boundary on dynamic-type serialization.
type DynamicType struct {
	TypeName string
	Encoding mcap.Encoding
	Body     []byte
	// Identifier uniquely identifies the type for the dynamic-types
	// attachment; serialization of the identifier/object pair is an
	// external concern, so this is just the bytes to store verbatim.
	Identifier []byte
}

// Sample is a single ingested message, still carrying its topic until a
// channel id is resolved.
type Sample struct {
	Topic       Topic
	Payload     *payload.Ref
	LogTime     time.Time
	PublishTime time.Time
}

// writerPort is the subset of *writer.Writer the handler depends on, kept as
// an interface so tests can substitute a fake without touching the real
// file-backed writer.
type writerPort interface {
	Enable() error
	Disable() error
	WriteSchema(*mcap.Schema) error
	WriteChannel(*mcap.Channel) error
	WriteMessage(*mcap.Message) error
	UpdateDynamicTypes([]byte) error
}

// pendingSample is the buffered form of a Sample once it's known which
// schema name it's waiting on. seq was already assigned at ingest time:
// sequence numbers are handed out atomically regardless of which queue a
// sample ends up in.
type pendingSample struct {
	topic Topic
	msg   *Sample
	seq   uint64
}

// bufferedSample is a sample that has a resolved channel and is only
// waiting for the next dump to be written.
type bufferedSample struct {
	channelID   mcap.ChannelID
	topicName   string
	sequence    uint64
	logTime     time.Time
	publishTime time.Time
	payload     *payload.Ref
}

// Handler is the ingest state machine (spec'd as McapHandler).
type Handler struct {
	cfg    config.HandlerConfig
	w      writerPort
	logger *zap.Logger

	mu sync.Mutex

	state State

	schemas       map[string]*mcap.Schema // type name -> schema
	receivedTypes map[string]struct{}
	channels      map[Topic]*mcap.Channel
	nextSchemaID  mcap.SchemaID
	nextChannelID mcap.ChannelID
	sequence      uint64

	buffer               *list.List // of *bufferedSample
	pendingSamples       map[string]*list.List // type name -> *pendingSample, RUNNING origin
	pendingSamplesPaused map[string]*list.List // type name -> *pendingSample, PAUSED origin

	dynamicTypes map[string][]byte // type name -> identifier+object bytes, serialized lazily

	eventMu      sync.Mutex
	eventCond    *sync.Cond
	eventFlag    eventCode
	eventRunning bool
	eventDone    chan struct{}
}

type eventCode int

const (
	eventUntriggered eventCode = iota
	eventTriggered
	eventStopped
)

// New constructs a Handler in the configured initial state. If the initial
// state requires the writer to be live (RUNNING or PAUSED), the writer is
// enabled before returning.
func New(cfg config.HandlerConfig, w writerPort, logger *zap.Logger) (*Handler, error) {
	initState, err := parseInitialState(cfg.InitialState)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		cfg:                  cfg,
		w:                    w,
		logger:               logger,
		schemas:              make(map[string]*mcap.Schema),
		receivedTypes:        make(map[string]struct{}),
		channels:             make(map[Topic]*mcap.Channel),
		nextSchemaID:         1, // 0 (BlankSchemaID) is reserved
		nextChannelID:        1,
		buffer:               list.New(),
		pendingSamples:       make(map[string]*list.List),
		pendingSamplesPaused: make(map[string]*list.List),
		dynamicTypes:         make(map[string][]byte),
	}
	h.eventCond = sync.NewCond(&h.eventMu)

	switch initState {
	case Running, Paused:
		if err := h.w.Enable(); err != nil {
			return nil, fmt.Errorf("enabling writer at startup: %w", err)
		}
	}
	h.state = initState
	if initState == Paused {
		h.startEventThread()
	}

	return h, nil
}

func parseInitialState(s string) (State, error) {
	switch s {
	case "RUNNING":
		return Running, nil
	case "PAUSED":
		return Paused, nil
	case "STOPPED":
		return Stopped, nil
	default:
		return Stopped, fmt.Errorf("unknown initial state %q", s)
	}
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// AddSchema registers a dynamic type, assigning it the next schema id and
// reconciling any samples or channels that were waiting on it.
func (h *Handler) AddSchema(dt DynamicType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.schemas[dt.TypeName]; exists {
		return
	}

	schema := &mcap.Schema{
		ID:       h.nextSchemaID,
		Name:     dt.TypeName,
		Encoding: dt.Encoding,
		Data:     dt.Body,
	}
	h.nextSchemaID++
	h.schemas[dt.TypeName] = schema
	h.receivedTypes[dt.TypeName] = struct{}{}
	h.dynamicTypes[dt.TypeName] = dt.Identifier

	if err := h.w.WriteSchema(schema); err != nil {
		h.logger.Warn("failed to write schema", zap.String("type", dt.TypeName), zap.Error(err))
	}
	h.stageDynamicTypes()

	// Rebind first: pending samples resolve their channel when drained, so
	// a blank-schema channel left for their topic must already be replaced.
	h.rebindBlankChannels(dt.TypeName, schema)
	h.reconcilePendingSamples(dt.TypeName, schema)
}

// reconcilePendingSamples moves samples that were waiting on this type
// name into the buffer (or writes them directly, per state).
func (h *Handler) reconcilePendingSamples(typeName string, schema *mcap.Schema) {
	if pl, ok := h.pendingSamples[typeName]; ok {
		delete(h.pendingSamples, typeName)
		h.drainPendingList(pl, h.state == Paused)
		metrics.PendingQueueDepth.WithLabelValues(typeName, "running").Set(0)
	}

	if pl, ok := h.pendingSamplesPaused[typeName]; ok {
		delete(h.pendingSamplesPaused, typeName)
		// Paused-origin samples always move to the buffer: they're
		// subject to the event thread's trim/dump, never written direct.
		h.drainPendingList(pl, false)
		metrics.PendingQueueDepth.WithLabelValues(typeName, "paused").Set(0)
	}
}

// drainPendingList appends every pending sample to the buffer, resolving
// each one's channel against the now-known schema. If writeDirect is true
// (PAUSED with samples from a prior RUNNING window), samples bypass the
// buffer and go straight to the writer so the event thread can't evict
// them.
func (h *Handler) drainPendingList(pl *list.List, writeDirect bool) {
	for e := pl.Front(); e != nil; e = e.Next() {
		ps := e.Value.(*pendingSample)
		channelID, err := h.getOrCreateChannelID(ps.topic)
		if err != nil {
			h.logger.Warn("dropping pending sample: channel resolution failed",
				zap.String("topic", ps.topic.Name), zap.Error(err))
			metrics.SamplesDropped.WithLabelValues(ps.topic.Name, "inconsistency").Inc()
			continue
		}
		bs := h.toBuffered(channelID, ps.seq, ps.msg)
		if writeDirect {
			h.writeBuffered(bs)
		} else {
			h.buffer.PushBack(bs)
		}
	}
}

// rebindBlankChannels allocates new channel ids for every channel
// currently bound to the blank schema for this type name, dropping the
// stale ones.
func (h *Handler) rebindBlankChannels(typeName string, schema *mcap.Schema) {
	for topic, ch := range h.channels {
		if topic.TypeName != typeName || ch.SchemaID != mcap.BlankSchemaID {
			continue
		}
		newCh := &mcap.Channel{
			ID:              h.nextChannelID,
			Topic:           topic.Name,
			MessageEncoding: topic.MessageEncoding,
			SchemaID:        schema.ID,
			QoS:             topic.QoS,
		}
		h.nextChannelID++
		h.channels[topic] = newCh
		if err := h.w.WriteChannel(newCh); err != nil {
			h.logger.Warn("failed to write rebound channel", zap.String("topic", topic.Name), zap.Error(err))
		}
	}
}

func (h *Handler) stageDynamicTypes() {
	// A real recorder serializes the full TypeIdentifier->TypeObject
	// collection; serialization itself is an external concern (§1), so
	// this concatenates the opaque per-type blobs already handed to us.
	var blob []byte
	for _, v := range h.dynamicTypes {
		blob = append(blob, v...)
	}
	if err := h.w.UpdateDynamicTypes(blob); err != nil {
		h.logger.Warn("failed to stage dynamic types attachment", zap.Error(err))
	}
}

// AddData ingests a single sample, returning its assigned sequence number
// (0 if the handler is STOPPED and the sample was discarded). A sample that
// is later dropped by the pending-queue policy keeps the sequence number it
// was assigned here.
func (h *Handler) AddData(topic Topic, p *payload.Ref, logTime, publishTime time.Time) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Stopped {
		return 0
	}

	metrics.SamplesIngested.WithLabelValues(topic.Name).Inc()

	h.sequence++
	seq := h.sequence
	msg := &Sample{Topic: topic, Payload: p, LogTime: logTime, PublishTime: publishTime}

	_, hasSchema := h.schemas[topic.TypeName]

	switch h.state {
	case Running:
		if hasSchema {
			h.appendDirect(topic, msg, seq)
			return seq
		}
		h.enqueuePending(h.pendingSamples, topic, msg, seq, true)
		return seq

	case Paused:
		if hasSchema {
			h.appendDirect(topic, msg, seq)
			return seq
		}
		h.enqueuePending(h.pendingSamplesPaused, topic, msg, seq, false)
		return seq
	}

	return 0
}

// appendDirect resolves the channel for a sample whose schema is already
// known and appends it to the buffer, dumping if the buffer is now full
// (RUNNING only — PAUSED relies on the event thread or trigger_event).
func (h *Handler) appendDirect(topic Topic, msg *Sample, seq uint64) {
	channelID, err := h.getOrCreateChannelID(topic)
	if err != nil {
		h.logger.Warn("dropping sample: channel resolution failed", zap.String("topic", topic.Name), zap.Error(err))
		return
	}
	bs := &bufferedSample{
		channelID:   channelID,
		topicName:   topic.Name,
		sequence:    seq,
		logTime:     msg.LogTime,
		publishTime: msg.PublishTime,
		payload:     msg.Payload,
	}
	h.buffer.PushBack(bs)

	if h.state == Running && h.buffer.Len() >= h.cfg.BufferSize {
		metrics.BufferDumps.WithLabelValues("buffer_full").Inc()
		h.dumpData()
	}
}

// enqueuePending inserts a sample into the given pending-by-type map,
// honoring max_pending_samples overflow policy. evictWritesBlank controls
// whether an evicted oldest sample is persisted with the blank schema
// (RUNNING policy) or simply discarded (PAUSED policy).
func (h *Handler) enqueuePending(target map[string]*list.List, topic Topic, msg *Sample, seq uint64, evictWritesBlank bool) {
	if h.cfg.MaxPendingSamples == 0 {
		if !h.cfg.OnlyWithSchema {
			h.appendWithBlankSchema(topic, msg, seq)
		} else {
			metrics.SamplesDropped.WithLabelValues(topic.Name, "only_with_schema").Inc()
		}
		return
	}

	pl, ok := target[topic.TypeName]
	if !ok {
		pl = list.New()
		target[topic.TypeName] = pl
	}

	entry := &pendingSample{topic: topic, msg: msg, seq: seq}
	pl.PushBack(entry)
	metrics.PendingQueueDepth.WithLabelValues(topic.TypeName, pendingOriginLabel(evictWritesBlank)).Set(float64(pl.Len()))

	if h.cfg.MaxPendingSamples > 0 && pl.Len() > h.cfg.MaxPendingSamples {
		front := pl.Front()
		evicted := front.Value.(*pendingSample)
		pl.Remove(front)
		metrics.PendingQueueDepth.WithLabelValues(topic.TypeName, pendingOriginLabel(evictWritesBlank)).Set(float64(pl.Len()))

		if evictWritesBlank && !h.cfg.OnlyWithSchema {
			h.appendWithBlankSchema(evicted.topic, evicted.msg, evicted.seq)
		} else {
			metrics.SamplesDropped.WithLabelValues(evicted.topic.Name, "pending_overflow").Inc()
		}
	}
}

func pendingOriginLabel(evictWritesBlank bool) string {
	if evictWritesBlank {
		return "running"
	}
	return "paused"
}

// appendWithBlankSchema resolves a channel bound to the blank schema id
// and appends the sample directly to the buffer, carrying forward the
// sequence number it was assigned at ingest time.
func (h *Handler) appendWithBlankSchema(topic Topic, msg *Sample, seq uint64) {
	channelID, err := h.getOrCreateChannelID(topic)
	if err != nil {
		h.logger.Warn("dropping sample: blank-schema channel resolution failed",
			zap.String("topic", topic.Name), zap.Error(err))
		return
	}
	bs := &bufferedSample{
		channelID:   channelID,
		topicName:   topic.Name,
		sequence:    seq,
		logTime:     msg.LogTime,
		publishTime: msg.PublishTime,
		payload:     msg.Payload,
	}
	h.buffer.PushBack(bs)
}

func (h *Handler) toBuffered(channelID mcap.ChannelID, seq uint64, msg *Sample) *bufferedSample {
	return &bufferedSample{
		channelID:   channelID,
		topicName:   msg.Topic.Name,
		sequence:    seq,
		logTime:     msg.LogTime,
		publishTime: msg.PublishTime,
		payload:     msg.Payload,
	}
}

// getOrCreateChannelID resolves topic -> channel, creating one bound to
// the topic's schema (or the blank schema, if none and only_with_schema
// is false) on first use.
func (h *Handler) getOrCreateChannelID(topic Topic) (mcap.ChannelID, error) {
	if ch, ok := h.channels[topic]; ok {
		return ch.ID, nil
	}
	return h.createChannelID(topic)
}

func (h *Handler) createChannelID(topic Topic) (mcap.ChannelID, error) {
	schemaID := mcap.BlankSchemaID
	if s, ok := h.schemas[topic.TypeName]; ok {
		schemaID = s.ID
	} else if h.cfg.OnlyWithSchema {
		return 0, &InconsistencyError{Msg: fmt.Sprintf("no schema for type %q and only_with_schema is set", topic.TypeName)}
	}

	ch := &mcap.Channel{
		ID:              h.nextChannelID,
		Topic:           topic.Name,
		MessageEncoding: topic.MessageEncoding,
		SchemaID:        schemaID,
		QoS:             topic.QoS,
	}
	h.nextChannelID++
	h.channels[topic] = ch

	if err := h.w.WriteChannel(ch); err != nil {
		h.logger.Warn("failed to write channel", zap.String("topic", topic.Name), zap.Error(err))
	}

	return ch.ID, nil
}

// writeBuffered sends a single buffered sample straight to the writer,
// bypassing the buffer (used for the PAUSED direct-write path).
func (h *Handler) writeBuffered(bs *bufferedSample) {
	msg := &mcap.Message{
		ChannelID:   bs.channelID,
		Sequence:    bs.sequence,
		LogTime:     bs.logTime,
		PublishTime: bs.publishTime,
	}
	if bs.payload != nil {
		msg.Data = bs.payload.Data()
	}
	if err := h.w.WriteMessage(msg); err != nil {
		h.logger.Warn("failed to write buffered sample", zap.Error(err))
	} else {
		metrics.MessagesPersisted.WithLabelValues(bs.topicName).Inc()
	}
	if bs.payload != nil {
		bs.payload.Release()
	}
}

// dumpData writes every buffered sample to the writer in order and
// empties the buffer.
func (h *Handler) dumpData() {
	for e := h.buffer.Front(); e != nil; {
		next := e.Next()
		bs := e.Value.(*bufferedSample)
		h.writeBuffered(bs)
		h.buffer.Remove(e)
		e = next
	}
}

// Start transitions to RUNNING. If the prior state was PAUSED, the event
// thread is stopped and its buffers are cleared. If prior was STOPPED,
// the writer is (re-)enabled.
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Running:
		return nil
	case Paused:
		h.stopEventThread()
		h.clearBuffer()
		h.pendingSamplesPaused = make(map[string]*list.List)
	case Stopped:
		if err := h.w.Enable(); err != nil {
			return fmt.Errorf("enabling writer: %w", err)
		}
	}

	h.state = Running
	return nil
}

// Stop transitions to STOPPED. Remaining pending_samples are persisted
// with the blank schema unless only_with_schema is set.
func (h *Handler) Stop(onDestruction bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Running:
		metrics.BufferDumps.WithLabelValues("stop").Inc()
		h.dumpData()
	case Paused:
		h.stopEventThread()
		h.clearBuffer()
		h.pendingSamplesPaused = make(map[string]*list.List)
	case Stopped:
		return nil
	}

	h.flushPendingSamplesWithBlankSchema()

	if onDestruction {
		h.stageDynamicTypes()
		if err := h.w.Disable(); err != nil {
			return fmt.Errorf("disabling writer: %w", err)
		}
	}

	h.state = Stopped
	return nil
}

func (h *Handler) flushPendingSamplesWithBlankSchema() {
	for typeName, pl := range h.pendingSamples {
		for e := pl.Front(); e != nil; e = e.Next() {
			ps := e.Value.(*pendingSample)
			if h.cfg.OnlyWithSchema {
				continue
			}
			h.appendWithBlankSchema(ps.topic, ps.msg, ps.seq)
		}
		delete(h.pendingSamples, typeName)
		metrics.PendingQueueDepth.WithLabelValues(typeName, "running").Set(0)
	}
	metrics.BufferDumps.WithLabelValues("flush_pending").Inc()
	h.dumpData()
}

func (h *Handler) clearBuffer() {
	for e := h.buffer.Front(); e != nil; e = e.Next() {
		bs := e.Value.(*bufferedSample)
		if bs.payload != nil {
			bs.payload.Release()
		}
	}
	h.buffer.Init()
}

// Pause transitions to PAUSED, dumping the buffer if coming from RUNNING,
// and starts the event thread.
func (h *Handler) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Paused {
		return
	}
	if h.state == Running {
		metrics.BufferDumps.WithLabelValues("pause").Inc()
		h.dumpData()
	}

	h.state = Paused
	h.startEventThread()
}

// TriggerEvent signals the event thread to trim and dump. No-op unless
// PAUSED.
func (h *Handler) TriggerEvent() {
	h.mu.Lock()
	paused := h.state == Paused
	h.mu.Unlock()

	if !paused {
		return
	}

	h.eventMu.Lock()
	h.eventFlag = eventTriggered
	h.eventCond.Signal()
	h.eventMu.Unlock()
}

func (h *Handler) startEventThread() {
	h.eventMu.Lock()
	if h.eventRunning {
		h.eventMu.Unlock()
		return
	}
	h.eventRunning = true
	h.eventFlag = eventUntriggered
	h.eventDone = make(chan struct{})
	h.eventMu.Unlock()

	go h.eventThreadRoutine()
}

// stopEventThread signals and joins the event thread. Must be called with
// h.mu held. The event thread reacquires h.mu inside
// removeOutdatedSamples/dumpData before it loops back to check the stop
// flag, so h.mu is released here for the duration of the join to avoid
// deadlocking against a thread mid-iteration.
func (h *Handler) stopEventThread() {
	h.eventMu.Lock()
	if !h.eventRunning {
		h.eventMu.Unlock()
		return
	}
	h.eventFlag = eventStopped
	h.eventCond.Signal()
	done := h.eventDone
	h.eventMu.Unlock()

	// Release h.mu while joining: the event thread may need to acquire it
	// one last time to observe the stop signal's wake if it's mid-wait.
	h.mu.Unlock()
	<-done
	h.mu.Lock()
}

func (h *Handler) eventThreadRoutine() {
	defer close(h.eventDone)

	for {
		h.eventMu.Lock()
		deadline := time.Now().Add(h.cfg.CleanupPeriod.Duration())
		for h.eventFlag == eventUntriggered && time.Now().Before(deadline) {
			h.waitUntil(deadline)
		}
		flag := h.eventFlag
		if flag == eventTriggered {
			h.eventFlag = eventUntriggered
		}
		h.eventMu.Unlock()

		if flag == eventStopped {
			h.eventMu.Lock()
			h.eventRunning = false
			h.eventMu.Unlock()
			return
		}

		h.mu.Lock()
		h.removeOutdatedSamples()
		if flag == eventTriggered {
			metrics.BufferDumps.WithLabelValues("trigger_event").Inc()
			h.dumpData()
		}
		h.mu.Unlock()
	}
}

// waitUntil blocks on eventCond until signaled or the deadline passes.
// Must be called with eventMu held; released internally by sync.Cond.Wait.
func (h *Handler) waitUntil(deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}

	timer := time.AfterFunc(remaining, func() {
		h.eventMu.Lock()
		h.eventCond.Signal()
		h.eventMu.Unlock()
	})
	defer timer.Stop()

	h.eventCond.Wait()
}

// removeOutdatedSamples drops buffered samples whose log time is older
// than now - event_window. Must be called with h.mu held. An
// equal-to-boundary sample is retained.
func (h *Handler) removeOutdatedSamples() {
	cutoff := time.Now().Add(-h.cfg.EventWindow.Duration())
	for e := h.buffer.Front(); e != nil; {
		next := e.Next()
		bs := e.Value.(*bufferedSample)
		if bs.logTime.Before(cutoff) {
			if bs.payload != nil {
				bs.payload.Release()
			}
			h.buffer.Remove(e)
			metrics.EventWindowTrims.Inc()
		}
		e = next
	}
}
