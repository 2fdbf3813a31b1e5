package handler

import (
	"testing"
	"time"

	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/ddsrecorder/mcaprecorder/internal/mcap"
	"github.com/ddsrecorder/mcaprecorder/internal/payload"
	"go.uber.org/zap"
)

// fakeWriter records the calls of each record kind in call order, so tests
// can assert on how many records of each kind were written and on the
// sequencing of messages.
type fakeWriter struct {
	schemas      []*mcap.Schema
	channels     []*mcap.Channel
	messages     []*mcap.Message
	enabled      bool
	disableCalls int
	dynTypes     [][]byte
}

func (f *fakeWriter) Enable() error  { f.enabled = true; return nil }
func (f *fakeWriter) Disable() error { f.enabled = false; f.disableCalls++; return nil }
func (f *fakeWriter) WriteSchema(s *mcap.Schema) error {
	f.schemas = append(f.schemas, s)
	return nil
}
func (f *fakeWriter) WriteChannel(c *mcap.Channel) error {
	f.channels = append(f.channels, c)
	return nil
}
func (f *fakeWriter) WriteMessage(m *mcap.Message) error {
	f.messages = append(f.messages, m)
	return nil
}
func (f *fakeWriter) UpdateDynamicTypes(b []byte) error {
	f.dynTypes = append(f.dynTypes, b)
	return nil
}

func testHandlerConfig() config.HandlerConfig {
	return config.HandlerConfig{
		InitialState:      "RUNNING",
		BufferSize:        64,
		EventWindow:       config.Duration(5 * time.Second),
		CleanupPeriod:     config.Duration(50 * time.Millisecond),
		MaxPendingSamples: -1,
		OnlyWithSchema:    false,
	}
}

func newTestHandler(t *testing.T, cfg config.HandlerConfig) (*Handler, *fakeWriter) {
	t.Helper()
	fw := &fakeWriter{}
	h, err := New(cfg, fw, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return h, fw
}

func topicT() Topic {
	return Topic{Name: "foo_topic", TypeName: "Foo", MessageEncoding: "cdr", QoS: "reliable"}
}

func dynType() DynamicType {
	return DynamicType{TypeName: "Foo", Encoding: mcap.EncodingIDL, Body: []byte("struct Foo{};"), Identifier: []byte("foo-id")}
}

func samplePayload() *payload.Ref {
	pool := payload.NewPool(32)
	return pool.Get([]byte("sample-data"))
}

// Scenario 1: single topic, RUNNING.
func TestScenarioSingleTopicRunning(t *testing.T) {
	h, fw := newTestHandler(t, testHandlerConfig())

	h.AddSchema(dynType())
	topic := topicT()
	var seqs []uint64
	for i := 0; i < 3; i++ {
		seqs = append(seqs, h.AddData(topic, samplePayload(), time.Now(), time.Now()))
	}
	if err := h.Stop(false); err != nil {
		t.Fatal(err)
	}

	if len(fw.schemas) != 1 {
		t.Fatalf("expected 1 schema write, got %d", len(fw.schemas))
	}
	if len(fw.channels) != 1 {
		t.Fatalf("expected 1 channel write, got %d", len(fw.channels))
	}
	if len(fw.messages) != 3 {
		t.Fatalf("expected 3 message writes, got %d", len(fw.messages))
	}
	for i, m := range fw.messages {
		if m.Sequence != seqs[i] {
			t.Fatalf("message %d sequence = %d, want %d", i, m.Sequence, seqs[i])
		}
	}
	if seqs[0] >= seqs[1] || seqs[1] >= seqs[2] {
		t.Fatalf("expected strictly increasing sequence numbers, got %v", seqs)
	}
}

// Scenario 2: late schema, RUNNING, max_pending_samples=10, only_with_schema=false.
func TestScenarioLateSchemaRunning(t *testing.T) {
	cfg := testHandlerConfig()
	cfg.MaxPendingSamples = 10
	h, fw := newTestHandler(t, cfg)

	topic := topicT()
	h.AddData(topic, samplePayload(), time.Now(), time.Now())
	h.AddData(topic, samplePayload(), time.Now(), time.Now())
	h.AddSchema(dynType())
	h.AddData(topic, samplePayload(), time.Now(), time.Now())
	if err := h.Stop(false); err != nil {
		t.Fatal(err)
	}

	if len(fw.schemas) != 1 {
		t.Fatalf("expected 1 schema write, got %d", len(fw.schemas))
	}
	if len(fw.channels) != 1 {
		t.Fatalf("expected exactly 1 channel write (no blank-schema channel), got %d", len(fw.channels))
	}
	if len(fw.messages) != 3 {
		t.Fatalf("expected 3 message writes, got %d", len(fw.messages))
	}
	for _, m := range fw.messages {
		if m.ChannelID == 0 {
			t.Fatalf("expected non-blank channel binding, got channel id 0")
		}
	}
	for i := range fw.messages {
		if fw.messages[i].Sequence != uint64(i+1) {
			t.Fatalf("message %d sequence = %d, want %d", i, fw.messages[i].Sequence, i+1)
		}
	}
}

// Scenario 3: late schema, only_with_schema=true, max_pending_samples=2.
func TestScenarioLateSchemaOnlyWithSchemaEviction(t *testing.T) {
	cfg := testHandlerConfig()
	cfg.MaxPendingSamples = 2
	cfg.OnlyWithSchema = true
	h, fw := newTestHandler(t, cfg)

	topic := topicT()
	h.AddData(topic, samplePayload(), time.Now(), time.Now()) // seq 1, queued
	h.AddData(topic, samplePayload(), time.Now(), time.Now()) // seq 2, queued
	h.AddData(topic, samplePayload(), time.Now(), time.Now()) // seq 3, queued, evicts seq 1 (discarded)
	h.AddSchema(dynType())
	if err := h.Stop(false); err != nil {
		t.Fatal(err)
	}

	if len(fw.messages) != 2 {
		t.Fatalf("expected 2 persisted messages (oldest evicted+discarded), got %d", len(fw.messages))
	}
	if fw.messages[0].Sequence != 2 || fw.messages[1].Sequence != 3 {
		t.Fatalf("expected sequence numbers 2 and 3, got %d and %d", fw.messages[0].Sequence, fw.messages[1].Sequence)
	}
}

func TestAddSchemaIsIdempotentOnTypeName(t *testing.T) {
	h, fw := newTestHandler(t, testHandlerConfig())

	h.AddSchema(dynType())
	h.AddSchema(dynType())

	if len(fw.schemas) != 1 {
		t.Fatalf("expected add_schema to be idempotent, got %d schema writes", len(fw.schemas))
	}
}

func TestStopOnDestructionDisablesWriter(t *testing.T) {
	h, fw := newTestHandler(t, testHandlerConfig())

	if err := h.Stop(true); err != nil {
		t.Fatal(err)
	}
	if fw.enabled {
		t.Fatal("expected writer to be disabled on destruction")
	}
	if fw.disableCalls != 1 {
		t.Fatalf("expected exactly one Disable call on destruction, got %d", fw.disableCalls)
	}
	if len(fw.dynTypes) == 0 {
		t.Fatal("expected dynamic types to be staged on destruction")
	}
}

func TestOnlyWithSchemaDiscardsWithoutInconsistency(t *testing.T) {
	cfg := testHandlerConfig()
	cfg.OnlyWithSchema = true
	cfg.MaxPendingSamples = 0
	h, fw := newTestHandler(t, cfg)

	topic := topicT()
	seq := h.AddData(topic, samplePayload(), time.Now(), time.Now())
	if seq == 0 {
		t.Fatal("expected a sequence number to be assigned even though the sample is dropped")
	}
	if len(fw.messages) != 0 {
		t.Fatalf("expected sample to be discarded (only_with_schema, no schema known), got %d messages", len(fw.messages))
	}
}

func TestPauseBuffersAndTriggerEventDumps(t *testing.T) {
	h, fw := newTestHandler(t, testHandlerConfig())
	h.AddSchema(dynType())

	h.Pause()
	topic := topicT()
	h.AddData(topic, samplePayload(), time.Now(), time.Now())
	h.AddData(topic, samplePayload(), time.Now(), time.Now())

	if len(fw.messages) != 0 {
		t.Fatalf("expected samples to stay buffered until triggered, got %d messages written", len(fw.messages))
	}

	h.TriggerEvent()
	// Give the event thread a moment to process the trigger.
	deadline := time.Now().Add(2 * time.Second)
	for len(fw.messages) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if len(fw.messages) != 2 {
		t.Fatalf("expected 2 messages dumped after trigger_event, got %d", len(fw.messages))
	}

	if err := h.Stop(true); err != nil {
		t.Fatal(err)
	}
}
