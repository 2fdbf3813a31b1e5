package writer

import (
	"fmt"
	"testing"

	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/ddsrecorder/mcaprecorder/internal/filetracker"
	"github.com/ddsrecorder/mcaprecorder/internal/mcap"
	"go.uber.org/zap"
)

// fakeCodec records calls instead of touching a real file.
type fakeCodec struct {
	open       bool
	path       string
	schemas    []mcap.SchemaID
	channels   []mcap.ChannelID
	messages   int
	metadata   int
	attachment int
}

func (c *fakeCodec) Open(path string, _ mcap.Options) error {
	c.open = true
	c.path = path
	return nil
}
func (c *fakeCodec) Close() error { c.open = false; return nil }
func (c *fakeCodec) WriteSchema(s *mcap.Schema) error {
	c.schemas = append(c.schemas, s.ID)
	return nil
}
func (c *fakeCodec) WriteChannel(ch *mcap.Channel) error {
	c.channels = append(c.channels, ch.ID)
	return nil
}
func (c *fakeCodec) WriteMessage(*mcap.Message) error { c.messages++; return nil }
func (c *fakeCodec) WriteMetadata(*mcap.Metadata) error { c.metadata++; return nil }
func (c *fakeCodec) WriteAttachment(*mcap.Attachment) error { c.attachment++; return nil }

// fakeFileTracker is an in-memory filetracker.Tracker with a configurable
// total-size ceiling, for exercising the disk-full escalation path without
// touching bbolt or the filesystem.
type fakeFileTracker struct {
	maxTotal    int64
	total       int64
	currentName string
	currentSize int64
	fileCount   int
	codecs      []*fakeCodec
}

func (f *fakeFileTracker) NewFile(minSize int64) (string, error) {
	if f.maxTotal > 0 && f.total+minSize > f.maxTotal {
		return "", &filetracker.DiskFullError{MinSizeNeeded: minSize, TotalSizeLimit: f.maxTotal, CurrentTotal: f.total}
	}
	f.fileCount++
	f.currentName = fmt.Sprintf("file-%d.mcap", f.fileCount)
	f.currentSize = 0
	return f.currentName, nil
}
func (f *fakeFileTracker) CurrentFilename() string { return f.currentName }
func (f *fakeFileTracker) SetCurrentFileSize(size int64) error {
	f.currentSize = size
	return nil
}
func (f *fakeFileTracker) CloseFile() error {
	f.total += f.currentSize
	f.currentName = ""
	f.currentSize = 0
	return nil
}
func (f *fakeFileTracker) GetTotalSize() (int64, error) { return f.total, nil }
func (f *fakeFileTracker) Close() error                 { return nil }

func testOutputSettings(maxFileSize, maxSize, safetyMargin int64) config.OutputSettings {
	return config.OutputSettings{
		OutputDir:    "/tmp/unused",
		FilePrefix:   "output",
		MaxFileSize:  config.ByteSize(maxFileSize),
		MaxSize:      config.ByteSize(maxSize),
		SafetyMargin: config.ByteSize(safetyMargin),
		RecordTypes:  true,
	}
}

func newTestWriter(ft filetracker.Tracker, cfg config.OutputSettings) (*Writer, *[]*fakeCodec) {
	codecs := &[]*fakeCodec{}
	w := New(cfg, ft, func() mcap.Codec {
		c := &fakeCodec{}
		*codecs = append(*codecs, c)
		return c
	}, true, zap.NewNop())
	return w, codecs
}

func TestEnableOpensFirstFile(t *testing.T) {
	ft := &fakeFileTracker{}
	w, codecs := newTestWriter(ft, testOutputSettings(1<<20, 1<<30, 0))

	if err := w.Enable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*codecs) != 1 || !(*codecs)[0].open {
		t.Fatalf("expected exactly one opened codec, got %d", len(*codecs))
	}
	if (*codecs)[0].metadata != 1 {
		t.Fatalf("expected version metadata record to be written, got %d", (*codecs)[0].metadata)
	}
}

func TestDisableThenEnableReplaysNoSchemasOrChannels(t *testing.T) {
	ft := &fakeFileTracker{}
	w, codecs := newTestWriter(ft, testOutputSettings(1<<20, 1<<30, 0))
	if err := w.Enable(); err != nil {
		t.Fatal(err)
	}

	schema := &mcap.Schema{ID: 1, Name: "Foo", Encoding: mcap.EncodingIDL, Data: []byte("struct Foo{};")}
	if err := w.WriteSchema(schema); err != nil {
		t.Fatal(err)
	}
	channel := &mcap.Channel{ID: 1, Topic: "foo_topic", MessageEncoding: "cdr", SchemaID: 1}
	if err := w.WriteChannel(channel); err != nil {
		t.Fatal(err)
	}

	if err := w.Disable(); err != nil {
		t.Fatal(err)
	}
	if err := w.Enable(); err != nil {
		t.Fatal(err)
	}

	// Disable clears both caches: nothing should be replayed into the new
	// file until the caller re-adds schemas/channels explicitly.
	if len((*codecs)[1].schemas) != 0 {
		t.Fatalf("expected schemas to be cleared on disable, got %v", (*codecs)[1].schemas)
	}
	if len((*codecs)[1].channels) != 0 {
		t.Fatalf("expected channels to be cleared on disable, got %v", (*codecs)[1].channels)
	}
}

func TestMessageRollsOverOnFileFull(t *testing.T) {
	ft := &fakeFileTracker{}
	// max_file_size small enough that a handful of messages force a
	// rollover, max_size generous so a second file can open.
	w, codecs := newTestWriter(ft, testOutputSettings(200, 1<<30, 0))
	if err := w.Enable(); err != nil {
		t.Fatal(err)
	}

	msg := &mcap.Message{ChannelID: 1, Sequence: 1, Data: make([]byte, 60)}
	for i := 0; i < 5; i++ {
		msg.Sequence = uint64(i)
		if err := w.WriteMessage(msg); err != nil {
			t.Fatalf("unexpected error on message %d: %v", i, err)
		}
	}

	if len(*codecs) < 2 {
		t.Fatalf("expected a rollover to a second file, got %d files", len(*codecs))
	}
}

func TestSingleFileConfigurationEscalatesToDiskFull(t *testing.T) {
	ft := &fakeFileTracker{}
	// max_file_size == max_size: only one file can ever exist.
	w, _ := newTestWriter(ft, testOutputSettings(150, 150, 0))
	if err := w.Enable(); err != nil {
		t.Fatal(err)
	}

	diskFullCalled := false
	w.SetOnDiskFullCallback(func() { diskFullCalled = true })

	msg := &mcap.Message{ChannelID: 1, Sequence: 1, Data: make([]byte, 100)}
	for i := 0; i < 5 && !diskFullCalled; i++ {
		msg.Sequence = uint64(i)
		if err := w.WriteMessage(msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if !diskFullCalled {
		t.Fatal("expected disk-full callback to fire for a single-file configuration")
	}
}

func TestWriteMessageOnDisabledWriterIsNoop(t *testing.T) {
	ft := &fakeFileTracker{}
	w, _ := newTestWriter(ft, testOutputSettings(1<<20, 1<<30, 0))

	if err := w.WriteMessage(&mcap.Message{ChannelID: 1, Data: []byte("x")}); err != nil {
		t.Fatalf("expected silent no-op, got error: %v", err)
	}
}
