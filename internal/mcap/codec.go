package mcap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// Per-record framing overhead accounted for by Size(), mirroring the fixed
// header layout written by fileCodec below: [1 byte kind][4 byte length]
// ... payload ... [4 byte crc32].
const (
	recordFrameOverhead = 1 + 4 + 4
	schemaOverhead      = recordFrameOverhead + 2 + 2 + 2 + 4 // id + encoding len + name len + data len
	channelOverhead     = recordFrameOverhead + 2 + 2 + 2 + 2 + 2
	messageOverhead     = recordFrameOverhead + 2 + 8 + 8 + 8 + 4
	metadataOverhead    = recordFrameOverhead + 2 + 2 // name len + pair count
	attachmentOverhead  = recordFrameOverhead + 2 + 8 + 4
)

// fileMagic identifies the container written by fileCodec.
var fileMagic = [4]byte{'M', 'C', 'R', '1'}

const (
	kindSchema byte = iota + 1
	kindChannel
	kindMessage
	kindMetadata
	kindAttachment
)

// Options configures a Codec.Open call. Kept minimal; the public MCAP
// library exposes many more (compression, chunk size) that are out of
// scope for this core (§1).
type Options struct {
	Profile string
}

// Codec is the append-only persistence surface the writer depends on.
// Exactly the five item kinds named in spec.md §4.2.
type Codec interface {
	Open(path string, opts Options) error
	Close() error
	WriteSchema(*Schema) error
	WriteChannel(*Channel) error
	WriteMessage(*Message) error
	WriteMetadata(*Metadata) error
	WriteAttachment(*Attachment) error
}

// fileCodec is the default Codec: a minimal, real binary container with a
// magic header and a CRC32 trailer per record. It is deliberately not a
// claim of MCAP 0.x bit-exactness — that primitive is an external concern
// per spec.md §1 — but it is a working, inspectable file format so the
// writer has something concrete to reserve bytes against.
type fileCodec struct {
	f   *os.File
	buf *bufio.Writer
}

// NewFileCodec constructs the default Codec implementation.
func NewFileCodec() Codec {
	return &fileCodec{}
}

func (c *fileCodec) Open(path string, _ Options) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening mcap file %s: %w", path, err)
	}
	if _, err := f.Write(fileMagic[:]); err != nil {
		f.Close()
		return fmt.Errorf("writing magic header: %w", err)
	}
	c.f = f
	c.buf = bufio.NewWriter(f)
	return nil
}

func (c *fileCodec) Close() error {
	if c.f == nil {
		return nil
	}
	if err := c.buf.Flush(); err != nil {
		c.f.Close()
		return fmt.Errorf("flushing mcap file: %w", err)
	}
	err := c.f.Close()
	c.f = nil
	c.buf = nil
	return err
}

func (c *fileCodec) writeRecord(kind byte, payload []byte) error {
	if c.buf == nil {
		return fmt.Errorf("codec not open")
	}
	hdr := make([]byte, 5)
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	if _, err := c.buf.Write(hdr); err != nil {
		return err
	}
	if _, err := c.buf.Write(payload); err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(payload)
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc)
	_, err := c.buf.Write(trailer[:])
	return err
}

func (c *fileCodec) WriteSchema(s *Schema) error {
	nameBytes := []byte(s.Name)
	payload := make([]byte, 0, len(nameBytes)+len(s.Encoding)+len(s.Data)+8)
	payload = appendUint16(payload, uint16(s.ID))
	payload = appendLenPrefixedString(payload, string(s.Encoding))
	payload = appendLenPrefixedString(payload, s.Name)
	payload = appendUint32Bytes(payload, s.Data)
	return c.writeRecord(kindSchema, payload)
}

func (c *fileCodec) WriteChannel(ch *Channel) error {
	payload := make([]byte, 0, len(ch.Topic)+len(ch.MessageEncoding)+len(ch.QoS)+16)
	payload = appendUint16(payload, uint16(ch.ID))
	payload = appendUint16(payload, uint16(ch.SchemaID))
	payload = appendLenPrefixedString(payload, ch.MessageEncoding)
	payload = appendLenPrefixedString(payload, ch.Topic)
	payload = appendLenPrefixedString(payload, ch.QoS)
	return c.writeRecord(kindChannel, payload)
}

func (c *fileCodec) WriteMessage(m *Message) error {
	payload := make([]byte, 0, len(m.Data)+32)
	payload = appendUint16(payload, uint16(m.ChannelID))
	payload = appendUint64(payload, m.Sequence)
	payload = appendUint64(payload, uint64(m.LogTime.UnixNano()))
	payload = appendUint64(payload, uint64(m.PublishTime.UnixNano()))
	payload = appendUint32Bytes(payload, m.Data)
	return c.writeRecord(kindMessage, payload)
}

func (c *fileCodec) WriteMetadata(md *Metadata) error {
	payload := appendLenPrefixedString(nil, md.Name)
	payload = appendUint16(payload, uint16(len(md.Values)))
	for k, v := range md.Values {
		payload = appendLenPrefixedString(payload, k)
		payload = appendLenPrefixedString(payload, v)
	}
	return c.writeRecord(kindMetadata, payload)
}

func (c *fileCodec) WriteAttachment(a *Attachment) error {
	payload := appendLenPrefixedString(nil, a.Name)
	payload = appendUint64(payload, uint64(a.CreateTime.UnixNano()))
	payload = appendUint32Bytes(payload, a.Data)
	return c.writeRecord(kindAttachment, payload)
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendLenPrefixedString(b []byte, s string) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	b = append(b, tmp[:]...)
	return append(b, s...)
}

func appendUint32Bytes(b []byte, data []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(data)))
	b = append(b, tmp[:]...)
	return append(b, data...)
}
