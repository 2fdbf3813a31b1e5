// Package mcap defines the record types persisted by the recorder and a
// minimal codec able to write them to a size-accountable append-only file.
//
// The public MCAP 0.x wire format (chunking, CRC framing, summary/footer
// sections) is an external concern: this package's fileCodec writes a
// self-describing binary container in the same spirit, not a byte-exact
// MCAP library. Callers that need MCAP-proper can swap in any Codec
// implementation.
package mcap

import "time"

// SchemaID identifies a registered Schema within a single file.
type SchemaID uint16

// ChannelID identifies a registered Channel within a single file.
type ChannelID uint16

// BlankSchemaID is the reserved schema id (⊥) used by channels whose type
// has not yet been resolved.
const BlankSchemaID SchemaID = 0

// Encoding tags the textual body of a Schema.
type Encoding string

const (
	EncodingIDL Encoding = "idl"
	EncodingMSG Encoding = "msg"
)

// Schema describes a registered DDS type.
type Schema struct {
	ID       SchemaID
	Name     string
	Encoding Encoding
	Data     []byte
}

// Size is the number of bytes this record would occupy once encoded.
func (s *Schema) Size() int64 {
	return int64(len(s.Name) + len(s.Encoding) + len(s.Data) + schemaOverhead)
}

// Channel describes a DDS topic bound to a (possibly blank) schema.
type Channel struct {
	ID              ChannelID
	Topic           string
	MessageEncoding string
	SchemaID        SchemaID
	QoS             string
}

// Size is the number of bytes this record would occupy once encoded.
func (c *Channel) Size() int64 {
	return int64(len(c.Topic) + len(c.MessageEncoding) + len(c.QoS) + channelOverhead)
}

// Message is a single persisted sample.
type Message struct {
	ChannelID   ChannelID
	Sequence    uint64
	LogTime     time.Time
	PublishTime time.Time
	Data        []byte
}

// Size is the number of bytes this record would occupy once encoded.
func (m *Message) Size() int64 {
	return int64(len(m.Data) + messageOverhead)
}

// Metadata is a free-form name/value record (e.g. the "version" record).
type Metadata struct {
	Name   string
	Values map[string]string
}

// Size is the number of bytes this record would occupy once encoded.
func (md *Metadata) Size() int64 {
	total := len(md.Name) + metadataOverhead
	for k, v := range md.Values {
		total += len(k) + len(v) + 4
	}
	return int64(total)
}

// Attachment is a named opaque blob, used for the dynamic-types collection.
type Attachment struct {
	Name       string
	CreateTime time.Time
	Data       []byte
}

// Size is the number of bytes this record would occupy once encoded.
func (a *Attachment) Size() int64 {
	return int64(len(a.Name) + len(a.Data) + attachmentOverhead)
}

// DynamicTypesAttachmentName is the well-known attachment name holding the
// serialized TypeIdentifier -> TypeObject collection.
const DynamicTypesAttachmentName = "dynamic_types"

// VersionMetadataName / keys used for the per-file version record.
const (
	VersionMetadataName    = "version"
	VersionMetadataRelease = "release"
	VersionMetadataCommit  = "commit"
)
