package envelope

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hamba/avro/v2"

	"github.com/drblury/rflow/internal/runtime/metadata"
)

// EnvelopeSchema describes the wire envelope. Encode writes exactly this layout.
const EnvelopeSchema = `{
  "type": "record",
  "name": "Message",
  "namespace": "org.rflow",
  "fields": [
    {"name": "data_type_name", "type": "string"},
    {"name": "provenance", "type": {"type": "array", "items": {
      "type": "record", "name": "ProcessingEvent", "fields": [
        {"name": "component_instance_uuid", "type": "string"},
        {"name": "started_at", "type": ["null", "string"]},
        {"name": "completed_at", "type": ["null", "string"]},
        {"name": "context", "type": ["null", "string"]}
      ]}}},
    {"name": "properties", "type": {"type": "map", "values": "string"}},
    {"name": "data_serialization_type", "type": "string"},
    {"name": "data_schema", "type": "string"},
    {"name": "data", "type": "bytes"}
  ]
}`

const codecBufferSize = 512

// Encode serializes the message envelope. Properties are written in key order
// so equal messages always produce identical bytes.
func (m *Message) Encode() ([]byte, error) {
	if m.Data == nil {
		return nil, fmt.Errorf("message %s has no data", m.TypeName)
	}
	payload, err := m.Data.Bytes()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := avro.NewWriter(&buf, codecBufferSize)

	w.WriteString(m.TypeName)

	if n := len(m.Provenance); n > 0 {
		w.WriteLong(int64(n))
		for _, ev := range m.Provenance {
			w.WriteString(ev.ComponentInstanceID)
			writeOptionalTime(w, ev.StartedAt)
			writeOptionalTime(w, ev.CompletedAt)
			writeOptionalString(w, ev.Context)
		}
	}
	w.WriteLong(0)

	if n := len(m.Properties); n > 0 {
		w.WriteLong(int64(n))
		for _, k := range m.Properties.Keys() {
			w.WriteString(k)
			w.WriteString(m.Properties[k])
		}
	}
	w.WriteLong(0)

	w.WriteString(m.Data.Serialization())
	w.WriteString(m.Data.SchemaText())
	w.WriteBytes(payload)

	if err := w.Flush(); err != nil {
		return nil, err
	}
	if w.Error != nil {
		return nil, w.Error
	}
	return buf.Bytes(), nil
}

// Decode parses an envelope. The data type must be registered and the carried
// schema must match the registered one.
func (r *Registry) Decode(raw []byte) (*Message, error) {
	rd := avro.NewReader(bytes.NewReader(raw), codecBufferSize)

	msg := &Message{Properties: metadata.Metadata{}}
	msg.TypeName = rd.ReadString()

	limit := int64(len(raw))
	for {
		count := readBlockCount(rd, limit)
		if count == 0 || rd.Error != nil {
			break
		}
		for i := int64(0); i < count && rd.Error == nil; i++ {
			ev := ProcessingEvent{ComponentInstanceID: rd.ReadString()}
			ev.StartedAt = readOptionalTime(rd)
			ev.CompletedAt = readOptionalTime(rd)
			ev.Context = readOptionalString(rd)
			msg.Provenance = append(msg.Provenance, ev)
		}
	}

	for {
		count := readBlockCount(rd, limit)
		if count == 0 || rd.Error != nil {
			break
		}
		for i := int64(0); i < count && rd.Error == nil; i++ {
			k := rd.ReadString()
			msg.Properties[k] = rd.ReadString()
		}
	}

	serialization := rd.ReadString()
	schemaText := rd.ReadString()
	payload := rd.ReadBytes()
	if rd.Error != nil {
		return nil, fmt.Errorf("decode envelope: %w", rd.Error)
	}

	dt, err := r.Lookup(msg.TypeName, serialization)
	if err != nil {
		return nil, err
	}
	if err := r.checkSchema(dt, schemaText); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = []byte{}
	}
	data, err := newData(dt, r.Extensions(msg.TypeName), payload)
	if err != nil {
		return nil, err
	}
	msg.Data = data
	return msg, nil
}

// readBlockCount reads an array or map block header. A negative count is
// followed by the block size in bytes. Every item takes at least one byte, so
// a count above limit can only come from a corrupt frame.
func readBlockCount(rd *avro.Reader, limit int64) int64 {
	count := rd.ReadLong()
	if count < 0 {
		count = -count
		_ = rd.ReadLong()
	}
	if count < 0 || count > limit {
		rd.ReportError("block count", fmt.Sprintf("%d items exceed the %d byte frame", count, limit))
		return 0
	}
	return count
}

func writeOptionalString(w *avro.Writer, s *string) {
	if s == nil {
		w.WriteLong(0)
		return
	}
	w.WriteLong(1)
	w.WriteString(*s)
}

func writeOptionalTime(w *avro.Writer, t *time.Time) {
	if t == nil {
		w.WriteLong(0)
		return
	}
	w.WriteLong(1)
	w.WriteString(t.UTC().Format(TimestampLayout))
}

func readOptionalString(rd *avro.Reader) *string {
	if rd.ReadLong() == 0 {
		return nil
	}
	s := rd.ReadString()
	return &s
}

func readOptionalTime(rd *avro.Reader) *time.Time {
	s := readOptionalString(rd)
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		rd.ReportError("provenance timestamp", err.Error())
		return nil
	}
	t = normalizeTime(t)
	return &t
}
