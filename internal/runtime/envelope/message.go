// Package envelope defines the self-describing Message that travels between
// components: its data type registry, the Data payload with extensions, and
// the Avro wire envelope.
package envelope

import (
	"time"

	"github.com/drblury/rflow/internal/runtime/metadata"
)

// SerializationAvro is the only data serialization currently supported.
const SerializationAvro = "avro"

// TimestampLayout is the ISO-8601 layout used for provenance timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// ProcessingEvent records one component's handling of a message.
type ProcessingEvent struct {
	ComponentInstanceID string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	Context             *string
}

// NewProcessingEvent starts an event for the component instance at startedAt.
func NewProcessingEvent(instanceID string, startedAt time.Time) ProcessingEvent {
	ts := normalizeTime(startedAt)
	return ProcessingEvent{ComponentInstanceID: instanceID, StartedAt: &ts}
}

// Complete sets CompletedAt.
func (e *ProcessingEvent) Complete(at time.Time) {
	ts := normalizeTime(at)
	e.CompletedAt = &ts
}

// SetContext attaches free-form context to the event.
func (e *ProcessingEvent) SetContext(ctx string) {
	e.Context = &ctx
}

// Wire precision is microseconds in UTC.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Message is the unit exchanged between components.
type Message struct {
	TypeName   string
	Provenance []ProcessingEvent
	Properties metadata.Metadata
	Data       *Data
}

// MessageOption customises NewMessage.
type MessageOption func(*messageOptions)

type messageOptions struct {
	serialization string
	provenance    []ProcessingEvent
	properties    metadata.Metadata
	raw           []byte
}

// WithSerialization selects the data serialization kind. Defaults to avro.
func WithSerialization(kind string) MessageOption {
	return func(o *messageOptions) { o.serialization = kind }
}

// WithProvenance seeds the provenance trail.
func WithProvenance(events ...ProcessingEvent) MessageOption {
	return func(o *messageOptions) { o.provenance = append(o.provenance, events...) }
}

// WithProperties sets the message properties.
func WithProperties(props metadata.Metadata) MessageOption {
	return func(o *messageOptions) { o.properties = props.Clone() }
}

// WithBytes supplies already serialized data. The data object is decoded lazily.
func WithBytes(raw []byte) MessageOption {
	return func(o *messageOptions) { o.raw = raw }
}

// AppendProvenance appends an event and returns a pointer to it.
func (m *Message) AppendProvenance(event ProcessingEvent) *ProcessingEvent {
	m.Provenance = append(m.Provenance, event)
	return &m.Provenance[len(m.Provenance)-1]
}

// LastProvenance returns the newest event, or nil.
func (m *Message) LastProvenance() *ProcessingEvent {
	if len(m.Provenance) == 0 {
		return nil
	}
	return &m.Provenance[len(m.Provenance)-1]
}

// Property returns one property value.
func (m *Message) Property(key string) string {
	return m.Properties[key]
}

// SetProperty sets one property value.
func (m *Message) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = metadata.Metadata{}
	}
	m.Properties[key] = value
}

// Clone copies the message so the copy can be modified independently. The data
// is copied through its serialized form.
func (m *Message) Clone() (*Message, error) {
	out := &Message{
		TypeName:   m.TypeName,
		Provenance: make([]ProcessingEvent, len(m.Provenance)),
		Properties: m.Properties.Clone(),
	}
	copy(out.Provenance, m.Provenance)
	if m.Data != nil {
		raw, err := m.Data.Bytes()
		if err != nil {
			return nil, err
		}
		out.Data = m.Data.cloneWithBytes(raw)
	}
	return out, nil
}
