package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/metadata"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func TestNewMessageUnknownTypeFailsWithSchemaNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.NewMessage("Does::Not::Exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrSchemaNotFound))

	_, err = r.NewMessage(TypeInteger, WithSerialization("json"))
	assert.True(t, errors.Is(err, errspkg.ErrSchemaNotFound))
}

func TestNewMessageStartsFromDefaults(t *testing.T) {
	r := newTestRegistry(t)

	msg, err := r.NewMessage(TypeInteger)
	require.NoError(t, err)
	v, err := Integer(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	file, err := r.NewMessage(TypeFile)
	require.NoError(t, err)
	path, err := file.Data.Field("path")
	require.NoError(t, err)
	assert.Equal(t, "", path)
}

func TestAttachPopulatesDefaults(t *testing.T) {
	r := newTestRegistry(t)
	before := time.Now().Add(-time.Second)

	msg, err := r.NewMessage(TypeTick)
	require.NoError(t, err)

	at, err := TickTime(msg.Data)
	require.NoError(t, err)
	assert.True(t, at.After(before))

	viaExtension, err := msg.Data.Call("time")
	require.NoError(t, err)
	assert.Equal(t, at, viaExtension)
}

func TestEnvelopeRoundTripIsByteExact(t *testing.T) {
	r := newTestRegistry(t)

	msg, err := r.NewMessage(TypeRaw, WithProperties(metadata.New("b", "2", "a", "1")))
	require.NoError(t, err)
	require.NoError(t, msg.Data.SetField("raw", []byte("hello")))

	ev := msg.AppendProvenance(NewProcessingEvent("instance-1", time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)))
	ev.Complete(time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC))
	ev.SetContext("ctx")
	msg.AppendProvenance(NewProcessingEvent("instance-2", time.Date(2024, 3, 1, 12, 0, 2, 0, time.UTC)))

	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := r.Decode(encoded)
	require.NoError(t, err)

	reencoded, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)

	assert.Equal(t, TypeRaw, decoded.TypeName)
	assert.Equal(t, metadata.Metadata{"a": "1", "b": "2"}, decoded.Properties)
	require.Len(t, decoded.Provenance, 2)

	first := decoded.Provenance[0]
	assert.Equal(t, "instance-1", first.ComponentInstanceID)
	require.NotNil(t, first.StartedAt)
	assert.True(t, first.StartedAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)))
	require.NotNil(t, first.CompletedAt)
	require.NotNil(t, first.Context)
	assert.Equal(t, "ctx", *first.Context)

	second := decoded.Provenance[1]
	assert.Nil(t, second.CompletedAt)
	assert.Nil(t, second.Context)

	raw, err := Raw(decoded.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), raw)
}

func TestEnvelopeEncodingIsDeterministic(t *testing.T) {
	r := newTestRegistry(t)
	props := metadata.Metadata{}
	for _, k := range []string{"z", "y", "x", "w", "v", "u"} {
		props[k] = k
	}

	var first []byte
	for i := 0; i < 10; i++ {
		msg, err := r.NewMessage(TypeInteger, WithProperties(props))
		require.NoError(t, err)
		msg.Data.SetObject(42)
		b, err := msg.Encode()
		require.NoError(t, err)
		if first == nil {
			first = b
			continue
		}
		assert.Equal(t, first, b)
	}
}

func TestEnvelopeMatchesPublishedSchema(t *testing.T) {
	r := newTestRegistry(t)
	msg, err := r.NewMessage(TypeInteger, WithProperties(metadata.New("k", "v")))
	require.NoError(t, err)
	msg.Data.SetObject(int64(7))
	msg.AppendProvenance(NewProcessingEvent("id", time.Now()))

	encoded, err := msg.Encode()
	require.NoError(t, err)

	schema, err := avro.Parse(EnvelopeSchema)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, avro.Unmarshal(schema, encoded, &generic))
	assert.Equal(t, TypeInteger, generic["data_type_name"])
	assert.Equal(t, SerializationAvro, generic["data_serialization_type"])
	assert.Equal(t, `"long"`, generic["data_schema"])
}

func TestDecodeDetectsSchemaMismatch(t *testing.T) {
	sender := newTestRegistry(t)
	msg, err := sender.NewMessage(TypeRaw)
	require.NoError(t, err)
	encoded, err := msg.Encode()
	require.NoError(t, err)

	receiver := NewRegistry()
	require.NoError(t, receiver.RegisterType(TypeRaw, `{"type":"record","name":"Raw","fields":[{"name":"other","type":"string"}]}`))

	_, err = receiver.Decode(encoded)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrSchemaMismatch))

	empty := NewRegistry()
	_, err = empty.Decode(encoded)
	assert.True(t, errors.Is(err, errspkg.ErrSchemaNotFound))
}

func TestExtensionResolutionOrderAndShadowing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterType("A::B::C::D::E", `"string"`))

	describe := func(name string) Method {
		return func(*Data, ...any) (any, error) { return name, nil }
	}
	r.RegisterExtension("A", Extension{Name: "A", Methods: map[string]Method{"who": describe("A"), "a_only": describe("A")}})
	r.RegisterExtension("A::B", Extension{Name: "B", Methods: map[string]Method{"who": describe("B")}})
	r.RegisterExtension("A::B::C", Extension{Name: "C"})
	r.RegisterExtension("A::B::C::D", Extension{Name: "D", Methods: map[string]Method{"who": describe("D")}})
	r.RegisterExtension("A::X", Extension{Name: "X", Methods: map[string]Method{"who": describe("X")}})

	msg, err := r.NewMessage("A::B::C::D::E")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, msg.Data.Extensions())

	who, err := msg.Data.Call("who")
	require.NoError(t, err)
	assert.Equal(t, "D", who)

	aOnly, err := msg.Data.Call("a_only")
	require.NoError(t, err)
	assert.Equal(t, "A", aOnly)

	assert.False(t, msg.Data.Responds("missing"))
	_, err = msg.Data.Call("missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"a_only", "who"}, msg.Data.Methods())
}

func TestFileTimeExtension(t *testing.T) {
	r := newTestRegistry(t)
	msg, err := r.NewMessage(TypeFile)
	require.NoError(t, err)

	modified := time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, msg.Data.SetField("modification_timestamp", FormatTimestamp(modified)))
	require.NoError(t, msg.Data.SetField("size", 12))

	times, err := FileTimesOf(msg.Data)
	require.NoError(t, err)
	assert.True(t, times.Modified.Equal(modified))
	assert.True(t, times.Created.IsZero())
	assert.True(t, times.Accessed.IsZero())

	got, err := msg.Data.Call("modification_time")
	require.NoError(t, err)
	assert.True(t, got.(time.Time).Equal(modified))

	require.NoError(t, msg.Data.SetField("content", []byte("hello")))
	content, err := FileContent(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	_, err = Raw(msg.Data)
	assert.Error(t, err, "File has no raw field")

	size, err := msg.Data.Field("size")
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	assert.Error(t, msg.Data.SetField("nope", 1))
}

func TestCloneIsIndependent(t *testing.T) {
	r := newTestRegistry(t)
	msg, err := r.NewMessage(TypeInteger, WithProperties(metadata.New("a", "1")))
	require.NoError(t, err)
	msg.Data.SetObject(5)

	clone, err := msg.Clone()
	require.NoError(t, err)
	clone.SetProperty("a", "2")
	clone.Data.SetObject(6)

	assert.Equal(t, "1", msg.Property("a"))
	v, err := Integer(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	v, err = Integer(clone.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	r := newTestRegistry(t)
	msg, err := r.NewMessage(TypeInteger, WithProperties(metadata.New("k", "v")))
	require.NoError(t, err)
	valid, err := msg.Encode()
	require.NoError(t, err)

	cases := map[string][]byte{
		// empty type name, then a provenance count of 2^39 with nothing behind it
		"huge provenance count": {0x00, 0x80, 0x80, 0x80, 0x80, 0x80, 0x40},
		// empty type name, no provenance, a property count of 2^39
		"huge property count":   {0x00, 0x00, 0x80, 0x80, 0x80, 0x80, 0x80, 0x40},
		// provenance count of 3 with a single event byte behind it
		"short provenance":      {0x00, 0x06, 0x00},
		"truncated":             valid[:len(valid)-2],
		"empty":                 {},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() {
				_, err := r.Decode(raw)
				done <- err
			}()
			select {
			case err := <-done:
				assert.Error(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("decode did not return")
			}
		})
	}

	decoded, err := r.Decode(valid)
	require.NoError(t, err)
	assert.Equal(t, "v", decoded.Property("k"))
}
