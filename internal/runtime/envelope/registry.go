package envelope

import (
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/namespace"
)

type typeKey struct {
	name          string
	serialization string
}

// Registry maps (type name, serialization) to schemas and namespaces to extensions.
type Registry struct {
	mu         sync.RWMutex
	types      map[typeKey]*DataType
	order      []typeKey
	extensions *namespace.Table[Extension]
}

// NewRegistry creates an empty data type registry.
func NewRegistry() *Registry {
	return &Registry{
		types:      make(map[typeKey]*DataType),
		extensions: namespace.NewTable[Extension](),
	}
}

// RegisterType parses schemaText and registers it for name with Avro serialization.
// Registering a name again replaces its schema.
func (r *Registry) RegisterType(name, schemaText string) error {
	if name == "" {
		return errspkg.NewConfigurationError("data type", fmt.Errorf("name is required"))
	}
	schema, err := parseSchema(schemaText)
	if err != nil {
		return errspkg.NewConfigurationError("data type "+name, err)
	}

	key := typeKey{name: name, serialization: SerializationAvro}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[key]; !exists {
		r.order = append(r.order, key)
	}
	r.types[key] = &DataType{
		Name:          name,
		Serialization: SerializationAvro,
		SchemaText:    schemaText,
		Schema:        schema,
	}
	return nil
}

// RegisterExtension attaches ext to name and all of its descendants.
func (r *Registry) RegisterExtension(name string, ext Extension) {
	if ext.Name == "" {
		ext.Name = name
	}
	r.extensions.Add(name, ext)
}

// Lookup returns the data type, or a SchemaError wrapping ErrSchemaNotFound.
func (r *Registry) Lookup(name, serialization string) (*DataType, error) {
	if serialization == "" {
		serialization = SerializationAvro
	}
	r.mu.RLock()
	dt, ok := r.types[typeKey{name: name, serialization: serialization}]
	r.mu.RUnlock()
	if !ok {
		return nil, errspkg.SchemaError{Kind: errspkg.ErrSchemaNotFound, TypeName: name, Serialization: serialization}
	}
	return dt, nil
}

// Extensions returns the extensions that apply to name: those registered under
// name or any ancestor, in registration order.
func (r *Registry) Extensions(name string) []Extension {
	return r.extensions.Matching(name)
}

// TypeNames returns the registered type names in registration order.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, k := range r.order {
		names = append(names, k.name)
	}
	return names
}

// NewMessage constructs a message of typeName. Without WithBytes the data starts
// from schema defaults and attached extensions may populate it.
func (r *Registry) NewMessage(typeName string, opts ...MessageOption) (*Message, error) {
	o := messageOptions{serialization: SerializationAvro}
	for _, opt := range opts {
		opt(&o)
	}

	dt, err := r.Lookup(typeName, o.serialization)
	if err != nil {
		return nil, err
	}
	data, err := newData(dt, r.Extensions(typeName), o.raw)
	if err != nil {
		return nil, err
	}

	props := o.properties
	if props == nil {
		props = make(map[string]string)
	}
	return &Message{
		TypeName:   typeName,
		Provenance: o.provenance,
		Properties: props,
		Data:       data,
	}, nil
}

// checkSchema compares a schema carried on the wire with the registered one.
func (r *Registry) checkSchema(dt *DataType, carried string) error {
	if carried == dt.SchemaText {
		return nil
	}
	schema, err := parseSchema(carried)
	if err != nil || schema.Fingerprint() != dt.Schema.Fingerprint() {
		return errspkg.SchemaError{Kind: errspkg.ErrSchemaMismatch, TypeName: dt.Name, Serialization: dt.Serialization}
	}
	return nil
}

// Each schema parses in its own cache so unrelated types may reuse Avro names.
func parseSchema(text string) (avro.Schema, error) {
	return avro.ParseWithCache(text, "", &avro.SchemaCache{})
}
