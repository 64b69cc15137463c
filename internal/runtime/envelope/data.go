package envelope

import (
	"fmt"
	"maps"
	"slices"

	"github.com/hamba/avro/v2"
)

// Method is a capability contributed by an Extension.
type Method func(d *Data, args ...any) (any, error)

// Extension is a capability bundle attached to Data whose type name equals or
// descends from the name the extension was registered under.
type Extension struct {
	Name    string
	Methods map[string]Method
	// Attach runs when fresh data is built without serialized bytes and may
	// populate defaults.
	Attach func(d *Data) error
}

// DataType binds a type name and serialization kind to a schema.
type DataType struct {
	Name          string
	Serialization string
	SchemaText    string
	Schema        avro.Schema
}

// Data is a schema-described payload. It is decoded lazily from bytes or built
// fresh from schema defaults.
type Data struct {
	dataType   *DataType
	extensions []Extension

	raw     []byte
	object  any
	decoded bool
	dirty   bool
}

func newData(dt *DataType, exts []Extension, raw []byte) (*Data, error) {
	d := &Data{dataType: dt, extensions: exts}
	if raw != nil {
		d.raw = raw
		return d, nil
	}

	d.object = defaultValue(dt.Schema)
	d.decoded = true
	d.dirty = true
	for _, ext := range exts {
		if ext.Attach == nil {
			continue
		}
		if err := ext.Attach(d); err != nil {
			return nil, fmt.Errorf("attach extension %s: %w", ext.Name, err)
		}
	}
	return d, nil
}

func (d *Data) cloneWithBytes(raw []byte) *Data {
	return &Data{dataType: d.dataType, extensions: d.extensions, raw: raw}
}

// TypeName returns the registered data type name.
func (d *Data) TypeName() string { return d.dataType.Name }

// Serialization returns the serialization kind.
func (d *Data) Serialization() string { return d.dataType.Serialization }

// Schema returns the parsed schema.
func (d *Data) Schema() avro.Schema { return d.dataType.Schema }

// SchemaText returns the literal schema text carried on the wire.
func (d *Data) SchemaText() string { return d.dataType.SchemaText }

// Object returns the in-memory value, decoding it from bytes on first use.
// Records decode to map[string]any.
func (d *Data) Object() (any, error) {
	if d.decoded {
		return d.object, nil
	}
	var obj any
	if err := avro.Unmarshal(d.dataType.Schema, d.raw, &obj); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.dataType.Name, err)
	}
	d.object = obj
	d.decoded = true
	return obj, nil
}

// SetObject replaces the in-memory value.
func (d *Data) SetObject(v any) {
	d.object = coerce(d.dataType.Schema, v)
	d.decoded = true
	d.dirty = true
}

// Bytes returns the serialized form, encoding the object if it changed.
func (d *Data) Bytes() ([]byte, error) {
	if !d.dirty && d.raw != nil {
		return d.raw, nil
	}
	raw, err := avro.Marshal(d.dataType.Schema, d.object)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.dataType.Name, err)
	}
	d.raw = raw
	d.dirty = false
	return raw, nil
}

// Field returns a record field.
func (d *Data) Field(name string) (any, error) {
	record, err := d.record()
	if err != nil {
		return nil, err
	}
	v, ok := record[name]
	if !ok {
		return nil, fmt.Errorf("%s has no field %q", d.dataType.Name, name)
	}
	return v, nil
}

// SetField sets a record field, coercing v to the field's schema type.
func (d *Data) SetField(name string, v any) error {
	record, err := d.record()
	if err != nil {
		return err
	}
	rs := d.recordSchema()
	for _, f := range rs.Fields() {
		if f.Name() == name {
			record[name] = coerce(f.Type(), v)
			d.dirty = true
			return nil
		}
	}
	return fmt.Errorf("%s has no field %q", d.dataType.Name, name)
}

func (d *Data) recordSchema() *avro.RecordSchema {
	rs, _ := resolveRef(d.dataType.Schema).(*avro.RecordSchema)
	return rs
}

func (d *Data) record() (map[string]any, error) {
	if d.recordSchema() == nil {
		return nil, fmt.Errorf("%s is not a record", d.dataType.Name)
	}
	obj, err := d.Object()
	if err != nil {
		return nil, err
	}
	record, ok := obj.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s decoded to %T", d.dataType.Name, obj)
	}
	return record, nil
}

// Extensions returns the names of the attached extensions in resolution order.
func (d *Data) Extensions() []string {
	names := make([]string, 0, len(d.extensions))
	for _, ext := range d.extensions {
		names = append(names, ext.Name)
	}
	return names
}

// Responds reports whether an attached extension provides method.
func (d *Data) Responds(method string) bool {
	_, ok := d.lookup(method)
	return ok
}

// Call invokes an extension method. Later extensions shadow earlier ones.
func (d *Data) Call(method string, args ...any) (any, error) {
	fn, ok := d.lookup(method)
	if !ok {
		return nil, fmt.Errorf("%s does not respond to %q", d.dataType.Name, method)
	}
	return fn(d, args...)
}

// Methods lists every callable method name.
func (d *Data) Methods() []string {
	set := make(map[string]struct{})
	for _, ext := range d.extensions {
		for name := range ext.Methods {
			set[name] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

func (d *Data) lookup(method string) (Method, bool) {
	for i := len(d.extensions) - 1; i >= 0; i-- {
		if fn, ok := d.extensions[i].Methods[method]; ok {
			return fn, true
		}
	}
	return nil, false
}

func resolveRef(s avro.Schema) avro.Schema {
	for {
		ref, ok := s.(*avro.RefSchema)
		if !ok {
			return s
		}
		s = ref.Schema()
	}
}

// defaultValue builds the empty value for a schema.
func defaultValue(s avro.Schema) any {
	s = resolveRef(s)
	switch typed := s.(type) {
	case *avro.RecordSchema:
		record := make(map[string]any, len(typed.Fields()))
		for _, f := range typed.Fields() {
			if f.HasDefault() {
				record[f.Name()] = coerce(f.Type(), f.Default())
				continue
			}
			record[f.Name()] = defaultValue(f.Type())
		}
		return record
	case *avro.UnionSchema:
		types := typed.Types()
		if len(types) == 0 {
			return nil
		}
		return defaultValue(types[0])
	case *avro.EnumSchema:
		if symbols := typed.Symbols(); len(symbols) > 0 {
			return symbols[0]
		}
		return ""
	case *avro.FixedSchema:
		return make([]byte, typed.Size())
	case *avro.ArraySchema:
		return []any{}
	case *avro.MapSchema:
		return map[string]any{}
	}

	switch s.Type() {
	case avro.Null:
		return nil
	case avro.Boolean:
		return false
	case avro.Int:
		return 0
	case avro.Long:
		return int64(0)
	case avro.Float:
		return float32(0)
	case avro.Double:
		return float64(0)
	case avro.Bytes:
		return []byte{}
	case avro.String:
		return ""
	}
	return nil
}

// coerce widens Go numeric values to the representation the schema encodes.
func coerce(s avro.Schema, v any) any {
	s = resolveRef(s)
	switch s.Type() {
	case avro.Long:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int32:
			return int64(n)
		case float64:
			return int64(n)
		}
	case avro.Int:
		switch n := v.(type) {
		case int64:
			return int(n)
		case int32:
			return int(n)
		case float64:
			return int(n)
		}
	case avro.Double:
		switch n := v.(type) {
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case float32:
			return float64(n)
		}
	case avro.Bytes:
		if str, ok := v.(string); ok {
			return []byte(str)
		}
	}
	return v
}
