package envelope

import (
	"errors"
	"fmt"
	"time"
)

// Built-in data type names.
const (
	TypeRaw     = "RFlow::Message::Data::Raw"
	TypeInteger = "RFlow::Message::Data::Integer"
	TypeFile    = "RFlow::Message::Data::File"
	TypeTick    = "RFlow::Message::Clock::Tick"
)

const (
	rawSchema = `{"type":"record","name":"Raw","namespace":"org.rflow.message.data",` +
		`"fields":[{"name":"raw","type":"bytes"}]}`

	integerSchema = `"long"`

	tickSchema = `{"type":"record","name":"Tick","namespace":"org.rflow.message.clock",` +
		`"fields":[{"name":"name","type":"string"},{"name":"timestamp","type":"long"}]}`

	fileSchema = `{"type":"record","name":"File","namespace":"org.rflow.message.data",` +
		`"fields":[{"name":"path","type":"string"},{"name":"size","type":"long"},` +
		`{"name":"content","type":"bytes"},` +
		`{"name":"creation_timestamp","type":"string","default":""},` +
		`{"name":"modification_timestamp","type":"string","default":""},` +
		`{"name":"access_timestamp","type":"string","default":""}]}`
)

// RegisterBuiltins registers the built-in data types and their extensions.
func RegisterBuiltins(r *Registry) error {
	types := []struct{ name, schema string }{
		{TypeRaw, rawSchema},
		{TypeInteger, integerSchema},
		{TypeTick, tickSchema},
		{TypeFile, fileSchema},
	}
	var errs []error
	for _, t := range types {
		errs = append(errs, r.RegisterType(t.name, t.schema))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.RegisterExtension(TypeRaw, Extension{
		Name: "raw",
		Methods: map[string]Method{
			"raw": func(d *Data, _ ...any) (any, error) { return Raw(d) },
		},
	})
	r.RegisterExtension(TypeTick, Extension{
		Name: "tick",
		Attach: func(d *Data) error {
			return d.SetField("timestamp", time.Now().UnixMicro())
		},
		Methods: map[string]Method{
			"time": func(d *Data, _ ...any) (any, error) { return TickTime(d) },
		},
	})
	r.RegisterExtension(TypeFile, Extension{
		Name: "time",
		Methods: map[string]Method{
			"creation_time":     timestampMethod("creation_timestamp"),
			"modification_time": timestampMethod("modification_timestamp"),
			"access_time":       timestampMethod("access_timestamp"),
		},
	})
	return nil
}

func timestampMethod(field string) Method {
	return func(d *Data, _ ...any) (any, error) { return timestampField(d, field) }
}

func timestampField(d *Data, field string) (time.Time, error) {
	v, err := d.Field(field)
	if err != nil {
		return time.Time{}, err
	}
	s, _ := v.(string)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// FormatTimestamp renders t the way time fields are stored in built-in records.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Integer reads the value of an Integer message.
func Integer(d *Data) (int64, error) {
	obj, err := d.Object()
	if err != nil {
		return 0, err
	}
	switch n := obj.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("%s holds %T, not an integer", d.TypeName(), obj)
}

// Raw reads the bytes of a Raw message.
func Raw(d *Data) ([]byte, error) { return bytesField(d, "raw") }

// FileContent reads the content of a File message.
func FileContent(d *Data) ([]byte, error) { return bytesField(d, "content") }

func bytesField(d *Data, field string) ([]byte, error) {
	v, err := d.Field(field)
	if err != nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%s %s field holds %T", d.TypeName(), field, v)
	}
	return b, nil
}

// TickName reads the clock name of a Tick message.
func TickName(d *Data) (string, error) {
	v, err := d.Field("name")
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// TickTime reads the timestamp of a Tick message.
func TickTime(d *Data) (time.Time, error) {
	v, err := d.Field("timestamp")
	if err != nil {
		return time.Time{}, err
	}
	micros, ok := v.(int64)
	if !ok {
		return time.Time{}, fmt.Errorf("%s timestamp field holds %T", d.TypeName(), v)
	}
	return time.UnixMicro(micros).UTC(), nil
}

// FileTimes are the timestamps of a File message. Unset ones are zero.
type FileTimes struct {
	Created  time.Time
	Modified time.Time
	Accessed time.Time
}

// FileTimesOf reads the timestamps of a File message.
func FileTimesOf(d *Data) (FileTimes, error) {
	var (
		ft   FileTimes
		errs []error
		err  error
	)
	ft.Created, err = timestampField(d, "creation_timestamp")
	errs = append(errs, err)
	ft.Modified, err = timestampField(d, "modification_timestamp")
	errs = append(errs, err)
	ft.Accessed, err = timestampField(d, "access_timestamp")
	errs = append(errs, err)
	return ft, errors.Join(errs...)
}
