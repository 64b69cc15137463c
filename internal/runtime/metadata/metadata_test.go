package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCopiesNeverAlias(t *testing.T) {
	base := Metadata{"a": "1"}
	for name, derived := range map[string]Metadata{
		"clone": base.Clone(),
		"with":  base.With("b", "2"),
		"merge": base.Merge(Metadata{"b": "2"}),
	} {
		derived["a"] = "changed"
		if base["a"] != "1" {
			t.Fatalf("%s: base map was modified", name)
		}
	}
	if _, ok := base["b"]; ok {
		t.Fatal("With or Merge leaked a key into the base map")
	}
}

func TestNilReceiver(t *testing.T) {
	var m Metadata
	if c := m.Clone(); c == nil || len(c) != 0 {
		t.Fatalf("Clone of nil = %#v, want empty non-nil map", c)
	}
	if got := m.With("k", "v"); got["k"] != "v" {
		t.Fatalf("With on nil = %#v", got)
	}
}

func TestMergeOverlays(t *testing.T) {
	got := Metadata{"a": "1", "b": "1"}.Merge(Metadata{"b": "2", "c": "3"})
	want := Metadata{"a": "1", "b": "2", "c": "3"}
	if len(got) != len(want) {
		t.Fatalf("Merge = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Merge[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestNewIgnoresDanglingKey(t *testing.T) {
	md := New("key", "value", "dangling")
	if len(md) != 1 || md["key"] != "value" {
		t.Fatalf("New = %v", md)
	}
}

func TestKeysAreSorted(t *testing.T) {
	keys := Metadata{"zeta": "1", "alpha": "2", "mid": "3"}.Keys()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}
}

func TestWatermillHeaders(t *testing.T) {
	md := New("rflow_type", "RFlow::Message::Data::Raw")
	h := ToWatermill(md)
	h.Set("rflow_type", "mutated")
	if md["rflow_type"] != "RFlow::Message::Data::Raw" {
		t.Fatal("ToWatermill aliased its input")
	}

	back := FromWatermill(message.Metadata{"rflow.error": "boom"})
	if back["rflow.error"] != "boom" {
		t.Fatalf("FromWatermill = %v", back)
	}
	if FromWatermill(nil) == nil || ToWatermill(nil) == nil {
		t.Fatal("nil input must yield an empty map")
	}
}
