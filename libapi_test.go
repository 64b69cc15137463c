package rflow

import (
	"errors"
	"testing"
)

func TestRunRequiresGraph(t *testing.T) {
	if err := Run(t.Context(), nil, nil, nil); !errors.Is(err, ErrGraphRequired) {
		t.Fatalf("expected graph required error, got %v", err)
	}
}

func TestRegistryExportsBuiltins(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("unexpected error creating registry: %v", err)
	}
	for _, name := range []string{GenerateIntegerSequenceType, FilterType, CollectType} {
		if _, err := reg.Components.Lookup(name); err != nil {
			t.Fatalf("expected %s to be registered: %v", name, err)
		}
	}
	msg, err := reg.Types.NewMessage(TypeInteger)
	if err != nil {
		t.Fatalf("unexpected error creating message: %v", err)
	}
	if msg == nil {
		t.Fatal("expected message instance")
	}
}

func TestParseGraphExport(t *testing.T) {
	g, err := ParseGraph([]byte(`
shards:
  - name: only
    kind: thread
    count: 1
    components:
      - name: clock
        specification: RFlow::Components::Clock
        options:
          tick_interval: 1
`), "inline.yaml")
	if err != nil {
		t.Fatalf("unexpected error parsing graph: %v", err)
	}
	if s, ok := g.Shard("only"); !ok || s.Kind != KindThread {
		t.Fatalf("unexpected shard: %+v", s)
	}
	if _, err := ConfigOf(g); err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewNopServiceLogger()
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}
