package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfiguration", ErrConfiguration, "rflow: invalid configuration"},
		{"ErrConnectionInvalid", ErrConnectionInvalid, "rflow: invalid connection"},
		{"ErrSchemaNotFound", ErrSchemaNotFound, "rflow: schema not found"},
		{"ErrSchemaMismatch", ErrSchemaMismatch, "rflow: schema mismatch"},
		{"ErrProcessing", ErrProcessing, "rflow: message processing failed"},
		{"ErrWorkerExited", ErrWorkerExited, "rflow: worker exited unexpectedly"},
		{"ErrGraphRequired", ErrGraphRequired, "rflow: configuration graph is required"},
		{"ErrLoopStopped", ErrLoopStopped, "rflow: event loop stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigurationError(t *testing.T) {
	inner := errors.New("duplicate component name")
	err := NewConfigurationError("component generator", inner)

	want := "rflow: invalid configuration: component generator: duplicate component name"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Error("expected errors.Is to match ErrConfiguration")
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to match wrapped error")
	}

	var cfgErr ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	if cfgErr.Subject != "component generator" {
		t.Errorf("Subject = %q", cfgErr.Subject)
	}

	if NewConfigurationError("x", nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestConnectionInvalidError(t *testing.T) {
	err := error(ConnectionInvalidError{
		Connection: "gen_to_filter",
		Endpoint:   "filter#in",
		Source:     "graph.yaml:12",
	})

	want := `rflow: invalid connection "gen_to_filter": endpoint filter#in (graph.yaml:12)`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrConnectionInvalid) {
		t.Error("expected errors.Is to match ErrConnectionInvalid")
	}
}

func TestSchemaError(t *testing.T) {
	err := error(SchemaError{Kind: ErrSchemaNotFound, TypeName: "A::B", Serialization: "avro"})
	if !errors.Is(err, ErrSchemaNotFound) {
		t.Error("expected errors.Is to match ErrSchemaNotFound")
	}
	if errors.Is(err, ErrSchemaMismatch) {
		t.Error("did not expect ErrSchemaMismatch")
	}
	if got := err.Error(); got != "rflow: schema not found: A::B (avro)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestProcessingAndWorkerExitErrors(t *testing.T) {
	boom := errors.New("boom")
	perr := error(ProcessingError{Component: "filter", Port: "in", Key: "0", Err: boom})
	if !errors.Is(perr, ErrProcessing) || !errors.Is(perr, boom) {
		t.Error("expected processing error to unwrap to sentinel and cause")
	}

	werr := error(WorkerExitError{Shard: "s1", Replica: 2, Pid: 42})
	if !errors.Is(werr, ErrWorkerExited) {
		t.Error("expected worker exit error to unwrap to ErrWorkerExited")
	}
	if got := werr.Error(); got != "rflow: worker exited unexpectedly: shard s1 replica 2 pid 42" {
		t.Errorf("Error() = %q", got)
	}
}
