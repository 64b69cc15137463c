package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfiguration     = sterrors.New("rflow: invalid configuration")
	ErrConnectionInvalid = sterrors.New("rflow: invalid connection")
	ErrSchemaNotFound    = sterrors.New("rflow: schema not found")
	ErrSchemaMismatch    = sterrors.New("rflow: schema mismatch")
	ErrProcessing        = sterrors.New("rflow: message processing failed")
	ErrWorkerExited      = sterrors.New("rflow: worker exited unexpectedly")

	ErrGraphRequired        = sterrors.New("rflow: configuration graph is required")
	ErrLoggerRequired       = sterrors.New("rflow: logger is required")
	ErrRegistryRequired     = sterrors.New("rflow: registry is required")
	ErrUnknownComponentType = sterrors.New("rflow: unknown component type")
	ErrUnknownCapability    = sterrors.New("rflow: unknown capability")
	ErrLoopStopped          = sterrors.New("rflow: event loop stopped")
	ErrStartupFailed        = sterrors.New("rflow: startup failed")
)

// ConfigurationError reports an invalid or incomplete part of the configuration graph.
type ConfigurationError struct {
	Subject string
	Err     error
}

func (e ConfigurationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", ErrConfiguration, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConfiguration, e.Subject, e.Err)
}

func (e ConfigurationError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}

// NewConfigurationError wraps err, returning nil when err is nil.
func NewConfigurationError(subject string, err error) error {
	if err == nil {
		return nil
	}
	return ConfigurationError{Subject: subject, Err: err}
}

// ConnectionInvalidError names the connection endpoint that could not be resolved
// and where it was declared.
type ConnectionInvalidError struct {
	Connection string
	Endpoint   string
	Source     string
	Err        error
}

func (e ConnectionInvalidError) Error() string {
	msg := fmt.Sprintf("%s %q: endpoint %s", ErrConnectionInvalid, e.Connection, e.Endpoint)
	if e.Source != "" {
		msg += " (" + e.Source + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ConnectionInvalidError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnectionInvalid}
	}
	return []error{ErrConnectionInvalid, e.Err}
}

// SchemaError is returned when a data type cannot be resolved for a serialization.
// Kind is ErrSchemaNotFound or ErrSchemaMismatch.
type SchemaError struct {
	Kind          error
	TypeName      string
	Serialization string
}

func (e SchemaError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.TypeName, e.Serialization)
}

func (e SchemaError) Unwrap() error { return e.Kind }

// ProcessingError is raised at a component boundary while handling one message.
type ProcessingError struct {
	Component string
	Port      string
	Key       string
	Err       error
}

func (e ProcessingError) Error() string {
	return fmt.Sprintf("%s: component %s port %s[%s]: %v", ErrProcessing, e.Component, e.Port, e.Key, e.Err)
}

func (e ProcessingError) Unwrap() []error {
	return []error{ErrProcessing, e.Err}
}

// WorkerExitError describes a replica slot that terminated outside of shutdown.
type WorkerExitError struct {
	Shard   string
	Replica int
	Pid     int
	Err     error
}

func (e WorkerExitError) Error() string {
	msg := fmt.Sprintf("%s: shard %s replica %d pid %d", ErrWorkerExited, e.Shard, e.Replica, e.Pid)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e WorkerExitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrWorkerExited}
	}
	return []error{ErrWorkerExited, e.Err}
}
