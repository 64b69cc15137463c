package rflow

import (
	"context"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/components"
	configpkg "github.com/drblury/rflow/internal/runtime/config"
	"github.com/drblury/rflow/internal/runtime/connection"
	"github.com/drblury/rflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/graph"
	jsoncodec "github.com/drblury/rflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/master"
	metadatapkg "github.com/drblury/rflow/internal/runtime/metadata"
	"github.com/drblury/rflow/internal/runtime/port"
	"github.com/drblury/rflow/internal/runtime/registry"
	"github.com/drblury/rflow/internal/runtime/shard"
	"github.com/drblury/rflow/internal/runtime/worker"
	"github.com/drblury/rflow/transport"
)

type (
	// Configuration graph
	Graph          = graph.Graph
	Setting        = graph.Setting
	Shard          = graph.Shard
	ShardKind      = graph.ShardKind
	GraphComponent = graph.Component
	Connection     = graph.Connection
	Endpoint       = graph.Endpoint
	Config         = configpkg.Config

	// Components
	Component         = component.Component
	ComponentBase     = component.Base
	ComponentSpec     = component.Spec
	ComponentEnv      = component.Env
	ComponentRegistry = component.Registry
	Options           = component.Options
	Delivery          = port.Delivery
	ProcessContext    = component.ProcessContext
	ProcessHooks      = component.ProcessHooks

	// Messages
	Message         = envelope.Message
	MessageOption   = envelope.MessageOption
	Data            = envelope.Data
	DataType        = envelope.DataType
	Extension       = envelope.Extension
	ProcessingEvent = envelope.ProcessingEvent
	TypeRegistry    = envelope.Registry
	Metadata        = metadatapkg.Metadata

	// Built-in component capabilities
	Predicate  = components.Predicate
	Sink       = components.Sink
	SinkFunc   = components.SinkFunc
	MemorySink = components.MemorySink

	// Runtime
	Registry     = registry.Registry
	Resolution   = connection.Resolution
	Strategy     = connection.Strategy
	Master       = master.Master
	MasterConfig = master.Config
	MasterStatus = master.Status
	ShardStatus  = shard.Status
	Worker       = worker.Worker
	WorkerConfig = worker.Config

	// Logging
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	LogController = loggingpkg.Controller

	// Errors
	ConfigurationError     = errspkg.ConfigurationError
	ConnectionInvalidError = errspkg.ConnectionInvalidError
	SchemaError            = errspkg.SchemaError
	ProcessingError        = errspkg.ProcessingError

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	TransportEndpoint     = transport.Endpoint
)

const (
	KindProcess = graph.KindProcess
	KindThread  = graph.KindThread

	StrategySameShard  = connection.StrategySameShard
	StrategyOneToOne   = connection.StrategyOneToOne
	StrategyOneToMany  = connection.StrategyOneToMany
	StrategyManyToOne  = connection.StrategyManyToOne
	StrategyManyToMany = connection.StrategyManyToMany

	TypeRaw     = envelope.TypeRaw
	TypeInteger = envelope.TypeInteger
	TypeFile    = envelope.TypeFile
	TypeTick    = envelope.TypeTick

	GenerateIntegerSequenceType = components.GenerateIntegerSequenceType
	FilterType                  = components.FilterType
	ReplicateType               = components.ReplicateType
	ClockType                   = components.ClockType
	FileOutputType              = components.FileOutputType
	FileDirectoryWatcherType    = components.FileDirectoryWatcherType
	CollectType                 = components.CollectType
)

var (
	NewRegistry   = registry.NewDefault
	WithRegistry  = registry.WithContext
	LoadGraph     = graph.Load
	ParseGraph    = graph.Parse
	ConfigOf      = configpkg.FromGraph
	NewMaster     = master.New
	NewWorker     = worker.New
	NewMemorySink = components.NewMemorySink
	Predicates    = components.Predicates

	WithSerialization = envelope.WithSerialization
	WithProvenance    = envelope.WithProvenance
	WithProperties    = envelope.WithProperties
	IntegerOf         = envelope.Integer
	RawOf             = envelope.Raw

	LoggingHooks = component.LoggingHooks
	MetricsHooks = component.MetricsHooks

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

var (
	ErrConfiguration     = errspkg.ErrConfiguration
	ErrConnectionInvalid = errspkg.ErrConnectionInvalid
	ErrSchemaNotFound    = errspkg.ErrSchemaNotFound
	ErrSchemaMismatch    = errspkg.ErrSchemaMismatch
	ErrProcessing        = errspkg.ErrProcessing
	ErrWorkerExited      = errspkg.ErrWorkerExited
	ErrGraphRequired     = errspkg.ErrGraphRequired
	ErrRegistryRequired  = errspkg.ErrRegistryRequired
)

// Run starts a master for g and blocks until a shutdown signal arrives or ctx
// is cancelled. Process shards re-execute the running binary with
// workerArgs, which must reach the worker role of the rflow command tree.
// A nil reg falls back to the registry carried by ctx.
func Run(ctx context.Context, g *Graph, reg *Registry, logger ServiceLogger, workerArgs ...string) error {
	m, err := master.New(ctx, master.Config{
		Graph:      g,
		Registry:   reg,
		Logger:     logger,
		WorkerArgs: workerArgs,
	})
	if err != nil {
		return err
	}
	return m.Run(ctx)
}
