package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/rflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rflow/internal/runtime/errors"
	"github.com/drblury/rflow/internal/runtime/graph"
	"github.com/drblury/rflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/loop"
	"github.com/drblury/rflow/internal/runtime/port"
)

// InstanceConfig collects what NewInstance needs.
type InstanceConfig struct {
	Declaration  graph.Component
	Spec         Spec
	InstanceID   string
	Logger       loggingpkg.ServiceLogger
	Loop         *loop.Loop
	Types        *envelope.Registry
	Capabilities CapabilityLookup
	Hooks        ProcessHooks
	Metrics      Recorder
	// Middlewares replaces DefaultMiddlewares when non-nil.
	Middlewares []MiddlewareRegistration
}

// Instance is one live component inside a worker.
type Instance struct {
	id     string
	name   string
	decl   graph.Component
	spec   Spec
	comp   Component
	logger loggingpkg.ServiceLogger
	types  *envelope.Registry

	hooks   ProcessHooks
	metrics Recorder
	ports   *port.Set

	dispatch message.HandlerFunc
	ctx      context.Context

	mu    sync.Mutex
	state State
}

type dispatchKey struct{}

type dispatchState struct {
	delivery port.Delivery
	message  *envelope.Message
}

func deliveryFrom(ctx context.Context) port.Delivery {
	if st, ok := ctx.Value(dispatchKey{}).(*dispatchState); ok {
		return st.delivery
	}
	return port.Delivery{}
}

// DeliveryFromContext returns the delivery tag of the message being processed.
func DeliveryFromContext(ctx context.Context) port.Delivery { return deliveryFrom(ctx) }

// NewInstance builds the component and its dispatch chain.
func NewInstance(cfg InstanceConfig) (*Instance, error) {
	if cfg.Types == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if cfg.Spec.New == nil {
		return nil, errspkg.NewConfigurationError("component "+cfg.Declaration.Name,
			fmt.Errorf("%w: %s", errspkg.ErrUnknownComponentType, cfg.Declaration.Specification))
	}
	id := cfg.InstanceID
	if id == "" {
		id = ids.NewInstanceID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	logger = loggingpkg.ForComponent(logger, cfg.Declaration.Name, id)

	i := &Instance{
		id:      id,
		name:    cfg.Declaration.Name,
		decl:    cfg.Declaration,
		spec:    cfg.Spec,
		comp:    cfg.Spec.New(),
		logger:  logger,
		types:   cfg.Types,
		hooks:   LoggingHooks(logger).Merge(cfg.Hooks),
		metrics: cfg.Metrics,
		ctx:     context.Background(),
	}
	i.ports = port.NewSet(id, logger, i.receive)
	if i.metrics != nil {
		i.ports.SetObserver(func(p, _ string) { i.metrics.ObserveSent(i.name, p) })
	}

	regs := cfg.Middlewares
	if regs == nil {
		regs = DefaultMiddlewares()
	}
	dispatch, err := buildChain(i, regs, i.process)
	if err != nil {
		return nil, err
	}
	i.dispatch = dispatch

	if binder, ok := i.comp.(EnvBinder); ok {
		binder.BindEnv(Env{
			Name:          i.name,
			InstanceID:    id,
			Specification: cfg.Declaration.Specification,
			Logger:        logger,
			Loop:          cfg.Loop,
			Types:         cfg.Types,
			Capabilities:  cfg.Capabilities,
			Ports:         i.ports,
		})
	}
	return i, nil
}

func (i *Instance) ID() string                   { return i.id }
func (i *Instance) Name() string                 { return i.name }
func (i *Instance) Spec() Spec                   { return i.spec }
func (i *Instance) Component() Component         { return i.comp }
func (i *Instance) Ports() *port.Set             { return i.ports }
func (i *Instance) Declaration() graph.Component { return i.decl }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) advance(from, to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != from {
		return fmt.Errorf("component %s: cannot move to %s from %s", i.name, to, i.state)
	}
	i.state = to
	return nil
}

// AddInput attaches conn to a declared input port.
func (i *Instance) AddInput(name, key string, conn port.InputConnection) error {
	if !i.spec.HasInput(name) {
		return errspkg.ConnectionInvalidError{
			Connection: conn.Name(),
			Endpoint:   graph.Endpoint{Component: i.name, Port: name, Key: key}.String(),
			Err:        fmt.Errorf("%s declares no input port %s", i.spec.Name, name),
		}
	}
	i.ports.AddInput(name, key, conn)
	return nil
}

// AddOutput attaches conn to a declared output port.
func (i *Instance) AddOutput(name, key string, conn port.OutputConnection) error {
	if !i.spec.HasOutput(name) {
		return errspkg.ConnectionInvalidError{
			Connection: conn.Name(),
			Endpoint:   graph.Endpoint{Component: i.name, Port: name, Key: key}.String(),
			Err:        fmt.Errorf("%s declares no output port %s", i.spec.Name, name),
		}
	}
	i.ports.AddOutput(name, key, conn)
	return nil
}

// Configure passes the declared options to the component.
func (i *Instance) Configure(ctx context.Context) error {
	if err := i.advance(StateCreated, StateConfigured); err != nil {
		return err
	}
	i.ctx = ctx
	if err := i.comp.Configure(ctx, Options(i.decl.Options)); err != nil {
		return errspkg.NewConfigurationError("component "+i.name, err)
	}
	return nil
}

// ConnectInputs runs the input handshake of every input port.
func (i *Instance) ConnectInputs(ctx context.Context) error {
	if s := i.State(); s != StateConfigured {
		return fmt.Errorf("component %s: cannot connect inputs from %s", i.name, s)
	}
	return i.ports.ConnectInputs(ctx)
}

// ConnectOutputs runs the output handshake of every output port.
func (i *Instance) ConnectOutputs(ctx context.Context) error {
	if err := i.ports.ConnectOutputs(ctx); err != nil {
		return err
	}
	return i.advance(StateConfigured, StateConnected)
}

// Run starts the component.
func (i *Instance) Run(ctx context.Context) error {
	if err := i.advance(StateConnected, StateRunning); err != nil {
		return err
	}
	return i.comp.Run(ctx)
}

// Shutdown tells the component to stop accepting work. Messages arriving
// afterwards are dropped.
func (i *Instance) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	prev := i.state
	if prev >= StateShuttingDown {
		i.mu.Unlock()
		return nil
	}
	i.state = StateShuttingDown
	i.mu.Unlock()

	if prev == StateCreated {
		return nil
	}
	return i.comp.Shutdown(ctx)
}

// Cleanup releases component resources.
func (i *Instance) Cleanup(ctx context.Context) error {
	i.mu.Lock()
	if i.state == StateCleanedUp {
		i.mu.Unlock()
		return nil
	}
	i.state = StateCleanedUp
	i.mu.Unlock()
	return i.comp.Cleanup(ctx)
}

// receive runs on the event loop for every inbound transport message.
func (i *Instance) receive(d port.Delivery, msg *message.Message) {
	if s := i.State(); s != StateRunning {
		i.logger.Debug("Dropping message received outside running state", loggingpkg.LogFields{
			"state":        s.String(),
			"port":         d.Port,
			"message_uuid": msg.UUID,
		})
		return
	}

	st := &dispatchState{delivery: d}
	msg.SetContext(context.WithValue(i.ctx, dispatchKey{}, st))
	if _, err := i.dispatch(msg); err != nil {
		i.fail(st, msg.UUID, err)
	}
}

func (i *Instance) process(msg *message.Message) ([]*message.Message, error) {
	st, _ := msg.Context().Value(dispatchKey{}).(*dispatchState)
	if st == nil {
		st = &dispatchState{}
	}
	decoded, err := i.types.Decode(msg.Payload)
	if err != nil {
		return nil, err
	}
	decoded.AppendProvenance(envelope.NewProcessingEvent(i.id, time.Now()))
	st.message = decoded
	return nil, i.comp.Process(msg.Context(), st.delivery, decoded)
}

// fail isolates a processing error: it is logged and, when the type has an
// error port, the message is forwarded there.
func (i *Instance) fail(st *dispatchState, uuid string, err error) {
	perr := errspkg.ProcessingError{Component: i.name, Port: st.delivery.Port, Key: st.delivery.Key, Err: err}
	fields := loggingpkg.LogFields{
		"connection":   st.delivery.ConnectionName,
		"message_uuid": uuid,
	}
	if st.message != nil {
		fields["type"] = st.message.TypeName
	}
	i.logger.Error("Message processing failed", perr, fields)

	if !i.spec.HasErrorOutput() || st.message == nil {
		i.logger.Debug("Dropping failed message", fields)
		return
	}
	st.message.SetProperty(ErrorProperty, err.Error())
	if sendErr := i.ports.Output(ErrorPort).Send(st.message); sendErr != nil {
		i.logger.Error("Forwarding failed message to error port", sendErr, fields)
	}
}
