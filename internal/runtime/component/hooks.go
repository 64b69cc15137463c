package component

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// ProcessContext provides information about one message dispatch to hooks.
type ProcessContext struct {
	// Component is the declared component name.
	Component string
	// InstanceID identifies the component instance.
	InstanceID string
	// Port and Key name the input the message arrived on.
	Port string
	Key  string
	// Connection is the name of the delivering connection.
	Connection string
	// MessageUUID is the transport frame id.
	MessageUUID string
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when processing started.
	StartedAt time.Time
	// Duration is how long processing took (only set in OnProcessDone and OnProcessError).
	Duration time.Duration
}

// ProcessHooks defines callbacks around message processing.
// All hooks are optional - nil hooks are simply not called.
type ProcessHooks struct {
	// OnProcessStart is called before the component sees the message.
	OnProcessStart func(ctx ProcessContext)

	// OnProcessDone is called when the component handled the message.
	OnProcessDone func(ctx ProcessContext)

	// OnProcessError is called when processing failed.
	OnProcessError func(ctx ProcessContext, err error)
}

// Merge combines two ProcessHooks, creating a new ProcessHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h ProcessHooks) Merge(other ProcessHooks) ProcessHooks {
	return ProcessHooks{
		OnProcessStart: chainHooks(h.OnProcessStart, other.OnProcessStart),
		OnProcessDone:  chainHooks(h.OnProcessDone, other.OnProcessDone),
		OnProcessError: chainErrorHooks(h.OnProcessError, other.OnProcessError),
	}
}

func chainHooks(a, b func(ProcessContext)) func(ProcessContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ProcessContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(ProcessContext, error)) func(ProcessContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx ProcessContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware invokes the instance's hooks around each dispatch.
func HooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "process_hooks",
		Builder: func(i *Instance) (message.HandlerMiddleware, error) {
			if i.hooks.OnProcessStart == nil && i.hooks.OnProcessDone == nil && i.hooks.OnProcessError == nil {
				return nil, nil
			}
			return processHooksMiddleware(i, i.hooks), nil
		},
	}
}

func processHooksMiddleware(i *Instance, hooks ProcessHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			d := deliveryFrom(msg.Context())
			pctx := ProcessContext{
				Component:   i.name,
				InstanceID:  i.id,
				Port:        d.Port,
				Key:         d.Key,
				Connection:  d.ConnectionName,
				MessageUUID: msg.UUID,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
			}

			if hooks.OnProcessStart != nil {
				hooks.OnProcessStart(pctx)
			}

			msgs, err := h(msg)
			pctx.Duration = time.Since(pctx.StartedAt)

			if err != nil {
				if hooks.OnProcessError != nil {
					hooks.OnProcessError(pctx, err)
				}
			} else if hooks.OnProcessDone != nil {
				hooks.OnProcessDone(pctx)
			}
			return msgs, err
		}
	}
}

// LoggingHooks returns hooks that trace each dispatch.
func LoggingHooks(logger loggingpkg.ServiceLogger) ProcessHooks {
	return ProcessHooks{
		OnProcessStart: func(ctx ProcessContext) {
			logger.Trace("Process started", loggingpkg.LogFields{
				"port":         ctx.Port,
				"key":          ctx.Key,
				"connection":   ctx.Connection,
				"message_uuid": ctx.MessageUUID,
			})
		},
		OnProcessDone: func(ctx ProcessContext) {
			logger.Trace("Process completed", loggingpkg.LogFields{
				"port":         ctx.Port,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that report each dispatch outcome.
func MetricsHooks(onDone, onError func(component, port string, elapsed time.Duration)) ProcessHooks {
	return ProcessHooks{
		OnProcessDone: func(ctx ProcessContext) {
			if onDone != nil {
				onDone(ctx.Component, ctx.Port, ctx.Duration)
			}
		},
		OnProcessError: func(ctx ProcessContext, err error) {
			if onError != nil {
				onError(ctx.Component, ctx.Port, ctx.Duration)
			}
		},
	}
}
