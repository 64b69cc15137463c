package component

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
)

// Outcome labels reported to a Recorder.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Recorder receives per-instance processing measurements.
type Recorder interface {
	ObserveProcess(component, port, outcome string, elapsed time.Duration)
	ObserveSent(component, port string)
}

// MiddlewareBuilder constructs a dispatch middleware for one instance.
type MiddlewareBuilder func(*Instance) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to an instance's
// dispatch chain. Earlier registrations wrap later ones.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain every instance uses unless told otherwise.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracerMiddleware(),
		MetricsMiddleware(),
		LogMessagesMiddleware(),
		HooksMiddleware(),
		RecovererMiddleware(),
	}
}

// TracerMiddleware wraps each dispatch in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(i *Instance) (message.HandlerMiddleware, error) {
			return tracerMiddleware(i), nil
		},
	}
}

// MetricsMiddleware reports dispatch outcomes and latency to the instance's Recorder.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(i *Instance) (message.HandlerMiddleware, error) {
			if i.metrics == nil {
				return nil, nil
			}
			return metricsMiddleware(i), nil
		},
	}
}

// LogMessagesMiddleware logs every dispatched message at debug level.
func LogMessagesMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(i *Instance) (message.HandlerMiddleware, error) {
			return logMessagesMiddleware(i.logger), nil
		},
	}
}

// RecovererMiddleware converts panics into errors so they reach the error path.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

func buildChain(i *Instance, regs []MiddlewareRegistration, h message.HandlerFunc) (message.HandlerFunc, error) {
	mws := make([]message.HandlerMiddleware, 0, len(regs))
	for _, reg := range regs {
		var mw message.HandlerMiddleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(i)
			if err != nil {
				return nil, err
			}
		default:
			return nil, errors.New("middleware registration requires Middleware or Builder")
		}
		if mw != nil {
			mws = append(mws, mw)
		}
	}
	for j := len(mws) - 1; j >= 0; j-- {
		h = mws[j](h)
	}
	return h, nil
}

func tracerMiddleware(i *Instance) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("rflow-component")
			ctx, span := tracer.Start(msg.Context(), "ProcessMessage")
			defer span.End()
			msg.SetContext(ctx)

			d := deliveryFrom(ctx)
			span.SetAttributes(
				attribute.String("rflow.component", i.name),
				attribute.String("rflow.instance_id", i.id),
				attribute.String("rflow.port", d.Port),
				attribute.String("rflow.key", d.Key),
				attribute.String("rflow.connection", d.ConnectionName),
				attribute.String("message.uuid", msg.UUID),
			)
			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

func metricsMiddleware(i *Instance) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)
			outcome := OutcomeOK
			if err != nil {
				outcome = OutcomeError
			}
			i.metrics.ObserveProcess(i.name, deliveryFrom(msg.Context()).Port, outcome, time.Since(start))
			return msgs, err
		}
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			d := deliveryFrom(msg.Context())
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"port":         d.Port,
				"key":          d.Key,
				"connection":   d.ConnectionName,
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}
