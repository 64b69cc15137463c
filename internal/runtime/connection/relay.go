package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/metadata"
	"github.com/drblury/rflow/transport"
)

// RelayOptions configure a broker relay.
type RelayOptions struct {
	Transports *transport.Registry
	Config     transport.Config
	Logger     loggingpkg.ServiceLogger
	// Ready is closed once both addresses are bound.
	Ready chan<- struct{}
}

// RunRelay binds both broker addresses of res and forwards every message
// read on the "in" side to the "out" side until ctx is cancelled. Payloads
// pass through untouched; headers gain MetadataRelay.
func RunRelay(ctx context.Context, res Resolution, opts RelayOptions) error {
	if res.Broker == nil {
		return fmt.Errorf("connection %s has no broker", res.Name())
	}
	if opts.Transports == nil {
		opts.Transports = transport.DefaultRegistry
	}
	log := opts.Logger
	if log == nil {
		log = loggingpkg.NewNopServiceLogger()
	}
	log = log.With(loggingpkg.LogFields{
		"connection":    res.Name(),
		"connection_id": res.ID,
		"in":            res.Broker.InAddress,
		"out":           res.Broker.OutAddress,
	})
	wlog := watermillLogger(log)

	inEp, outEp := res.BrokerEndpoints("broker." + res.ID)

	outTr, err := opts.Transports.Build(ctx, res.Transport, outEp, opts.Config, wlog)
	if err != nil {
		return fmt.Errorf("bind broker out side: %w", err)
	}
	defer func() { _ = outTr.Close() }()

	inTr, err := opts.Transports.Build(ctx, res.Transport, inEp, opts.Config, wlog)
	if err != nil {
		return fmt.Errorf("bind broker in side: %w", err)
	}
	defer func() { _ = inTr.Close() }()

	messages, err := inTr.Subscriber.Subscribe(ctx, inEp.Topic)
	if err != nil {
		return fmt.Errorf("subscribe broker in side: %w", err)
	}

	if opts.Ready != nil {
		close(opts.Ready)
	}
	log.Info("Broker relay running", nil)

	var relayed int
	for {
		select {
		case <-ctx.Done():
			log.Info("Broker relay stopped", loggingpkg.LogFields{"relayed": relayed})
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			fwd := message.NewMessage(msg.UUID, msg.Payload)
			fwd.Metadata = metadata.ToWatermill(metadata.FromWatermill(msg.Metadata).With(MetadataRelay, res.ID))
			if err := outTr.Publisher.Publish(outEp.Topic, fwd); err != nil {
				msg.Nack()
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return fmt.Errorf("relay message %s: %w", msg.UUID, err)
			}
			msg.Ack()
			relayed++
		}
	}
}
