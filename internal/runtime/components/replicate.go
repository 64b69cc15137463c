package components

import (
	"context"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/envelope"
	"github.com/drblury/rflow/internal/runtime/port"
)

// Replicate sends an independent copy of every message to each key of out.
type Replicate struct {
	component.Base
}

func (r *Replicate) Process(ctx context.Context, d port.Delivery, msg *envelope.Message) error {
	out := r.Output("out")
	for _, key := range out.Keys() {
		clone, err := msg.Clone()
		if err != nil {
			return err
		}
		if err := out.Key(key).Send(clone); err != nil {
			return err
		}
	}
	return nil
}
