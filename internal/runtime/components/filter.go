package components

import (
	"context"
	"fmt"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/envelope"
	"github.com/drblury/rflow/internal/runtime/port"
)

// Predicate decides whether a message is accepted.
type Predicate func(msg *envelope.Message) (bool, error)

// Built-in predicate names.
const (
	PredicateIntegerEven = "integer.even"
	PredicateIntegerOdd  = "integer.odd"
)

// Predicates returns the built-in predicates by name.
func Predicates() map[string]Predicate {
	parity := func(want int64) Predicate {
		return func(msg *envelope.Message) (bool, error) {
			v, err := envelope.Integer(msg.Data)
			if err != nil {
				return false, err
			}
			r := v % 2
			if r < 0 {
				r = -r
			}
			return r == want, nil
		}
	}
	return map[string]Predicate{
		PredicateIntegerEven: parity(0),
		PredicateIntegerOdd:  parity(1),
	}
}

// Filter sends messages the predicate accepts to accepted and the rest to
// dropped. With invert set the two are swapped.
type Filter struct {
	component.Base

	predicate Predicate
	invert    bool
}

func (f *Filter) Configure(ctx context.Context, opts component.Options) error {
	name := opts.String("predicate", "")
	if name == "" {
		return fmt.Errorf("option predicate is required")
	}
	capability, ok := f.Capability(name)
	if !ok {
		return fmt.Errorf("predicate %q is not registered", name)
	}
	switch p := capability.(type) {
	case Predicate:
		f.predicate = p
	case func(*envelope.Message) (bool, error):
		f.predicate = p
	default:
		return fmt.Errorf("capability %q is a %T, not a predicate", name, capability)
	}

	var err error
	f.invert, err = opts.Bool("invert", false)
	return err
}

func (f *Filter) Process(ctx context.Context, d port.Delivery, msg *envelope.Message) error {
	ok, err := f.predicate(msg)
	if err != nil {
		return err
	}
	if ok != f.invert {
		return f.Output("accepted").Send(msg)
	}
	return f.Output("dropped").Send(msg)
}
