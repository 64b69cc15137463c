package components

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/rflow/internal/runtime/component"
	"github.com/drblury/rflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/loop"
)

// GenerateIntegerSequence emits start, start+step, ... up to finish on out,
// and each value again on even_odd_out under the key "even" or "odd".
type GenerateIntegerSequence struct {
	component.Base

	start, finish, step int64
	interval            time.Duration

	next    int64
	done    bool
	timer   *loop.Timer
	stopped bool
}

func (g *GenerateIntegerSequence) Configure(ctx context.Context, opts component.Options) error {
	var err error
	if g.start, err = opts.Int("start", 0); err != nil {
		return err
	}
	if g.finish, err = opts.Int("finish", 0); err != nil {
		return err
	}
	if g.step, err = opts.Int("step", 1); err != nil {
		return err
	}
	if g.step == 0 {
		return errors.New("option step must not be zero")
	}
	if g.interval, err = opts.Seconds("interval_seconds", 0); err != nil {
		return err
	}
	g.next = g.start
	return nil
}

func (g *GenerateIntegerSequence) Run(ctx context.Context) error {
	lp := g.Loop()
	if lp == nil {
		return errors.New("generator needs an event loop")
	}
	if g.interval > 0 {
		g.timer = lp.Every(g.interval, g.emit)
		return nil
	}
	return lp.Post(g.emit)
}

func (g *GenerateIntegerSequence) finished() bool {
	if g.done {
		return true
	}
	if g.step > 0 {
		return g.next > g.finish
	}
	return g.next < g.finish
}

// emit sends one value per loop turn so the loop is never held.
func (g *GenerateIntegerSequence) emit() {
	if g.stopped || g.finished() {
		g.timer.Cancel()
		return
	}

	value := g.next
	g.done = !g.advance(value)
	if err := g.send(value); err != nil {
		g.Logger().Error("Emitting sequence value", err, loggingpkg.LogFields{"value": value})
	}

	if g.interval == 0 && !g.finished() {
		if err := g.Loop().Post(g.emit); err != nil {
			g.stopped = true
		}
	}
}

// advance moves next one step past value and reports false when that step
// would pass finish. The distance is compared unsigned so sequences ending
// near the int64 limits stop instead of wrapping.
func (g *GenerateIntegerSequence) advance(value int64) bool {
	if g.step > 0 {
		if uint64(g.step) > uint64(g.finish)-uint64(value) {
			return false
		}
	} else if uint64(-g.step) > uint64(value)-uint64(g.finish) {
		return false
	}
	g.next = value + g.step
	return true
}

func (g *GenerateIntegerSequence) send(value int64) error {
	msg, err := g.NewMessage(envelope.TypeInteger)
	if err != nil {
		return err
	}
	msg.Data.SetObject(value)

	if err := g.Output("out").Send(msg); err != nil {
		return err
	}
	key := "even"
	if value%2 != 0 {
		key = "odd"
	}
	return g.Output("even_odd_out").Key(key).Send(msg)
}

func (g *GenerateIntegerSequence) Shutdown(ctx context.Context) error {
	g.stopped = true
	g.timer.Cancel()
	return nil
}
