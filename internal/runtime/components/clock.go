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

// Clock emits a Tick carrying its name every tick_interval seconds.
type Clock struct {
	component.Base

	name     string
	interval time.Duration
	timer    *loop.Timer
}

func (c *Clock) Configure(ctx context.Context, opts component.Options) error {
	c.name = opts.String("name", c.Env().Name)
	var err error
	c.interval, err = opts.Seconds("tick_interval", time.Second)
	if err != nil {
		return err
	}
	if c.interval <= 0 {
		return errors.New("option tick_interval must be positive")
	}
	return nil
}

func (c *Clock) Run(ctx context.Context) error {
	if c.Loop() == nil {
		return errors.New("clock needs an event loop")
	}
	c.timer = c.Loop().Every(c.interval, c.tick)
	return nil
}

func (c *Clock) tick() {
	msg, err := c.NewMessage(envelope.TypeTick)
	if err == nil {
		err = msg.Data.SetField("name", c.name)
	}
	if err == nil {
		err = c.Output("tick_port").Send(msg)
	}
	if err != nil {
		c.Logger().Error("Emitting tick", err, loggingpkg.LogFields{"clock": c.name})
	}
}

func (c *Clock) Shutdown(ctx context.Context) error {
	c.timer.Cancel()
	return nil
}
