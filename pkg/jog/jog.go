// Package jog runs the polling loop behind the interactive jog tool: it
// streams stage positions to the UI and serializes jog commands onto the
// controller.
package jog

import (
	"context"
	"fmt"
	"time"

	"github.com/gwillem/thorstage/pkg/mcm3000"
)

// State is one sample of the stage position.
type State struct {
	Label      int
	PositionUm float64
	Pending    bool
	Timestamp  time.Time
}

// command is a queued operation against the stage.
type command struct {
	kind    commandKind
	deltaUm float64
}

type commandKind int

const (
	cmdJog commandKind = iota
	cmdHome
	cmdRetract
	cmdZeroEncoder
)

// Controller polls one controller channel and executes jog commands.
type Controller struct {
	ctrl  *mcm3000.Controller
	label int
	hz    int

	states   chan State
	logs     chan string
	commands chan command
}

// Config holds configuration for the jog controller.
type Config struct {
	Controller *mcm3000.Controller
	Label      int
	Hz         int // poll frequency, default 10
}

// New creates a jog controller for one channel.
func New(cfg Config) *Controller {
	if cfg.Hz <= 0 {
		cfg.Hz = 10
	}
	return &Controller{
		ctrl:     cfg.Controller,
		label:    cfg.Label,
		hz:       cfg.Hz,
		states:   make(chan State, 1),
		logs:     make(chan string, 10),
		commands: make(chan command, 4),
	}
}

// States returns the channel that receives position samples.
func (c *Controller) States() <-chan State { return c.states }

// Logs returns the channel that receives log messages.
func (c *Controller) Logs() <-chan string { return c.logs }

// Hz returns the poll frequency.
func (c *Controller) Hz() int { return c.hz }

// Label returns the controller channel being jogged.
func (c *Controller) Label() int { return c.label }

// Jog queues a relative move. Non-blocking; drops the request if the queue
// is full.
func (c *Controller) Jog(deltaUm float64) {
	select {
	case c.commands <- command{kind: cmdJog, deltaUm: deltaUm}:
	default:
	}
}

// Home queues a move to absolute zero.
func (c *Controller) Home() {
	select {
	case c.commands <- command{kind: cmdHome}:
	default:
	}
}

// Retract queues a move to the retract point.
func (c *Controller) Retract() {
	select {
	case c.commands <- command{kind: cmdRetract}:
	default:
	}
}

// ZeroEncoder queues an encoder reset.
func (c *Controller) ZeroEncoder() {
	select {
	case c.commands <- command{kind: cmdZeroEncoder}:
	default:
	}
}

// Start runs the poll loop until ctx is cancelled. Commands are executed
// between position samples so the serial link sees one client.
func (c *Controller) Start(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(c.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-c.commands:
			c.execute(ctx, cmd)

		case <-ticker.C:
			pos, err := c.ctrl.GetPositionUm(c.label)
			if err != nil {
				c.log("position read failed: %v", err)
				continue
			}
			_, pending, _ := c.ctrl.PendingEncoder(c.label)
			c.publish(State{
				Label:      c.label,
				PositionUm: pos,
				Pending:    pending,
				Timestamp:  time.Now(),
			})
		}
	}
}

func (c *Controller) execute(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdJog:
		target, moved, err := c.ctrl.MoveUm(ctx, c.label, cmd.deltaUm,
			mcm3000.MoveOpts{Relative: true})
		switch {
		case err != nil:
			c.log("jog %.1f um: %v", cmd.deltaUm, err)
		case !moved:
			c.log("jog %.1f um: already in position", cmd.deltaUm)
		default:
			c.log("jogging to %.1f um", target)
		}
	case cmdHome:
		if _, _, err := c.ctrl.MoveZero(ctx, c.label, true); err != nil {
			c.log("home: %v", err)
		} else {
			c.log("homed")
		}
	case cmdRetract:
		if err := c.ctrl.Retract(ctx, c.label); err != nil {
			c.log("retract: %v", err)
		} else {
			c.log("retracted")
		}
	case cmdZeroEncoder:
		if err := c.ctrl.SetEncoderToZero(ctx, c.label); err != nil {
			c.log("zero encoder: %v", err)
		} else {
			c.log("encoder zeroed; re-derive limits before scanning")
		}
	}
}

func (c *Controller) publish(s State) {
	select {
	case c.states <- s:
	default:
		// Drop if the UI is behind
	}
}

func (c *Controller) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logs <- msg:
	default:
		// Drop if channel full
	}
}
