package jog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/thorstage/pkg/mcm3000"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	ctrl, err := mcm3000.New(mcm3000.Config{
		Stages:       [mcm3000.NumChannels]mcm3000.StageType{mcm3000.StageZFM2020},
		Simulated:    true,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })
	return New(Config{Controller: ctrl, Label: 1, Hz: 100})
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{Label: 2})
	assert.Equal(t, 10, c.Hz())
	assert.Equal(t, 2, c.Label())
}

func TestStartPublishesStates(t *testing.T) {
	c := newTestController(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case s := <-c.States():
		assert.Equal(t, 1, s.Label)
		assert.False(t, s.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no state received")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestJogExecutesRelativeMove(t *testing.T) {
	c := newTestController(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Jog(1000)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-c.States():
			if s.PositionUm > 999 {
				return
			}
		case <-deadline:
			t.Fatal("stage never reached jog target")
		}
	}
}

func TestHomeAndLogs(t *testing.T) {
	c := newTestController(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Jog(500)
	c.Home()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.Logs():
			if strings.Contains(msg, "homed") {
				return
			}
		case <-deadline:
			t.Fatal("no home confirmation logged")
		}
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	// Not started: the command queue (capacity 4) fills and further
	// requests are dropped instead of blocking.
	c := newTestController(t)
	for i := 0; i < 20; i++ {
		c.Jog(1)
	}
}
