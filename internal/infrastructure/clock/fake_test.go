package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := clock.Fake(epoch)
	var fired []string
	var at []time.Duration

	record := func(name string) func() {
		return func() {
			fired = append(fired, name)
			at = append(at, c.Now().Sub(epoch))
		}
	}
	c.AfterFunc(300*time.Millisecond, record("c"))
	c.AfterFunc(100*time.Millisecond, record("a"))
	c.AfterFunc(200*time.Millisecond, record("b"))

	c.Advance(250 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, at)
	assert.Equal(t, epoch.Add(250*time.Millisecond), c.Now())

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeClock_StopPreventsCall(t *testing.T) {
	c := clock.Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, called)
}

func TestFakeClock_ChainedTimersFireWithinOneAdvance(t *testing.T) {
	c := clock.Fake(epoch)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(100*time.Millisecond, tick)
	}
	c.AfterFunc(100*time.Millisecond, tick)

	c.Advance(time.Second)
	assert.Equal(t, 10, ticks)
	assert.Equal(t, 1, c.PendingCount())
}
