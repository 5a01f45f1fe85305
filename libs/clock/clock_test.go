package clock

import (
	"testing"
	"time"
)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	var fired []string
	c.AfterFunc(10*time.Minute, func() { fired = append(fired, "b") })
	c.AfterFunc(5*time.Minute, func() { fired = append(fired, "a") })
	stopped := c.AfterFunc(7*time.Minute, func() { fired = append(fired, "x") })

	if !stopped.Stop() {
		t.Fatalf("expected stop to report an active timer")
	}
	c.Advance(6 * time.Minute)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("unexpected fired set after 6m: %v", fired)
	}
	c.Advance(10 * time.Minute)
	if len(fired) != 2 || fired[1] != "b" {
		t.Fatalf("unexpected fired set after 16m: %v", fired)
	}
	if got := c.Now(); !got.Equal(time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)) {
		t.Fatalf("unexpected now: %s", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}

func TestFake_TimerSchedulingFromCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Minute, tick)
		}
	}
	c.AfterFunc(time.Minute, tick)
	c.Advance(5 * time.Minute)
	if count != 3 {
		t.Fatalf("expected 3 ticks, got %d", count)
	}
}
