package task

import (
	"testing"
	"time"
)

// fakeClock drives an IntervalTimer without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedTimer(period time.Duration) (*IntervalTimer, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	timer := NewIntervalTimer("test", period)
	timer.now = clock.now
	return timer, clock
}

func TestTimerFiresImmediatelyOnStart(t *testing.T) {
	timer, _ := newClockedTimer(10 * time.Second)
	if timer.IsTriggered() {
		t.Fatal("unarmed timer should not trigger")
	}
	timer.Start()
	if !timer.IsTriggered() {
		t.Fatal("armed timer should fire on the first check")
	}
}

func TestTimerReset(t *testing.T) {
	timer, clock := newClockedTimer(10 * time.Second)
	timer.Start()
	timer.Reset()

	if timer.IsTriggered() {
		t.Fatal("reset timer should not trigger early")
	}
	clock.advance(9 * time.Second)
	if timer.IsTriggered() {
		t.Fatal("triggered before the period elapsed")
	}
	clock.advance(time.Second)
	if !timer.IsTriggered() {
		t.Fatal("should trigger once the period elapsed")
	}
}

func TestTimerStop(t *testing.T) {
	timer, _ := newClockedTimer(10 * time.Second)
	timer.Start()
	timer.Stop()
	if timer.IsTriggered() {
		t.Fatal("stopped timer should never trigger")
	}
}

func TestTimeLeft(t *testing.T) {
	timer, clock := newClockedTimer(10 * time.Second)

	if got := timer.TimeLeft(); got != 10*time.Second {
		t.Errorf("unarmed TimeLeft = %v", got)
	}

	timer.Start()
	timer.Reset()
	clock.advance(4 * time.Second)
	if got := timer.TimeLeft(); got != 6*time.Second {
		t.Errorf("TimeLeft = %v, want 6s", got)
	}

	clock.advance(20 * time.Second)
	if got := timer.TimeLeft(); got != 0 {
		t.Errorf("overdue TimeLeft = %v, want 0", got)
	}
}
