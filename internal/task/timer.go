package task

import "time"

// IntervalTimer tracks when a named periodic task is next due. The clock
// only runs between an explicit Start and the following Trigger check, so
// a task that is never restarted never fires again.
type IntervalTimer struct {
	name    string
	period  time.Duration
	started bool
	next    time.Time
	now     func() time.Time
}

func NewIntervalTimer(name string, period time.Duration) *IntervalTimer {
	return &IntervalTimer{name: name, period: period, now: time.Now}
}

func (t *IntervalTimer) Name() string { return t.name }

func (t *IntervalTimer) Period() time.Duration { return t.period }

// Start arms the timer. The first trigger fires immediately so every
// task runs once at startup; Reset schedules the following ones.
func (t *IntervalTimer) Start() {
	t.started = true
	t.next = t.now()
}

// Reset pushes the next trigger one full period out.
func (t *IntervalTimer) Reset() {
	t.next = t.now().Add(t.period)
}

// ResetAfter re-arms the timer to fire after d, or after the full period
// if that is sooner.
func (t *IntervalTimer) ResetAfter(d time.Duration) {
	if t.period < d {
		d = t.period
	}
	t.next = t.now().Add(d)
}

func (t *IntervalTimer) Stop() {
	t.started = false
}

// IsTriggered reports whether the period has elapsed since the last Start.
func (t *IntervalTimer) IsTriggered() bool {
	return t.started && !t.now().Before(t.next)
}

// TimeLeft reports how long until the next trigger. An unarmed timer
// reports its full period so the scheduler's minimum-wait calculation
// never spins on it.
func (t *IntervalTimer) TimeLeft() time.Duration {
	if !t.started {
		return t.period
	}
	left := t.next.Sub(t.now())
	if left < 0 {
		return 0
	}
	return left
}
