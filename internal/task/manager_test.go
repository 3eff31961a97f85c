package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeTask struct {
	name     string
	timer    *IntervalTimer
	checks   atomic.Int32
	checkErr error
	closeErr error
	closed   atomic.Int32
}

func newFakeTask(name string, period time.Duration) *fakeTask {
	return &fakeTask{name: name, timer: NewIntervalTimer(name, period)}
}

func (f *fakeTask) Name() string          { return f.name }
func (f *fakeTask) Timer() *IntervalTimer { return f.timer }
func (f *fakeTask) Check(ctx context.Context) error {
	f.checks.Add(1)
	return f.checkErr
}
func (f *fakeTask) Close() error {
	f.closed.Add(1)
	return f.closeErr
}

func waitForChecks(t *testing.T, task *fakeTask, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task.checks.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s reached %d checks, want %d", task.name, task.checks.Load(), want)
}

func TestManagerRunsTasks(t *testing.T) {
	task := newFakeTask("counter", 20*time.Millisecond)
	m := NewManager(zap.NewNop().Sugar(), task)
	m.Start(context.Background())
	defer m.Stop()

	// first check fires immediately, then one per period
	waitForChecks(t, task, 3)
}

func TestManagerSurvivesCheckErrors(t *testing.T) {
	task := newFakeTask("flaky", 10*time.Millisecond)
	task.checkErr = errors.New("boom")
	m := NewManager(zap.NewNop().Sugar(), task)
	m.Start(context.Background())
	defer m.Stop()

	waitForChecks(t, task, 3)
}

func TestManagerRetriesFailedCheckSooner(t *testing.T) {
	task := newFakeTask("flaky", time.Hour)
	task.checkErr = errors.New("boom")
	m := NewManager(zap.NewNop().Sugar(), task)
	m.Start(context.Background())
	defer m.Stop()

	waitForChecks(t, task, 1)
	// the failed check must not be pushed a full hour out
	deadline := time.Now().Add(2 * time.Second)
	for task.timer.TimeLeft() > MaxTaskWait {
		if time.Now().After(deadline) {
			t.Fatalf("next check due in %v, want at most %v", task.timer.TimeLeft(), MaxTaskWait)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerRestart(t *testing.T) {
	task := newFakeTask("counter", time.Hour)
	m := NewManager(zap.NewNop().Sugar(), task)

	m.Start(context.Background())
	waitForChecks(t, task, 1)
	m.Stop()

	m.Start(context.Background())
	waitForChecks(t, task, 2)
	m.Stop()
	m.Stop() // second stop is a no-op
}

func TestManagerWake(t *testing.T) {
	task := newFakeTask("sleepy", time.Hour)
	m := NewManager(zap.NewNop().Sugar(), task)
	m.Start(context.Background())
	defer m.Stop()

	waitForChecks(t, task, 1)

	// the scheduler is now asleep; re-arm the timer and poke it
	task.timer.Start()
	m.Wake()
	waitForChecks(t, task, 2)
}

func TestManagerClosePropagatesFirstError(t *testing.T) {
	first := newFakeTask("first", time.Hour)
	first.closeErr = errors.New("first close failed")
	second := newFakeTask("second", time.Hour)
	second.closeErr = errors.New("second close failed")
	third := newFakeTask("third", time.Hour)

	m := NewManager(zap.NewNop().Sugar(), first, second, third)
	m.Start(context.Background())

	err := m.Close()
	if !errors.Is(err, first.closeErr) {
		t.Fatalf("Close returned %v, want first error", err)
	}
	for _, task := range []*fakeTask{first, second, third} {
		if task.closed.Load() != 1 {
			t.Errorf("task %s closed %d times", task.name, task.closed.Load())
		}
	}
}

func TestManagerStopsOnContextCancel(t *testing.T) {
	task := newFakeTask("counter", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(zap.NewNop().Sugar(), task)
	m.Start(ctx)

	waitForChecks(t, task, 1)
	cancel()
	time.Sleep(50 * time.Millisecond)
	before := task.checks.Load()
	time.Sleep(50 * time.Millisecond)
	if after := task.checks.Load(); after != before {
		t.Errorf("checks kept running after cancel: %d -> %d", before, after)
	}
	m.Stop()
}
