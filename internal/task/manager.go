package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxTaskWait caps the scheduler's sleep so a task whose period shrinks
// (or a freshly-armed timer) is noticed promptly.
const MaxTaskWait = 10 * time.Second

// Task is one periodic job owned by a run. The manager fires Check each
// time the task's timer triggers and re-arms the timer afterwards.
type Task interface {
	Name() string
	Timer() *IntervalTimer
	Check(ctx context.Context) error
	Close() error
}

// Manager drives a run's periodic tasks from a single goroutine. Tasks
// are checked in registration order; a slow check delays its successors
// rather than overlapping them, which keeps per-component RPC pressure
// bounded.
type Manager struct {
	logger *zap.SugaredLogger
	tasks  []Task

	wake chan struct{}
	stop chan struct{}

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewManager(logger *zap.SugaredLogger, tasks ...Task) *Manager {
	return &Manager{
		logger: logger,
		tasks:  tasks,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

func (m *Manager) Tasks() []Task {
	return m.tasks
}

// Start arms every timer and launches the scheduler goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.done = make(chan struct{})
	m.stop = make(chan struct{})
	m.mu.Unlock()

	for _, t := range m.tasks {
		t.Timer().Start()
	}
	go m.run(ctx, m.stop, m.done)
}

func (m *Manager) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		for _, t := range m.tasks {
			timer := t.Timer()
			if !timer.IsTriggered() {
				continue
			}
			timer.Reset()
			if err := t.Check(ctx); err != nil {
				m.logger.Errorw("task check failed", "task", t.Name(), "error", err)
				// retry a failed check sooner than a full period
				timer.ResetAfter(MaxTaskWait)
			}
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-time.After(m.minWait()):
		}
	}
}

func (m *Manager) minWait() time.Duration {
	wait := MaxTaskWait
	for _, t := range m.tasks {
		if left := t.Timer().TimeLeft(); left < wait {
			wait = left
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// Wake pokes the scheduler to re-evaluate timers immediately.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stop asks the scheduler to exit and waits for the in-flight pass to
// finish. Task state survives a stop; Close releases it.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	done := m.done
	m.mu.Unlock()

	close(m.stop)
	<-done
}

// Close stops the scheduler and closes every task, returning the first
// close error while still attempting the rest.
func (m *Manager) Close() error {
	m.Stop()
	var first error
	for _, t := range m.tasks {
		if err := t.Close(); err != nil {
			m.logger.Warnw("task close failed", "task", t.Name(), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
