package moni

import (
	"errors"
	"sync"
	"time"

	"cncserver/internal/domain"
)

var (
	ErrReporterNotRegistered = errors.New("reporter is not registered in bus")
	ErrReporterQueueFull     = errors.New("reporter queue is full")
)

// Record is one monitoring quantity on its way out of the server.
type Record struct {
	Run      int                 `json:"run"`
	Name     string              `json:"varname"`
	Priority domain.MoniPriority `json:"prio"`
	Time     time.Time           `json:"t"`
	Value    any                 `json:"value"`
}

// Reporter consumes monitoring records. Implementations must not block:
// the bus drops records for a full reporter rather than stalling a run.
type Reporter interface {
	Name() string
	Report(rec Record) error
	Close() error
}

// Bus fans monitoring records out to every registered reporter. Delivery
// is best effort per reporter; one slow sink never blocks the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Record
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan Record),
		buffer: buffer,
	}
}

func (b *Bus) Register(name string) <-chan Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan Record, b.buffer)
	b.subs[name] = ch
	return ch
}

func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[name]
	if !ok {
		return
	}
	delete(b.subs, name)
	close(ch)
}

// Publish fans the record out to every subscriber. It returns
// ErrReporterQueueFull if any subscriber dropped it, after all others
// were still offered the record.
func (b *Bus) Publish(rec Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		return ErrReporterNotRegistered
	}
	var dropped bool
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrReporterQueueFull
	}
	return nil
}
