package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"cncserver/internal/comp"
	"cncserver/internal/domain"
)

// ErrStartInterrupted reports that a collect was cancelled by an operator
// before its timeout expired. Callers must distinguish it from a plain
// missing-components failure.
var ErrStartInterrupted = errors.New("runset start interrupted")

// MissingComponentsError lists the components a collect could not claim
// before its deadline.
type MissingComponentsError struct {
	Missing []domain.ComponentName
}

func (e *MissingComponentsError) Error() string {
	return "still waiting for " + domain.FormatComponentList(e.Missing)
}

const (
	DefaultCollectTimeout = 5 * time.Second
	DefaultCollectPoll    = 100 * time.Millisecond
)

// Pool holds every registered component not currently owned by a runset.
type Pool struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	free  map[string]*comp.Component
	total int
}

func New(logger *zap.SugaredLogger) *Pool {
	return &Pool{
		logger: logger,
		free:   make(map[string]*comp.Component),
	}
}

// Add registers a component. Re-registration of the same name replaces
// the previous entry; a dead process that restarts reclaims its slot.
func (p *Pool) Add(c *comp.Component) {
	key := c.Fullname()
	p.mu.Lock()
	prev, existed := p.free[key]
	p.free[key] = c
	if !existed {
		p.total++
	}
	p.mu.Unlock()
	if existed && prev != c {
		_ = prev.Close()
		p.logger.Infow("component re-registered", "component", key)
	}
}

// Remove drops a component from the free list without closing it.
func (p *Pool) Remove(c *comp.Component) {
	p.mu.Lock()
	if p.free[c.Fullname()] == c {
		delete(p.free, c.Fullname())
		p.total--
	}
	p.mu.Unlock()
}

// Return hands components claimed by a runset back to the free list.
// Their cached topological order is stale outside the runset and is
// cleared on the way in.
func (p *Pool) Return(comps []*comp.Component) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range comps {
		c.ClearOrder()
		p.free[c.Fullname()] = c
	}
}

// Components snapshots the free list, sorted by fullname.
func (p *Pool) Components() []*comp.Component {
	p.mu.Lock()
	out := make([]*comp.Component, 0, len(p.free))
	for _, c := range p.free {
		out = append(out, c)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fullname() < out[j].Fullname()
	})
	return out
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Collect claims every named component from the free list, polling until
// all are held or the timeout expires. Each component is removed from the
// free list as it becomes available, so a concurrent collect for an
// overlapping configuration cannot steal a component this one has already
// seen.
//
// On timeout the error lists the still-missing components; on context
// cancellation the result is ErrStartInterrupted. Either way the partial
// hold goes back to the pool.
func (p *Pool) Collect(ctx context.Context, names []domain.ComponentName, timeout, poll time.Duration) ([]*comp.Component, error) {
	if timeout <= 0 {
		timeout = DefaultCollectTimeout
	}
	if poll <= 0 {
		poll = DefaultCollectPoll
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	held := make(map[string]*comp.Component, len(names))
	for {
		missing := p.claimAvailable(names, held)
		if len(missing) == 0 {
			claimed := make([]*comp.Component, 0, len(names))
			for _, name := range names {
				claimed = append(claimed, held[name.Fullname()])
			}
			return claimed, nil
		}
		p.logger.Debugw("collect waiting",
			"missing", domain.FormatComponentList(missing))

		select {
		case <-ctx.Done():
			p.giveBack(held)
			return nil, ErrStartInterrupted
		case <-deadline.C:
			p.giveBack(held)
			return nil, &MissingComponentsError{Missing: missing}
		case <-ticker.C:
		}
	}
}

// claimAvailable moves every free requested component into held and
// reports the names still outstanding.
func (p *Pool) claimAvailable(names []domain.ComponentName, held map[string]*comp.Component) []domain.ComponentName {
	p.mu.Lock()
	defer p.mu.Unlock()

	var missing []domain.ComponentName
	for _, name := range names {
		key := name.Fullname()
		if _, ok := held[key]; ok {
			continue
		}
		c, ok := p.free[key]
		if !ok {
			missing = append(missing, name)
			continue
		}
		delete(p.free, key)
		held[key] = c
	}
	return missing
}

func (p *Pool) giveBack(held map[string]*comp.Component) {
	comps := make([]*comp.Component, 0, len(held))
	for _, c := range held {
		comps = append(comps, c)
	}
	p.Return(comps)
}

// Reap closes and drops every free component that has missed too many
// consecutive health pings. It returns the names of the dropped dead.
func (p *Pool) Reap() []string {
	p.mu.Lock()
	var dead []*comp.Component
	for key, c := range p.free {
		if c.IsDead() {
			dead = append(dead, c)
			delete(p.free, key)
			p.total--
		}
	}
	p.mu.Unlock()

	names := make([]string, 0, len(dead))
	for _, c := range dead {
		names = append(names, c.Fullname())
		if err := c.Close(); err != nil {
			p.logger.Warnw("close dead component", "component", c.Fullname(), "error", err)
		}
	}
	sort.Strings(names)
	return names
}

// String summarizes pool occupancy for the control API.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%d free of %d registered", len(p.free), p.total)
}
