package comp

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Status classifies the outcome of one dispatched operation. The three
// states are never collapsed: callers treat an errored component (use a
// cached value) differently from a hanging one (log and skip).
type Status int

const (
	StatusCompleted Status = iota
	StatusErrored
	StatusHanging
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	case StatusHanging:
		return "hanging"
	default:
		return fmt.Sprintf("status#%d", int(s))
	}
}

// Result is the outcome of one operation against one component.
type Result struct {
	Comp   *Component
	Status Status
	Value  any
	Err    error
}

const (
	// DefaultWait is the total join budget for one operation group.
	DefaultWait = 2 * time.Second
	// DefaultReps is the number of sub-waits within the budget.
	DefaultReps = 4
)

type pendingOp struct {
	comp  *Component
	done  chan struct{}
	value any
	err   error
}

// RunGroup dispatches op against every component concurrently, waits up
// to wait total (polling in reps sub-waits), and classifies each outcome
// as completed, errored or hanging. Goroutines still running when the
// budget expires are abandoned, never killed: the remote protocol has no
// cancellation primitive, and a hung RPC must not block the caller.
//
// Timeout errors are logged once at error level; every other error is
// captured into the errored result without crashing the dispatcher.
// There are no retries at this layer.
func RunGroup(ctx context.Context, op Operation, comps []*Component, logger *zap.SugaredLogger, wait time.Duration, reps int) map[*Component]Result {
	if wait <= 0 {
		wait = DefaultWait
	}
	if reps <= 0 {
		reps = DefaultReps
	}

	pending := make([]*pendingOp, 0, len(comps))
	for _, c := range comps {
		p := &pendingOp{comp: c, done: make(chan struct{})}
		pending = append(pending, p)
		go func(p *pendingOp) {
			defer close(p.done)
			p.value, p.err = op.Execute(ctx, p.comp)
		}(p)
	}

	waitForGroup(pending, wait, reps)

	results := make(map[*Component]Result, len(pending))
	for _, p := range pending {
		select {
		case <-p.done:
			if p.err != nil {
				if IsTimeout(p.err) && logger != nil {
					logger.Errorf("%s(%s): %v", op.Name(), p.comp.Fullname(), p.err)
				}
				results[p.comp] = Result{Comp: p.comp, Status: StatusErrored, Err: p.err}
			} else {
				results[p.comp] = Result{Comp: p.comp, Status: StatusCompleted, Value: p.value}
			}
		default:
			results[p.comp] = Result{Comp: p.comp, Status: StatusHanging}
		}
	}
	return results
}

func waitForGroup(pending []*pendingOp, wait time.Duration, reps int) {
	part := wait / time.Duration(reps)
	deadline := time.After(wait)
	for i := 0; i < reps; i++ {
		if allDone(pending) {
			return
		}
		select {
		case <-time.After(part):
		case <-deadline:
			return
		}
	}
}

func allDone(pending []*pendingOp) bool {
	for _, p := range pending {
		select {
		case <-p.done:
		default:
			return false
		}
	}
	return true
}

// CollectStates maps each component to its reported state string,
// substituting "hanging"/"error" markers for unresponsive peers.
func CollectStates(ctx context.Context, comps []*Component, logger *zap.SugaredLogger, wait time.Duration, reps int) map[*Component]string {
	results := RunGroup(ctx, GetStateOp{}, comps, logger, wait, reps)
	states := make(map[*Component]string, len(results))
	for c, res := range results {
		switch res.Status {
		case StatusCompleted:
			if s, ok := res.Value.(string); ok {
				states[c] = s
			} else {
				states[c] = "error"
			}
		case StatusErrored:
			states[c] = "error"
		case StatusHanging:
			states[c] = "hanging"
		}
	}
	return states
}
