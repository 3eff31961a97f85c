package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cncserver/internal/comp"
	"cncserver/internal/domain"
	"cncserver/internal/moni"
)

// DefaultMonitorPeriod spaces full MBean sweeps far apart; a sweep costs
// one dictionary RPC per component.
const DefaultMonitorPeriod = 100 * time.Second

// MonitorTask sweeps every component's MBean dictionary and publishes
// each bean as one monitoring record. A component that fails a sweep
// reports its previous snapshot once, so downstream consumers see a
// stale-but-present value instead of a gap.
type MonitorTask struct {
	logger *zap.SugaredLogger
	timer  *IntervalTimer
	bus    *moni.Bus
	run    int
	comps  []*comp.Component

	mu   sync.Mutex
	prev map[string]map[string]map[string]any
}

func NewMonitorTask(logger *zap.SugaredLogger, bus *moni.Bus, run int, comps []*comp.Component, period time.Duration) *MonitorTask {
	if period <= 0 {
		period = DefaultMonitorPeriod
	}
	return &MonitorTask{
		logger: logger,
		timer:  NewIntervalTimer("Monitoring", period),
		bus:    bus,
		run:    run,
		comps:  comps,
		prev:   make(map[string]map[string]map[string]any),
	}
}

func (t *MonitorTask) Name() string          { return "Monitoring" }
func (t *MonitorTask) Timer() *IntervalTimer { return t.timer }
func (t *MonitorTask) Close() error          { return nil }

func (t *MonitorTask) Check(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, c := range t.comps {
		wg.Add(1)
		go func(c *comp.Component) {
			defer wg.Done()
			t.sweep(ctx, c)
		}(c)
	}
	wg.Wait()
	return nil
}

func (t *MonitorTask) sweep(ctx context.Context, c *comp.Component) {
	dict, err := c.MBean().GetDictionary(ctx)
	if err != nil {
		t.logger.Warnw("monitor sweep failed", "component", c.Fullname(), "error", err)
		t.mu.Lock()
		dict = t.prev[c.Fullname()]
		delete(t.prev, c.Fullname())
		t.mu.Unlock()
		if dict == nil {
			return
		}
	} else {
		t.mu.Lock()
		t.prev[c.Fullname()] = dict
		t.mu.Unlock()
	}

	now := time.Now()
	for bean, fields := range dict {
		rec := moni.Record{
			Run:      t.run,
			Name:     fmt.Sprintf("%s:%s", c.Fullname(), bean),
			Priority: domain.PrioSCP,
			Time:     now,
			Value:    fields,
		}
		if err := t.bus.Publish(rec); err != nil {
			t.logger.Debugw("monitor record dropped",
				"var", rec.Name, "error", err)
		}
	}
}
