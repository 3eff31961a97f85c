package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cncserver/internal/comp"
	"cncserver/internal/domain"
	"cncserver/internal/moni"
)

const DefaultActiveDOMsPeriod = time.Minute

// ActiveDOMsTask sums active and total DOM channel counts and LBM
// overflows across the hubs and publishes the totals. A hub that misses
// a poll contributes its previous reading, so the detector-wide totals
// never dip just because one hub was slow.
type ActiveDOMsTask struct {
	logger *zap.SugaredLogger
	timer  *IntervalTimer
	bus    *moni.Bus
	run    int
	hubs   []*comp.Component

	mu   sync.Mutex
	prev map[string]hubCounts
}

type hubCounts struct {
	active int64
	total  int64
	lbm    int64
}

func NewActiveDOMsTask(logger *zap.SugaredLogger, bus *moni.Bus, run int, comps []*comp.Component, period time.Duration) *ActiveDOMsTask {
	if period <= 0 {
		period = DefaultActiveDOMsPeriod
	}
	var hubs []*comp.Component
	for _, c := range comps {
		if c.IsSource() {
			hubs = append(hubs, c)
		}
	}
	return &ActiveDOMsTask{
		logger: logger,
		timer:  NewIntervalTimer("ActiveDOMs", period),
		bus:    bus,
		run:    run,
		hubs:   hubs,
		prev:   make(map[string]hubCounts),
	}
}

func (t *ActiveDOMsTask) Name() string          { return "ActiveDOMs" }
func (t *ActiveDOMsTask) Timer() *IntervalTimer { return t.timer }
func (t *ActiveDOMsTask) Close() error          { return nil }

func (t *ActiveDOMsTask) Check(ctx context.Context) error {
	type reading struct {
		hub    string
		counts hubCounts
		ok     bool
	}

	readings := make([]reading, len(t.hubs))
	var wg sync.WaitGroup
	for i, hub := range t.hubs {
		wg.Add(1)
		go func(i int, hub *comp.Component) {
			defer wg.Done()
			readings[i].hub = hub.Fullname()
			values, err := hub.MBean().GetAttributes(ctx, "stringhub",
				[]string{"NumberOfActiveAndTotalChannels", "TotalLBMOverflows"})
			if err != nil {
				t.logger.Warnw("active DOM poll failed",
					"hub", hub.Fullname(), "error", err)
				return
			}
			pair, ok := values["NumberOfActiveAndTotalChannels"].([]any)
			if !ok || len(pair) != 2 {
				t.logger.Warnw("unexpected channel count shape",
					"hub", hub.Fullname(), "value", values["NumberOfActiveAndTotalChannels"])
				return
			}
			active, okA := comp.UnfixInt64(pair[0])
			total, okT := comp.UnfixInt64(pair[1])
			if !okA || !okT {
				return
			}
			// overflows are optional on older hubs
			lbm, _ := comp.UnfixInt64(values["TotalLBMOverflows"])
			readings[i].counts = hubCounts{active: active, total: total, lbm: lbm}
			readings[i].ok = true
		}(i, hub)
	}
	wg.Wait()

	var sum hubCounts
	t.mu.Lock()
	for _, r := range readings {
		counts := r.counts
		if r.ok {
			t.prev[r.hub] = counts
		} else {
			counts = t.prev[r.hub]
		}
		sum.active += counts.active
		sum.total += counts.total
		sum.lbm += counts.lbm
	}
	t.mu.Unlock()

	now := time.Now()
	t.publish("activeDOMs", sum.active, domain.PrioITS, now)
	t.publish("expectedDOMs", sum.total, domain.PrioITS, now)
	t.publish("LBMOverflows", sum.lbm, domain.PrioEmail, now)
	return nil
}

func (t *ActiveDOMsTask) publish(name string, value int64, prio domain.MoniPriority, now time.Time) {
	rec := moni.Record{
		Run:      t.run,
		Name:     name,
		Priority: prio,
		Time:     now,
		Value:    value,
	}
	if err := t.bus.Publish(rec); err != nil {
		t.logger.Debugw("active DOM record dropped", "var", name, "error", err)
	}
}
