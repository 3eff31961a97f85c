package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cncserver/internal/comp"
	"cncserver/internal/domain"
)

// Watchdog defaults, overridable through the [watchdog] config section.
const (
	DefaultWatchdogPeriod = 10 * time.Second

	// DefaultNumUnchanged is how many consecutive identical readings a
	// counter may report before it is flagged as stagnant.
	DefaultNumUnchanged = 3

	// DefaultHealthFull is the ceiling of the health meter once a run
	// has settled.
	DefaultHealthFull = 9

	// DefaultNumHealthMsgs throttles the unhealthy warnings: one is
	// logged every this many decrements.
	DefaultNumHealthMsgs = 3

	// DefaultMinDiskSpaceMB is the builder disk threshold.
	DefaultMinDiskSpaceMB = 1024
)

// RunAlerter receives the watchdog's verdicts. The error transition fires
// at most once per run.
type RunAlerter interface {
	SetRunError(msg string)
}

type watcher interface {
	field() string
	order() int
	// check returns nil when the reading is healthy.
	check(value any) *domain.UnhealthyRecord
}

// valueWatcher flags a counter that stops increasing. A decreasing
// counter is an immediate failure: counters only grow within a run, so a
// drop means the component restarted or corrupted its state.
type valueWatcher struct {
	from      string
	to        string
	bean      string
	fieldName string
	rank      int
	limit     int

	prev      any
	hasPrev   bool
	unchanged int
}

func (w *valueWatcher) field() string { return w.fieldName }
func (w *valueWatcher) order() int    { return w.rank }

func (w *valueWatcher) check(value any) *domain.UnhealthyRecord {
	if !w.hasPrev {
		w.prev = value
		w.hasPrev = true
		return nil
	}

	cmp, err := compareReadings(w.prev, value)
	if err != nil {
		return &domain.UnhealthyRecord{
			Message: fmt.Sprintf("%s->%s %s.%s %v", w.from, w.to, w.bean, w.fieldName, err),
			Order:   w.rank,
		}
	}

	switch {
	case cmp < 0:
		rec := &domain.UnhealthyRecord{
			Message: fmt.Sprintf("%s->%s %s.%s decreased (%v->%v)",
				w.from, w.to, w.bean, w.fieldName, w.prev, value),
			Order: w.rank,
		}
		w.prev = value
		w.unchanged = 0
		return rec
	case cmp == 0:
		w.unchanged++
		if w.unchanged >= w.limit {
			return &domain.UnhealthyRecord{
				Message: fmt.Sprintf("%s->%s %s.%s is not changing from %v",
					w.from, w.to, w.bean, w.fieldName, w.prev),
				Order: w.rank,
			}
		}
		return nil
	default:
		w.prev = value
		w.unchanged = 0
		return nil
	}
}

// thresholdWatcher flags a gauge that crosses a fixed bound. It keeps no
// history: the reading either violates the bound right now or it does not.
type thresholdWatcher struct {
	comp      string
	bean      string
	fieldName string
	rank      int
	threshold int64
	lessThan  bool
}

func (w *thresholdWatcher) field() string { return w.fieldName }
func (w *thresholdWatcher) order() int    { return w.rank }

func (w *thresholdWatcher) check(value any) *domain.UnhealthyRecord {
	n, ok := comp.UnfixInt64(value)
	if !ok {
		return &domain.UnhealthyRecord{
			Message: fmt.Sprintf("%s %s.%s non-numeric value %v",
				w.comp, w.bean, w.fieldName, value),
			Order: w.rank,
		}
	}
	if w.lessThan && n < w.threshold {
		return &domain.UnhealthyRecord{
			Message: fmt.Sprintf("%s %s.%s below %d (value=%d)",
				w.comp, w.bean, w.fieldName, w.threshold, n),
			Order: w.rank,
		}
	}
	if !w.lessThan && n > w.threshold {
		return &domain.UnhealthyRecord{
			Message: fmt.Sprintf("%s %s.%s above %d (value=%d)",
				w.comp, w.bean, w.fieldName, w.threshold, n),
			Order: w.rank,
		}
	}
	return nil
}

// compareReadings orders two bean readings. Slices compare element-wise:
// any dropped element makes the whole reading a decrease, otherwise any
// grown element makes it an increase.
func compareReadings(prev, cur any) (int, error) {
	prevList, prevIsList := prev.([]any)
	curList, curIsList := cur.([]any)
	if prevIsList != curIsList {
		return 0, fmt.Errorf("reading changed shape (%T->%T)", prev, cur)
	}
	if !prevIsList {
		p, ok := comp.UnfixInt64(prev)
		if !ok {
			return 0, fmt.Errorf("non-numeric previous value %v", prev)
		}
		c, ok := comp.UnfixInt64(cur)
		if !ok {
			return 0, fmt.Errorf("non-numeric value %v", cur)
		}
		switch {
		case c < p:
			return -1, nil
		case c > p:
			return 1, nil
		default:
			return 0, nil
		}
	}

	if len(prevList) != len(curList) {
		return 0, fmt.Errorf("reading changed length (%d->%d)", len(prevList), len(curList))
	}
	result := 0
	for i := range prevList {
		cmp, err := compareReadings(prevList[i], curList[i])
		if err != nil {
			return 0, err
		}
		if cmp < 0 {
			return -1, nil
		}
		if cmp > 0 {
			result = 1
		}
	}
	return result, nil
}

// watchData is the full rule set for one component, grouped by bean so
// each bean costs one RPC per check. The busy flag marks a check still
// in flight; the component is skipped and reported hanging until the
// check returns.
type watchData struct {
	comp       *comp.Component
	inputs     map[string][]watcher
	outputs    map[string][]watcher
	thresholds map[string][]watcher

	busy atomic.Bool
}

func newWatchData(c *comp.Component) *watchData {
	return &watchData{
		comp:       c,
		inputs:     make(map[string][]watcher),
		outputs:    make(map[string][]watcher),
		thresholds: make(map[string][]watcher),
	}
}

func (wd *watchData) addInput(w watcher, bean string) {
	wd.inputs[bean] = append(wd.inputs[bean], w)
}

func (wd *watchData) addOutput(w watcher, bean string) {
	wd.outputs[bean] = append(wd.outputs[bean], w)
}

func (wd *watchData) addThreshold(w watcher, bean string) {
	wd.thresholds[bean] = append(wd.thresholds[bean], w)
}

// check polls every watched bean and evaluates the rules. Output rules
// are skipped while any input rule is unhealthy: a starved component
// cannot be blamed for producing nothing.
func (wd *watchData) check(ctx context.Context) []domain.UnhealthyRecord {
	var records []domain.UnhealthyRecord

	inputsHealthy := true
	for bean, watchers := range wd.inputs {
		recs := wd.checkBean(ctx, bean, watchers)
		if len(recs) > 0 {
			inputsHealthy = false
			records = append(records, recs...)
		}
	}
	for bean, watchers := range wd.thresholds {
		records = append(records, wd.checkBean(ctx, bean, watchers)...)
	}
	if inputsHealthy {
		for bean, watchers := range wd.outputs {
			records = append(records, wd.checkBean(ctx, bean, watchers)...)
		}
	}
	return records
}

func (wd *watchData) checkBean(ctx context.Context, bean string, watchers []watcher) []domain.UnhealthyRecord {
	fields := make([]string, 0, len(watchers))
	for _, w := range watchers {
		fields = append(fields, w.field())
	}

	values, err := wd.comp.MBean().GetAttributes(ctx, bean, fields)
	if err != nil {
		return []domain.UnhealthyRecord{{
			Message: fmt.Sprintf("%s %s check failed: %v", wd.comp.Fullname(), bean, err),
			Order:   wd.comp.Order(),
		}}
	}

	var records []domain.UnhealthyRecord
	for _, w := range watchers {
		value, ok := values[w.field()]
		if !ok {
			records = append(records, domain.UnhealthyRecord{
				Message: fmt.Sprintf("%s %s.%s missing from reply",
					wd.comp.Fullname(), bean, w.field()),
				Order: w.order(),
			})
			continue
		}
		if rec := w.check(value); rec != nil {
			records = append(records, *rec)
		}
	}
	return records
}

// WatchdogConfig tunes the health rules; zero values take the defaults.
type WatchdogConfig struct {
	Period        time.Duration
	NumUnchanged  int
	HealthFull    int
	NumHealthMsgs int
	InitialHealth int
	MinDiskMB     int64
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.Period <= 0 {
		c.Period = DefaultWatchdogPeriod
	}
	if c.NumUnchanged <= 0 {
		c.NumUnchanged = DefaultNumUnchanged
	}
	if c.HealthFull <= 0 {
		c.HealthFull = DefaultHealthFull
	}
	if c.NumHealthMsgs <= 0 {
		c.NumHealthMsgs = DefaultNumHealthMsgs
	}
	if c.InitialHealth <= 0 {
		c.InitialHealth = c.HealthFull + 3
	}
	if c.MinDiskMB <= 0 {
		c.MinDiskMB = DefaultMinDiskSpaceMB
	}
	return c
}

// WatchdogTask polls counters across the runset and drives the health
// meter. The meter starts above full so a slow-starting run burns grace
// before real health; once full it never exceeds full again, and it
// recovers one point per healthy check rather than snapping back, so a
// flapping run stays visibly unwell.
type WatchdogTask struct {
	logger  *zap.SugaredLogger
	timer   *IntervalTimer
	alerter RunAlerter
	cfg     WatchdogConfig

	data []*watchData

	mu          sync.Mutex
	health      int
	errorSet    bool
	unhealthy   bool
	lastRecords []domain.UnhealthyRecord
}

func NewWatchdogTask(logger *zap.SugaredLogger, alerter RunAlerter, comps []*comp.Component, cfg WatchdogConfig) *WatchdogTask {
	cfg = cfg.withDefaults()
	t := &WatchdogTask{
		logger:  logger,
		timer:   NewIntervalTimer("Watchdog", cfg.Period),
		alerter: alerter,
		cfg:     cfg,
		health:  cfg.InitialHealth,
	}
	t.data = buildWatchRules(comps, cfg)
	return t
}

func (t *WatchdogTask) Name() string          { return "Watchdog" }
func (t *WatchdogTask) Timer() *IntervalTimer { return t.timer }
func (t *WatchdogTask) Close() error          { return nil }

// Health reports the current meter level.
func (t *WatchdogTask) Health() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// LastUnhealthy snapshots the records from the most recent check.
func (t *WatchdogTask) LastUnhealthy() []domain.UnhealthyRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.UnhealthyRecord, len(t.lastRecords))
	copy(out, t.lastRecords)
	return out
}

// Check runs every component's rules on its own goroutine and joins
// them with a bounded wait. A check still running at the end of the
// budget is reported hanging and the tick counts as unhealthy; the
// component is skipped on later ticks until its check returns, so a
// stuck RPC burns the health meter down instead of stalling the loop.
func (t *WatchdogTask) Check(ctx context.Context) error {
	results := make(chan []domain.UnhealthyRecord, len(t.data))
	var launched []*watchData
	var hanging []string
	for _, wd := range t.data {
		if !wd.busy.CompareAndSwap(false, true) {
			hanging = append(hanging, wd.comp.Fullname())
			continue
		}
		launched = append(launched, wd)
		go func(wd *watchData) {
			recs := wd.check(ctx)
			wd.busy.Store(false)
			results <- recs
		}(wd)
	}

	var records []domain.UnhealthyRecord
	deadline := time.NewTimer(t.cfg.Period)
	defer deadline.Stop()
collect:
	for range launched {
		select {
		case recs := <-results:
			records = append(records, recs...)
		case <-deadline.C:
			break collect
		}
	}
	for _, wd := range launched {
		if wd.busy.Load() {
			hanging = append(hanging, wd.comp.Fullname())
		}
	}
	if len(hanging) > 0 {
		t.logger.Warnw("watchdog checks hanging", "components", hanging)
	}

	domain.SortUnhealthy(records)
	t.applyHealth(records, len(hanging))
	return nil
}

func (t *WatchdogTask) applyHealth(records []domain.UnhealthyRecord, hanging int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRecords = records

	if len(records) == 0 && hanging == 0 {
		if t.health < t.cfg.HealthFull {
			t.health++
		} else if t.health > t.cfg.HealthFull {
			// burn leftover startup grace down to the normal ceiling
			t.health = t.cfg.HealthFull
		}
		if t.unhealthy {
			t.unhealthy = false
			t.logger.Infow("run is healthy again", "health", t.health)
		}
		return
	}

	t.unhealthy = true
	if t.health > 0 {
		t.health--
	}

	msg := fmt.Sprintf("%d unhealthy check(s): %s", len(records), joinRecords(records))
	if len(records) == 0 {
		msg = fmt.Sprintf("%d hanging check(s)", hanging)
	} else if hanging > 0 {
		msg += fmt.Sprintf(", %d hanging", hanging)
	}
	switch {
	case t.health <= 0:
		if !t.errorSet {
			t.errorSet = true
			t.logger.Errorw("run died", "detail", msg)
			if t.alerter != nil {
				t.alerter.SetRunError(msg)
			}
		}
	case t.health%t.cfg.NumHealthMsgs == 0:
		t.logger.Errorw("run is unhealthy", "checksLeft", t.health, "detail", msg)
	default:
		t.logger.Debugw("unhealthy check absorbed", "health", t.health, "detail", msg)
	}
}

func joinRecords(records []domain.UnhealthyRecord) string {
	out := ""
	for i, r := range records {
		if i > 0 {
			out += ", "
		}
		out += r.String()
	}
	return out
}

// buildWatchRules wires the standard detector topology rules for every
// component in the runset. Pseudo endpoints bracket the real orders: the
// DOMs feed the lowest-ranked hubs, the dispatcher drains the
// highest-ranked builder.
func buildWatchRules(comps []*comp.Component, cfg WatchdogConfig) []*watchData {
	minOrder, maxOrder := orderSpan(comps)
	domOrder := minOrder - 1
	dispatchOrder := maxOrder + 1

	sorted := make([]*comp.Component, len(comps))
	copy(sorted, comps)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Order() != sorted[j].Order() {
			return sorted[i].Order() < sorted[j].Order()
		}
		return sorted[i].Fullname() < sorted[j].Fullname()
	})

	var all []*watchData
	for _, c := range sorted {
		wd := newWatchData(c)
		switch {
		case c.IsSource():
			addHubRules(wd, c, domOrder, cfg)
		case c.Name == "inIceTrigger":
			addTriggerRules(wd, c, "stringHit", cfg)
		case c.Name == "iceTopTrigger":
			addTriggerRules(wd, c, "icetopHit", cfg)
		case c.Name == "globalTrigger":
			addGlobalTriggerRules(wd, c, cfg)
		case c.Name == "eventBuilder":
			addEventBuilderRules(wd, c, dispatchOrder, cfg)
		case c.Name == "secondaryBuilders":
			addSecondaryRules(wd, c, dispatchOrder, cfg)
		}
		if len(wd.inputs) > 0 || len(wd.outputs) > 0 || len(wd.thresholds) > 0 {
			all = append(all, wd)
		}
	}
	return all
}

func orderSpan(comps []*comp.Component) (int, int) {
	min, max := 0, 0
	first := true
	for _, c := range comps {
		o := c.Order()
		if o == comp.OrderUnset {
			continue
		}
		if first || o < min {
			min = o
		}
		if first || o > max {
			max = o
		}
		first = false
	}
	return min, max
}

func newValueWatcher(from, to string, bean, field string, rank int, cfg WatchdogConfig) *valueWatcher {
	return &valueWatcher{
		from:      from,
		to:        to,
		bean:      bean,
		fieldName: field,
		rank:      rank,
		limit:     cfg.NumUnchanged,
	}
}

func addHubRules(wd *watchData, c *comp.Component, domOrder int, cfg WatchdogConfig) {
	hub := c.Fullname()
	wd.addInput(newValueWatcher("dom", hub, "sender", "NumHitsReceived", domOrder, cfg), "sender")
	wd.addInput(newValueWatcher("eventBuilder", hub, "sender", "NumReadoutRequestsReceived",
		c.Order()+1, cfg), "sender")
	wd.addOutput(newValueWatcher(hub, "eventBuilder", "sender", "NumReadoutsSent",
		c.Order(), cfg), "sender")
}

func addTriggerRules(wd *watchData, c *comp.Component, hitBean string, cfg WatchdogConfig) {
	name := c.Fullname()
	wd.addInput(newValueWatcher("stringHub", name, hitBean, "RecordsReceived",
		c.Order(), cfg), hitBean)
	wd.addOutput(newValueWatcher(name, "globalTrigger", "trigger", "RecordsSent",
		c.Order(), cfg), "trigger")
}

func addGlobalTriggerRules(wd *watchData, c *comp.Component, cfg WatchdogConfig) {
	name := c.Fullname()
	wd.addInput(newValueWatcher("trigger", name, "trigger", "RecordsReceived",
		c.Order(), cfg), "trigger")
	wd.addOutput(newValueWatcher(name, "eventBuilder", "glblTrig", "RecordsSent",
		c.Order(), cfg), "glblTrig")
}

func addEventBuilderRules(wd *watchData, c *comp.Component, dispatchOrder int, cfg WatchdogConfig) {
	name := c.Fullname()
	wd.addInput(newValueWatcher("stringHub", name, "backEnd", "NumReadoutsReceived",
		c.Order(), cfg), "backEnd")
	wd.addInput(newValueWatcher("globalTrigger", name, "backEnd", "NumTriggerRequestsReceived",
		c.Order(), cfg), "backEnd")
	wd.addOutput(newValueWatcher(name, "dispatch", "backEnd", "NumEventsSent",
		dispatchOrder, cfg), "backEnd")
	wd.addOutput(newValueWatcher(name, "dispatch", "backEnd", "NumEventsDispatched",
		dispatchOrder, cfg), "backEnd")
	wd.addThreshold(&thresholdWatcher{
		comp: name, bean: "backEnd", fieldName: "DiskAvailable",
		rank: c.Order(), threshold: cfg.MinDiskMB, lessThan: true,
	}, "backEnd")
	wd.addThreshold(&thresholdWatcher{
		comp: name, bean: "backEnd", fieldName: "NumBadEvents",
		rank: c.Order(), threshold: 0, lessThan: false,
	}, "backEnd")
}

func addSecondaryRules(wd *watchData, c *comp.Component, dispatchOrder int, cfg WatchdogConfig) {
	name := c.Fullname()
	wd.addThreshold(&thresholdWatcher{
		comp: name, bean: "snBuilder", fieldName: "DiskAvailable",
		rank: c.Order(), threshold: cfg.MinDiskMB, lessThan: true,
	}, "snBuilder")
	wd.addOutput(newValueWatcher(name, "dispatch", "moniBuilder", "NumDispatchedData",
		dispatchOrder, cfg), "moniBuilder")
	wd.addOutput(newValueWatcher(name, "dispatch", "snBuilder", "NumDispatchedData",
		dispatchOrder, cfg), "snBuilder")
}
