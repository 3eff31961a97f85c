package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cncserver/internal/comp"
	"cncserver/internal/domain"
)

// fakeMBean serves canned bean attributes and records which beans were
// polled.
type fakeMBean struct {
	mu    sync.Mutex
	attrs map[string]map[string]any
	err   error
	polls []string
}

func (f *fakeMBean) Get(ctx context.Context, bean, field string) (any, error) {
	values, err := f.GetAttributes(ctx, bean, []string{field})
	if err != nil {
		return nil, err
	}
	return values[field], nil
}

func (f *fakeMBean) GetAttributes(ctx context.Context, bean string, fields []string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, bean)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		if v, ok := f.attrs[bean][field]; ok {
			out[field] = v
		}
	}
	return out, nil
}

func (f *fakeMBean) GetDictionary(ctx context.Context) (map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs, f.err
}

func (f *fakeMBean) set(bean, field string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attrs == nil {
		f.attrs = make(map[string]map[string]any)
	}
	if f.attrs[bean] == nil {
		f.attrs[bean] = make(map[string]any)
	}
	f.attrs[bean][field] = value
}

func (f *fakeMBean) polled(bean string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.polls {
		if b == bean {
			n++
		}
	}
	return n
}

type fakeAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAlerter) SetRunError(msg string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
}

func (a *fakeAlerter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func watchComponent(name string, num, order int, mbean comp.MBeanClient) *comp.Component {
	c := comp.New(domain.ComponentName{Name: name, Num: num}, "localhost", nil, nil, mbean)
	c.SetOrder(order)
	return c
}

func TestValueWatcherStagnation(t *testing.T) {
	cfg := WatchdogConfig{NumUnchanged: 3}.withDefaults()
	w := newValueWatcher("stringHub#1", "eventBuilder", "sender", "NumReadoutsSent", 1, cfg)

	if rec := w.check(int64(5)); rec != nil {
		t.Fatalf("baseline reading flagged: %v", rec)
	}
	for i := 0; i < 2; i++ {
		if rec := w.check(int64(5)); rec != nil {
			t.Fatalf("flagged after %d repeats: %v", i+1, rec)
		}
	}
	rec := w.check(int64(5))
	if rec == nil {
		t.Fatal("stagnant counter not flagged")
	}
	if !strings.Contains(rec.Message, "is not changing from 5") {
		t.Errorf("message = %q", rec.Message)
	}

	// a growing counter clears the stagnation streak
	if rec := w.check(int64(6)); rec != nil {
		t.Errorf("increase flagged: %v", rec)
	}
	if rec := w.check(int64(6)); rec != nil {
		t.Errorf("single repeat after reset flagged: %v", rec)
	}
}

func TestValueWatcherDecreaseIsImmediate(t *testing.T) {
	cfg := WatchdogConfig{}.withDefaults()
	w := newValueWatcher("stringHub#1", "eventBuilder", "sender", "NumReadoutsSent", 1, cfg)

	w.check(int64(10))
	rec := w.check(int64(7))
	if rec == nil {
		t.Fatal("decrease not flagged")
	}
	if !strings.Contains(rec.Message, "decreased (10->7)") {
		t.Errorf("message = %q", rec.Message)
	}
}

func TestValueWatcherListReadings(t *testing.T) {
	cfg := WatchdogConfig{}.withDefaults()
	w := newValueWatcher("stringHub#1", "eventBuilder", "sender", "NumReadoutsSent", 1, cfg)

	w.check([]any{"1L", "2L"})
	if rec := w.check([]any{"1L", "3L"}); rec != nil {
		t.Errorf("per-element growth flagged: %v", rec)
	}
	if rec := w.check([]any{"0L", "4L"}); rec == nil {
		t.Error("dropped element not flagged as decrease")
	}
	if rec := w.check([]any{"0L"}); rec == nil {
		t.Error("length change not flagged")
	}
}

func TestThresholdWatcher(t *testing.T) {
	disk := &thresholdWatcher{
		comp: "eventBuilder", bean: "backEnd", fieldName: "DiskAvailable",
		rank: 3, threshold: 1024, lessThan: true,
	}
	if rec := disk.check(int64(2048)); rec != nil {
		t.Errorf("healthy disk flagged: %v", rec)
	}
	rec := disk.check("512L")
	if rec == nil {
		t.Fatal("low disk not flagged")
	}
	if !strings.Contains(rec.Message, "below 1024 (value=512)") {
		t.Errorf("message = %q", rec.Message)
	}

	bad := &thresholdWatcher{
		comp: "eventBuilder", bean: "backEnd", fieldName: "NumBadEvents",
		rank: 3, threshold: 0, lessThan: false,
	}
	if rec := bad.check(int64(0)); rec != nil {
		t.Errorf("zero bad events flagged: %v", rec)
	}
	if rec := bad.check(int64(2)); rec == nil {
		t.Error("bad events not flagged")
	}
}

func TestWatchDataSkipsOutputsWhenInputsBad(t *testing.T) {
	cfg := WatchdogConfig{NumUnchanged: 1}.withDefaults()
	mbean := &fakeMBean{}
	mbean.set("sender", "NumHitsReceived", int64(5))
	mbean.set("out", "NumReadoutsSent", int64(1))
	c := watchComponent("stringHub", 1, 1, mbean)

	wd := newWatchData(c)
	wd.addInput(newValueWatcher("dom", "stringHub#1", "sender", "NumHitsReceived", 0, cfg), "sender")
	wd.addOutput(newValueWatcher("stringHub#1", "eventBuilder", "out", "NumReadoutsSent", 1, cfg), "out")

	ctx := context.Background()

	// healthy pass polls both beans
	if recs := wd.check(ctx); len(recs) != 0 {
		t.Fatalf("baseline pass flagged: %v", recs)
	}
	if got := mbean.polled("out"); got != 1 {
		t.Fatalf("output bean polled %d times", got)
	}

	// input goes stagnant; the output must not be blamed
	recs := wd.check(ctx)
	if len(recs) != 1 {
		t.Fatalf("records = %v", recs)
	}
	if !strings.Contains(recs[0].Message, "NumHitsReceived") {
		t.Errorf("wrong record: %v", recs[0])
	}
	if got := mbean.polled("out"); got != 1 {
		t.Errorf("output bean polled while inputs unhealthy (%d polls)", got)
	}
}

func TestWatchDataFlagsRPCFailure(t *testing.T) {
	cfg := WatchdogConfig{}.withDefaults()
	mbean := &fakeMBean{err: errors.New("connection refused")}
	c := watchComponent("stringHub", 1, 4, mbean)

	wd := newWatchData(c)
	wd.addInput(newValueWatcher("dom", "stringHub#1", "sender", "NumHitsReceived", 0, cfg), "sender")

	recs := wd.check(context.Background())
	if len(recs) != 1 {
		t.Fatalf("records = %v", recs)
	}
	if recs[0].Order != 4 {
		t.Errorf("failure recorded at order %d, want component order", recs[0].Order)
	}
	if !strings.Contains(recs[0].Message, "check failed") {
		t.Errorf("message = %q", recs[0].Message)
	}
}

func TestWatchdogHealthMeter(t *testing.T) {
	// unreachable component, so every check produces a record
	mbean := &fakeMBean{err: errors.New("connection refused")}
	alerter := &fakeAlerter{}
	cfg := WatchdogConfig{
		Period:        time.Hour,
		NumUnchanged:  1,
		HealthFull:    2,
		NumHealthMsgs: 1,
		InitialHealth: 3,
		MinDiskMB:     1,
	}
	wt := NewWatchdogTask(zap.NewNop().Sugar(), alerter,
		[]*comp.Component{watchComponent("stringHub", 1, 1, mbean)}, cfg)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := wt.Check(ctx); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if alerter.calls() != 0 {
			t.Fatalf("alert fired early at check %d (health=%d)", i, wt.Health())
		}
	}
	if wt.Health() != 1 {
		t.Fatalf("health = %d after draining", wt.Health())
	}

	// the zero crossing fires the alert exactly once
	_ = wt.Check(ctx)
	if wt.Health() != 0 {
		t.Fatalf("health = %d at the zero crossing", wt.Health())
	}
	if alerter.calls() != 1 {
		t.Fatalf("alert fired %d times", alerter.calls())
	}
	_ = wt.Check(ctx)
	if alerter.calls() != 1 {
		t.Errorf("alert re-fired on later checks")
	}
	if len(wt.LastUnhealthy()) != 1 {
		t.Errorf("last records = %v", wt.LastUnhealthy())
	}

	// recovery climbs one point per healthy check and caps at full
	mbean.mu.Lock()
	mbean.err = nil
	mbean.mu.Unlock()
	mbean.set("sender", "NumHitsReceived", int64(1))
	reading := int64(1)
	for i := 0; i < 5; i++ {
		reading++
		mbean.set("sender", "NumHitsReceived", reading)
		mbean.set("sender", "NumReadoutRequestsReceived", reading)
		mbean.set("sender", "NumReadoutsSent", reading)
		_ = wt.Check(ctx)
	}
	if wt.Health() != cfg.HealthFull {
		t.Errorf("health = %d after recovery, want %d", wt.Health(), cfg.HealthFull)
	}
}

func TestWatchdogStartupGraceSnapsToFull(t *testing.T) {
	mbean := &fakeMBean{}
	reading := int64(1)
	mbean.set("sender", "NumHitsReceived", reading)
	mbean.set("sender", "NumReadoutRequestsReceived", reading)
	mbean.set("sender", "NumReadoutsSent", reading)

	cfg := WatchdogConfig{Period: time.Hour, HealthFull: 9, InitialHealth: 12}
	wt := NewWatchdogTask(zap.NewNop().Sugar(), nil,
		[]*comp.Component{watchComponent("stringHub", 1, 1, mbean)}, cfg)

	if wt.Health() != 12 {
		t.Fatalf("initial health = %d", wt.Health())
	}
	reading++
	mbean.set("sender", "NumHitsReceived", reading)
	mbean.set("sender", "NumReadoutRequestsReceived", reading)
	mbean.set("sender", "NumReadoutsSent", reading)
	if err := wt.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if wt.Health() != 9 {
		t.Errorf("health = %d after first healthy check, want ceiling", wt.Health())
	}
}

// blockingMBean stalls every attribute fetch until released.
type blockingMBean struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingMBean) Get(ctx context.Context, bean, field string) (any, error) {
	values, err := b.GetAttributes(ctx, bean, []string{field})
	if err != nil {
		return nil, err
	}
	return values[field], nil
}

func (b *blockingMBean) GetAttributes(ctx context.Context, bean string, fields []string) (map[string]any, error) {
	b.calls.Add(1)
	<-b.release
	return nil, errors.New("released")
}

func (b *blockingMBean) GetDictionary(ctx context.Context) (map[string]map[string]any, error) {
	return nil, errors.New("unsupported")
}

func TestWatchdogHangingChecksDecrement(t *testing.T) {
	mbean := &blockingMBean{release: make(chan struct{})}
	defer close(mbean.release)
	alerter := &fakeAlerter{}
	cfg := WatchdogConfig{
		Period:        20 * time.Millisecond,
		HealthFull:    2,
		NumHealthMsgs: 1,
		InitialHealth: 3,
		MinDiskMB:     1,
	}
	wt := NewWatchdogTask(zap.NewNop().Sugar(), alerter,
		[]*comp.Component{watchComponent("stringHub", 1, 1, mbean)}, cfg)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := wt.Check(ctx); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if wt.Health() != 1 {
		t.Fatalf("health = %d, hanging ticks must burn the meter", wt.Health())
	}
	if alerter.calls() != 0 {
		t.Fatalf("alert fired before the meter ran out")
	}

	// a component that hangs forever still kills the run
	if err := wt.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if wt.Health() != 0 {
		t.Errorf("health = %d at the zero crossing", wt.Health())
	}
	if alerter.calls() != 1 {
		t.Errorf("alert fired %d times", alerter.calls())
	}
	// the stuck component is dispatched once and then skipped
	if got := mbean.calls.Load(); got != 1 {
		t.Errorf("component polled %d times while hanging", got)
	}
}

func TestWatchdogLogsRecoveryOnce(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mbean := &fakeMBean{err: errors.New("connection refused")}
	cfg := WatchdogConfig{
		Period:        time.Hour,
		NumUnchanged:  1,
		HealthFull:    3,
		NumHealthMsgs: 1,
		InitialHealth: 3,
		MinDiskMB:     1,
	}
	wt := NewWatchdogTask(zap.New(core).Sugar(), &fakeAlerter{},
		[]*comp.Component{watchComponent("stringHub", 1, 1, mbean)}, cfg)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := wt.Check(ctx); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if wt.Health() != 1 {
		t.Fatalf("health = %d after draining", wt.Health())
	}

	mbean.mu.Lock()
	mbean.err = nil
	mbean.mu.Unlock()
	reading := int64(0)
	for i := 0; i < 3; i++ {
		reading++
		mbean.set("sender", "NumHitsReceived", reading)
		mbean.set("sender", "NumReadoutRequestsReceived", reading)
		mbean.set("sender", "NumReadoutsSent", reading)
		if err := wt.Check(ctx); err != nil {
			t.Fatalf("healthy check %d: %v", i, err)
		}
	}
	if got := logs.FilterMessage("run is healthy again").Len(); got != 1 {
		t.Errorf("recovery logged %d times, want exactly once", got)
	}
}

func TestBuildWatchRulesCoverage(t *testing.T) {
	comps := []*comp.Component{
		watchComponent("stringHub", 1, 1, &fakeMBean{}),
		watchComponent("inIceTrigger", 0, 2, &fakeMBean{}),
		watchComponent("globalTrigger", 0, 3, &fakeMBean{}),
		watchComponent("eventBuilder", 0, 4, &fakeMBean{}),
		watchComponent("secondaryBuilders", 0, 4, &fakeMBean{}),
	}
	cfg := WatchdogConfig{}.withDefaults()
	data := buildWatchRules(comps, cfg)
	if len(data) != len(comps) {
		t.Fatalf("rules built for %d of %d components", len(data), len(comps))
	}

	// rule sets come back sorted by topological order
	for i := 1; i < len(data); i++ {
		if data[i-1].comp.Order() > data[i].comp.Order() {
			t.Errorf("rules out of order: %s before %s",
				data[i-1].comp.Fullname(), data[i].comp.Fullname())
		}
	}

	byName := make(map[string]*watchData)
	for _, wd := range data {
		byName[wd.comp.Name] = wd
	}
	if len(byName["eventBuilder"].thresholds["backEnd"]) != 2 {
		t.Error("eventBuilder disk and bad-event thresholds missing")
	}
	if len(byName["stringHub"].inputs["sender"]) != 2 {
		t.Error("hub input rules missing")
	}
	if len(byName["secondaryBuilders"].outputs) != 2 {
		t.Error("secondary builder dispatch rules missing")
	}
}
