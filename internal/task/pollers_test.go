package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"cncserver/internal/comp"
	"cncserver/internal/domain"
	"cncserver/internal/moni"
)

func drainRecords(t *testing.T, ch <-chan moni.Record) map[string]moni.Record {
	t.Helper()
	out := make(map[string]moni.Record)
	for {
		select {
		case rec := <-ch:
			out[rec.Name] = rec
		default:
			return out
		}
	}
}

func TestActiveDOMsTaskTotals(t *testing.T) {
	hub1 := &fakeMBean{}
	hub1.set("stringhub", "NumberOfActiveAndTotalChannels", []any{"60L", "64L"})
	hub1.set("stringhub", "TotalLBMOverflows", "2L")
	hub2 := &fakeMBean{}
	hub2.set("stringhub", "NumberOfActiveAndTotalChannels", []any{"40L", "64L"})
	hub2.set("stringhub", "TotalLBMOverflows", "3L")

	comps := []*comp.Component{
		watchComponent("stringHub", 1, 1, hub1),
		watchComponent("stringHub", 2, 1, hub2),
		watchComponent("eventBuilder", 0, 2, &fakeMBean{}),
	}
	bus := moni.NewBus(16)
	ch := bus.Register("capture")
	ad := NewActiveDOMsTask(zap.NewNop().Sugar(), bus, 123, comps, time.Hour)

	ctx := context.Background()
	if err := ad.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	recs := drainRecords(t, ch)
	if got := recs["activeDOMs"].Value; got != int64(100) {
		t.Errorf("activeDOMs = %v", got)
	}
	if got := recs["expectedDOMs"].Value; got != int64(128) {
		t.Errorf("expectedDOMs = %v", got)
	}
	if got := recs["LBMOverflows"].Value; got != int64(5) {
		t.Errorf("LBMOverflows = %v", got)
	}
	if recs["activeDOMs"].Priority != domain.PrioITS {
		t.Errorf("activeDOMs priority = %v", recs["activeDOMs"].Priority)
	}
	if recs["LBMOverflows"].Priority != domain.PrioEmail {
		t.Errorf("LBMOverflows priority = %v", recs["LBMOverflows"].Priority)
	}
	// the event builder is not a hub and must never be polled
	if got := comps[2].MBean().(*fakeMBean).polled("stringhub"); got != 0 {
		t.Errorf("non-hub polled %d times", got)
	}

	// a hub that misses a poll contributes its previous reading
	hub2.mu.Lock()
	hub2.err = errors.New("connection refused")
	hub2.mu.Unlock()
	if err := ad.Check(ctx); err != nil {
		t.Fatalf("second Check: %v", err)
	}
	recs = drainRecords(t, ch)
	if got := recs["activeDOMs"].Value; got != int64(100) {
		t.Errorf("activeDOMs after hub outage = %v", got)
	}
	if got := recs["expectedDOMs"].Value; got != int64(128) {
		t.Errorf("expectedDOMs after hub outage = %v", got)
	}
}

// fakeRates serves canned UpdateRates results.
type fakeRates struct {
	events int64
	rate   float64
	err    error
}

func (f *fakeRates) UpdateRates(ctx context.Context) (int64, float64, error) {
	return f.events, f.rate, f.err
}

func TestRateTaskPublishes(t *testing.T) {
	bus := moni.NewBus(4)
	ch := bus.Register("capture")
	rates := &fakeRates{events: 300, rate: 17.5}
	rt := NewRateTask(zap.NewNop().Sugar(), bus, 123, rates, time.Hour)

	if err := rt.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	recs := drainRecords(t, ch)
	rec, ok := recs["rate"]
	if !ok {
		t.Fatal("no rate record published")
	}
	if rec.Value != 17.5 || rec.Run != 123 {
		t.Errorf("rate record = %+v", rec)
	}

	rates.err = errors.New("no event builder")
	if err := rt.Check(context.Background()); err == nil {
		t.Error("updater failure not surfaced")
	}
	if recs := drainRecords(t, ch); len(recs) != 0 {
		t.Errorf("records published despite failure: %v", recs)
	}
}

func TestMonitorTaskFallsBackOnce(t *testing.T) {
	mbean := &fakeMBean{}
	mbean.set("sender", "NumHitsReceived", int64(5))
	mbean.set("backEnd", "NumEventsSent", int64(7))
	comps := []*comp.Component{watchComponent("stringHub", 1, 1, mbean)}

	bus := moni.NewBus(16)
	ch := bus.Register("capture")
	mt := NewMonitorTask(zap.NewNop().Sugar(), bus, 123, comps, time.Hour)

	ctx := context.Background()
	if err := mt.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	recs := drainRecords(t, ch)
	if len(recs) != 2 {
		t.Fatalf("records = %v", recs)
	}
	for name, rec := range recs {
		if !strings.HasPrefix(name, "stringHub#1:") {
			t.Errorf("record name = %q", name)
		}
		if rec.Priority != domain.PrioSCP {
			t.Errorf("%s priority = %v", name, rec.Priority)
		}
	}

	// a failed sweep republishes the previous snapshot exactly once
	mbean.mu.Lock()
	mbean.err = errors.New("connection refused")
	mbean.mu.Unlock()
	if err := mt.Check(ctx); err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if recs := drainRecords(t, ch); len(recs) != 2 {
		t.Errorf("fallback records = %v", recs)
	}
	if err := mt.Check(ctx); err != nil {
		t.Fatalf("third Check: %v", err)
	}
	if recs := drainRecords(t, ch); len(recs) != 0 {
		t.Errorf("stale snapshot republished: %v", recs)
	}
}
