package runset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"cncserver/internal/comp"
)

// ticksPerSecond is the DAQ clock resolution (0.1 ns ticks).
const ticksPerSecond = int64(10000000000)

// maxRateSamples bounds the sliding window used for the rate calculation.
const maxRateSamples = 100

type rateSample struct {
	ticks  int64
	events int64
}

// RunData tracks one run's identity, counters and per-run dashboard log.
// The dash log is what winterover operators tail during a run, so every
// lifecycle transition and health complaint lands there as well as in
// the server log.
type RunData struct {
	RunNumber  int
	ConfigName string
	StartTime  time.Time

	dash    *zap.SugaredLogger
	closeFn func() error

	eventBuilder *comp.Component
	secondary    *comp.Component

	mu      sync.Mutex
	events  int64
	moni    int64
	sn      int64
	tcal    int64
	rate    float64
	samples []rateSample
}

// NewRunData creates the run directory under logDir and opens the
// rotating dash log inside it.
func NewRunData(logDir string, runNumber int, configName string, comps []*comp.Component) (*RunData, error) {
	runDir := filepath.Join(logDir, fmt.Sprintf("run%06d", runNumber))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(runDir, "dash.log"),
		MaxSize:    50,
		MaxBackups: 5,
		Compress:   true,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)
	dash := zap.New(core).Sugar()

	rd := &RunData{
		RunNumber:  runNumber,
		ConfigName: configName,
		StartTime:  time.Now().UTC(),
		dash:       dash,
		closeFn:    rotator.Close,
	}
	for _, c := range comps {
		switch c.Name {
		case "eventBuilder":
			rd.eventBuilder = c
		case "secondaryBuilders":
			rd.secondary = c
		}
	}
	return rd, nil
}

// Dash is the per-run dashboard logger.
func (rd *RunData) Dash() *zap.SugaredLogger {
	return rd.dash
}

// EventCounts snapshots the current counters.
func (rd *RunData) EventCounts() (events, moni, sn, tcal int64) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.events, rd.moni, rd.sn, rd.tcal
}

// Rate reports the most recently computed event rate in Hz.
func (rd *RunData) Rate() float64 {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.rate
}

// UpdateRates polls the builders for fresh counters and recomputes the
// event rate over the sliding sample window. Without an event builder
// in the runset there is nothing to count.
func (rd *RunData) UpdateRates(ctx context.Context) (int64, float64, error) {
	if rd.eventBuilder == nil {
		return 0, 0, nil
	}

	value, err := rd.eventBuilder.MBean().Get(ctx, "backEnd", "EventData")
	if err != nil {
		return 0, 0, fmt.Errorf("poll event data: %w", err)
	}
	triple, ok := value.([]any)
	if !ok || len(triple) < 3 {
		return 0, 0, fmt.Errorf("unexpected event data shape %v", value)
	}
	runNum, _ := comp.UnfixInt64(triple[0])
	numEvents, okE := comp.UnfixInt64(triple[1])
	lastTicks, okT := comp.UnfixInt64(triple[2])
	if !okE || !okT {
		return 0, 0, fmt.Errorf("non-numeric event data %v", value)
	}
	if int(runNum) != rd.RunNumber {
		// stale data from the previous run during a switch
		rd.mu.Lock()
		ev, rate := rd.events, rd.rate
		rd.mu.Unlock()
		return ev, rate, nil
	}

	moni, sn, tcal := rd.pollSecondary(ctx)

	rd.mu.Lock()
	rd.events = numEvents
	if moni >= 0 {
		rd.moni = moni
	}
	if sn >= 0 {
		rd.sn = sn
	}
	if tcal >= 0 {
		rd.tcal = tcal
	}
	rd.samples = append(rd.samples, rateSample{ticks: lastTicks, events: numEvents})
	if len(rd.samples) > maxRateSamples {
		rd.samples = rd.samples[len(rd.samples)-maxRateSamples:]
	}
	if len(rd.samples) >= 2 {
		first := rd.samples[0]
		last := rd.samples[len(rd.samples)-1]
		dticks := last.ticks - first.ticks
		if dticks > 0 {
			rd.rate = float64(last.events-first.events) /
				(float64(dticks) / float64(ticksPerSecond))
		}
	}
	events, rate := rd.events, rd.rate
	rd.mu.Unlock()

	return events, rate, nil
}

func (rd *RunData) pollSecondary(ctx context.Context) (moni, sn, tcal int64) {
	moni, sn, tcal = -1, -1, -1
	if rd.secondary == nil {
		return
	}
	beans := map[string]*int64{
		"moniBuilder": &moni,
		"snBuilder":   &sn,
		"tcalBuilder": &tcal,
	}
	for bean, out := range beans {
		value, err := rd.secondary.MBean().Get(ctx, bean, "TotalDispatchedData")
		if err != nil {
			continue
		}
		if n, ok := comp.UnfixInt64(value); ok {
			*out = n
		}
	}
	return
}

// Finish logs the end-of-run summary and closes the dash log.
func (rd *RunData) Finish(state string) error {
	events, moni, sn, tcal := rd.EventCounts()
	duration := time.Since(rd.StartTime).Round(time.Second)
	rd.dash.Infow("run finished",
		"run", rd.RunNumber,
		"state", state,
		"duration", duration.String(),
		"events", events,
		"moni", moni,
		"sn", sn,
		"tcal", tcal,
	)
	_ = rd.dash.Sync()
	if rd.closeFn != nil {
		return rd.closeFn()
	}
	return nil
}
