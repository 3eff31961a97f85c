package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cncserver/internal/domain"
	"cncserver/internal/moni"
)

const DefaultRatePeriod = 5 * time.Minute

// RateUpdater recomputes a run's event counts and rates from the
// builders. The runset's run data implements it.
type RateUpdater interface {
	UpdateRates(ctx context.Context) (events int64, rate float64, err error)
}

// RateTask periodically refreshes the physics event rate, logging it to
// the dash log and publishing it for external consumers.
type RateTask struct {
	logger  *zap.SugaredLogger
	timer   *IntervalTimer
	bus     *moni.Bus
	run     int
	updater RateUpdater
}

func NewRateTask(logger *zap.SugaredLogger, bus *moni.Bus, run int, updater RateUpdater, period time.Duration) *RateTask {
	if period <= 0 {
		period = DefaultRatePeriod
	}
	return &RateTask{
		logger:  logger,
		timer:   NewIntervalTimer("Rate", period),
		bus:     bus,
		run:     run,
		updater: updater,
	}
}

func (t *RateTask) Name() string          { return "Rate" }
func (t *RateTask) Timer() *IntervalTimer { return t.timer }
func (t *RateTask) Close() error          { return nil }

func (t *RateTask) Check(ctx context.Context) error {
	events, rate, err := t.updater.UpdateRates(ctx)
	if err != nil {
		return err
	}
	t.logger.Infow("rate update", "events", events, "rate", rate)
	if t.bus != nil {
		rec := moni.Record{
			Run:      t.run,
			Name:     "rate",
			Priority: domain.PrioITS,
			Time:     time.Now(),
			Value:    rate,
		}
		if err := t.bus.Publish(rec); err != nil {
			t.logger.Debugw("rate record dropped", "error", err)
		}
	}
	return nil
}
