package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cncserver/internal/comp"
	"cncserver/internal/config"
	"cncserver/internal/domain"
	"cncserver/internal/moni"
	"cncserver/internal/pool"
	"cncserver/internal/runset"
	"cncserver/internal/store/sqlite"
	"cncserver/internal/task"
)

var (
	ErrUnknownRunset = errors.New("unknown runset")
	ErrUnknownConfig = errors.New("unknown run configuration")
)

// Server is the control point for the component pool and every live
// runset. It owns the registry of runsets, hands out ids and run
// numbers, and runs the background monitor loop that pings pooled
// components and recovers error-state runsets.
type Server struct {
	logger *zap.SugaredLogger
	cfg    config.Config
	pool   *pool.Pool
	store  *sqlite.Store
	bus    *moni.Bus

	mu      sync.Mutex
	runsets map[int]*runset.RunSet
	nextID  int
	nextRun int
	builds  map[int]context.CancelFunc
}

func New(logger *zap.SugaredLogger, cfg config.Config, store *sqlite.Store, bus *moni.Bus) *Server {
	return &Server{
		logger:  logger,
		cfg:     cfg,
		pool:    pool.New(logger),
		store:   store,
		bus:     bus,
		runsets: make(map[int]*runset.RunSet),
		nextID:  1,
		builds:  make(map[int]context.CancelFunc),
	}
}

func (s *Server) Pool() *pool.Pool { return s.pool }

// RegisterComponent adds a freshly announced component to the pool,
// wiring its RPC and MBean clients.
func (s *Server) RegisterComponent(name domain.ComponentName, host string, port, mbeanPort int, connectors []domain.Connector) *comp.Component {
	timeout := time.Duration(s.cfg.Timings.RPCTimeoutMS) * time.Millisecond
	remote := comp.NewHTTPRemote(name, host, port, timeout)
	mbean := comp.NewHTTPMBeanClient(name, host, mbeanPort, timeout)
	c := comp.New(name, host, connectors, remote, mbean)
	s.pool.Add(c)
	s.logger.Infow("component registered",
		"component", name.Fullname(), "host", host, "port", port)
	return c
}

// MakeRunset collects the components a run configuration names and
// builds a ready runset from them. The build is cancellable through
// BreakBuild; any failure returns every claimed component to the pool
// before the error surfaces, so a runset is never half-made.
func (s *Server) MakeRunset(ctx context.Context, configName string) (*runset.RunSet, error) {
	rc, ok := s.cfg.FindRunConfig(configName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConfig, configName)
	}
	names := make([]domain.ComponentName, 0, len(rc.Components))
	for _, raw := range rc.Components {
		name, err := domain.ParseComponentName(raw)
		if err != nil {
			return nil, fmt.Errorf("run configuration %q: %w", configName, err)
		}
		names = append(names, name)
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	buildCtx, cancel := context.WithCancel(ctx)
	s.builds[id] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.builds, id)
		s.mu.Unlock()
	}()

	timings := s.cfg.Timings
	comps, err := s.pool.Collect(buildCtx, names,
		time.Duration(timings.CollectTimeoutMS)*time.Millisecond,
		time.Duration(timings.CollectPollMS)*time.Millisecond)
	if err != nil {
		s.reportStartFailure(id, configName, err)
		return nil, err
	}

	rs, err := runset.New(buildCtx, id, configName, comps, runset.Options{
		Logger:           s.logger,
		LogDir:           s.cfg.Server.LogDir,
		Replay:           rc.Replay,
		OpWait:           time.Duration(timings.OpWaitMS) * time.Millisecond,
		OpReps:           timings.OpReps,
		StateTimeout:     time.Duration(timings.StateChangeTimeoutMS) * time.Millisecond,
		StopTimeout:      time.Duration(timings.StopTimeoutMS) * time.Millisecond,
		Bus:              s.bus,
		Watchdog:         s.watchdogConfig(),
		MonitorPeriod:    time.Duration(s.cfg.Monitor.PeriodMS) * time.Millisecond,
		RatePeriod:       time.Duration(s.cfg.Rate.PeriodMS) * time.Millisecond,
		ActiveDOMsPeriod: time.Duration(s.cfg.ActiveDOMs.PeriodMS) * time.Millisecond,
	})
	if err != nil {
		s.pool.Return(comps)
		s.reportStartFailure(id, configName, err)
		return nil, err
	}

	s.mu.Lock()
	s.runsets[id] = rs
	s.mu.Unlock()
	s.logger.Infow("runset ready", "runset", id, "config", configName,
		"components", len(comps))
	return rs, nil
}

func (s *Server) watchdogConfig() task.WatchdogConfig {
	w := s.cfg.Watchdog
	return task.WatchdogConfig{
		Period:        time.Duration(w.PeriodMS) * time.Millisecond,
		NumUnchanged:  w.NumUnchanged,
		HealthFull:    w.HealthFull,
		NumHealthMsgs: w.NumHealthMsgs,
		InitialHealth: w.InitialHealth,
		MinDiskMB:     int64(w.MinDiskSpaceMB),
	}
}

func (s *Server) reportStartFailure(id int, configName string, cause error) {
	s.logger.Errorw("runset build failed",
		"runset", id, "config", configName, "error", cause)
	if s.bus != nil {
		_ = s.bus.Publish(moni.Record{
			Name:     "runStartFailure",
			Priority: domain.PrioEmail,
			Time:     time.Now(),
			Value: map[string]any{
				"runset": id,
				"config": configName,
				"error":  cause.Error(),
			},
		})
	}
}

// BreakBuild cancels an in-flight MakeRunset collect.
func (s *Server) BreakBuild(id int) bool {
	s.mu.Lock()
	cancel, ok := s.builds[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) Runset(id int) (*runset.RunSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runsets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRunset, id)
	}
	return rs, nil
}

// Runsets snapshots the live runsets sorted by id.
func (s *Server) Runsets() []*runset.RunSet {
	s.mu.Lock()
	out := make([]*runset.RunSet, 0, len(s.runsets))
	for _, rs := range s.runsets {
		out = append(out, rs)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// StartRun allocates the next run number and starts a run on the given
// runset, persisting the run record and a start event.
func (s *Server) StartRun(ctx context.Context, id int) (int, error) {
	rs, err := s.Runset(id)
	if err != nil {
		return 0, err
	}

	runNumber, err := s.allocateRunNumber(ctx)
	if err != nil {
		return 0, err
	}

	if err := rs.StartRun(ctx, runNumber); err != nil {
		s.reportStartFailure(id, rs.ConfigName(), err)
		return 0, err
	}

	if err := s.store.CreateRun(ctx, domain.Run{
		RunNumber:  runNumber,
		RunSetID:   id,
		ConfigName: rs.ConfigName(),
		State:      string(domain.StateRunning),
	}); err != nil {
		s.logger.Errorw("persist run", "run", runNumber, "error", err)
	}
	s.logRunEvent(ctx, runNumber, "server", "start",
		fmt.Sprintf("run %d started on runset %d", runNumber, id))
	return runNumber, nil
}

func (s *Server) allocateRunNumber(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextRun == 0 {
		last, err := s.store.LastRunNumber(ctx)
		if err != nil {
			return 0, err
		}
		s.nextRun = last + 1
	}
	n := s.nextRun
	s.nextRun++
	return n, nil
}

// StopRun stops the runset's active run and persists the final counts.
func (s *Server) StopRun(ctx context.Context, id int, caller string) error {
	rs, err := s.Runset(id)
	if err != nil {
		return err
	}
	runNumber := rs.RunNumber()
	rd := rs.RunData()

	stopErr := rs.StopRun(ctx, caller)

	if runNumber > 0 && rd != nil {
		events, moniCount, sn, tcal := rd.EventCounts()
		state := string(domain.StateReady)
		if stopErr != nil {
			state = string(domain.StateError)
		}
		if err := s.store.FinishRun(ctx, domain.Run{
			RunNumber: runNumber,
			State:     state,
			NumEvents: events,
			NumMoni:   moniCount,
			NumSN:     sn,
			NumTcal:   tcal,
		}); err != nil {
			s.logger.Errorw("persist run finish", "run", runNumber, "error", err)
		}
		s.logRunEvent(ctx, runNumber, caller, "stop",
			fmt.Sprintf("run %d stopped with %d events", runNumber, events))
	}
	return stopErr
}

// SwitchRun rolls a running runset onto a fresh run number.
func (s *Server) SwitchRun(ctx context.Context, id int) (int, error) {
	rs, err := s.Runset(id)
	if err != nil {
		return 0, err
	}
	oldRun := rs.RunNumber()
	oldData := rs.RunData()

	runNumber, err := s.allocateRunNumber(ctx)
	if err != nil {
		return 0, err
	}
	if err := rs.SwitchRun(ctx, runNumber); err != nil {
		return 0, err
	}

	if oldRun > 0 && oldData != nil {
		events, moniCount, sn, tcal := oldData.EventCounts()
		if err := s.store.FinishRun(ctx, domain.Run{
			RunNumber: oldRun,
			State:     "switched",
			NumEvents: events,
			NumMoni:   moniCount,
			NumSN:     sn,
			NumTcal:   tcal,
		}); err != nil {
			s.logger.Errorw("persist run finish", "run", oldRun, "error", err)
		}
	}
	if err := s.store.CreateRun(ctx, domain.Run{
		RunNumber:  runNumber,
		RunSetID:   id,
		ConfigName: rs.ConfigName(),
		State:      string(domain.StateRunning),
	}); err != nil {
		s.logger.Errorw("persist run", "run", runNumber, "error", err)
	}
	s.logRunEvent(ctx, runNumber, "server", "switch",
		fmt.Sprintf("switched runset %d from run %d to %d", id, oldRun, runNumber))
	return runNumber, nil
}

// BreakRunset destroys a runset and returns its components to the pool.
func (s *Server) BreakRunset(ctx context.Context, id int) error {
	rs, err := s.Runset(id)
	if err != nil {
		return err
	}

	destroyErr := rs.Destroy(ctx)
	s.pool.Return(rs.Components())

	s.mu.Lock()
	delete(s.runsets, id)
	s.mu.Unlock()
	s.logger.Infow("runset broken", "runset", id)
	return destroyErr
}

func (s *Server) logRunEvent(ctx context.Context, runNumber int, source, kind, message string) {
	ev := domain.RunEvent{
		ID:        uuid.NewString(),
		RunNumber: runNumber,
		Source:    source,
		Kind:      kind,
		Message:   message,
	}
	if err := s.store.LogRunEvent(ctx, ev); err != nil {
		s.logger.Warnw("persist run event", "run", runNumber, "error", err)
	}
}

// Monitor pings free components and recovers error-state runsets until
// the context ends. It runs on its own goroutine.
func (s *Server) Monitor(ctx context.Context) {
	interval := time.Duration(s.cfg.Timings.MonitorLoopMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingPool(ctx)
			s.recoverErrorRunsets(ctx)
		}
	}
}

// pingPool checks every free component's state; components that miss
// several consecutive pings are reaped.
func (s *Server) pingPool(ctx context.Context) {
	comps := s.pool.Components()
	if len(comps) == 0 {
		return
	}
	results := comp.RunGroup(ctx, comp.GetStateOp{}, comps, s.logger,
		time.Duration(s.cfg.Timings.OpWaitMS)*time.Millisecond, s.cfg.Timings.OpReps)
	for c, res := range results {
		if res.Status == comp.StatusCompleted {
			c.ResetDeadCount()
		} else {
			c.AddDeadCount()
		}
	}
	if dead := s.pool.Reap(); len(dead) > 0 {
		s.logger.Warnw("reaped dead components", "components", dead)
	}
}

// recoverErrorRunsets applies the restart policy to failed runsets: stop
// whatever still responds, break the runset, and return the survivors to
// the pool so the next start can reuse them.
func (s *Server) recoverErrorRunsets(ctx context.Context) {
	for _, rs := range s.Runsets() {
		if rs.State() != domain.StateError {
			continue
		}
		id := rs.ID()
		runNumber := rs.RunNumber()
		s.logger.Errorw("recovering failed runset", "runset", id, "run", runNumber)
		if runNumber > 0 {
			if err := s.StopRun(ctx, id, "monitor"); err != nil {
				s.logger.Warnw("stop during recovery failed", "runset", id, "error", err)
			}
			s.logRunEvent(ctx, runNumber, "monitor", "error-recovery",
				fmt.Sprintf("runset %d recovered after error", id))
		}
		if err := s.BreakRunset(ctx, id); err != nil {
			s.logger.Warnw("break during recovery failed", "runset", id, "error", err)
		}
	}
}
