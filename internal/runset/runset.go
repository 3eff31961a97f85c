package runset

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
	"cncserver/internal/moni"
	"cncserver/internal/task"
)

var (
	// ErrBadState reports an operation attempted outside its legal
	// lifecycle state.
	ErrBadState = errors.New("runset is in the wrong state")
)

// StuckComponentsError lists components that ignored both a stop and a
// forced stop.
type StuckComponentsError struct {
	Names []domain.ComponentName
}

func (e *StuckComponentsError) Error() string {
	return "unkillable components " + domain.FormatComponentList(e.Names)
}

// Options carries construction tunables; zero values take defaults.
type Options struct {
	Logger       *zap.SugaredLogger
	LogDir       string
	Replay       bool
	OpWait       time.Duration
	OpReps       int
	StateTimeout time.Duration
	StopTimeout  time.Duration

	Bus              *moni.Bus
	Watchdog         task.WatchdogConfig
	MonitorPeriod    time.Duration
	RatePeriod       time.Duration
	ActiveDOMsPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.LogDir == "" {
		o.LogDir = "daq-logs"
	}
	if o.OpWait <= 0 {
		o.OpWait = comp.DefaultWait
	}
	if o.OpReps <= 0 {
		o.OpReps = comp.DefaultReps
	}
	if o.StateTimeout <= 0 {
		o.StateTimeout = time.Minute
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 20 * time.Second
	}
	return o
}

// RunSet owns a claimed group of components for the duration of one or
// more runs. All state transitions happen under one mutex; the slow RPC
// fan-outs run outside it against an immutable component slice.
type RunSet struct {
	id     int
	config string
	opts   Options
	logger *zap.SugaredLogger

	comps   []*comp.Component
	connMap map[*comp.Component][]domain.ConnLink

	mu      sync.Mutex
	state   domain.RunSetState
	runData *RunData
	manager *task.Manager
	runStop context.CancelFunc
}

// New builds a runset from already-collected components and drives it to
// ready: wire, connect, order, configure, and for replay configurations
// push a shared hit-time offset. On any failure the caller still owns
// the components and must return them to the pool.
func New(ctx context.Context, id int, configName string, comps []*comp.Component, opts Options) (*RunSet, error) {
	opts = opts.withDefaults()
	rs := &RunSet{
		id:     id,
		config: configName,
		opts:   opts,
		logger: opts.Logger.With("runset", id),
		comps:  comps,
		state:  domain.StateCollecting,
	}

	if err := rs.build(ctx); err != nil {
		rs.setState(domain.StateError)
		return rs, err
	}
	rs.setState(domain.StateReady)
	return rs, nil
}

func (rs *RunSet) build(ctx context.Context) error {
	rs.setState(domain.StateConnecting)
	connMap, err := BuildConnMap(rs.comps)
	if err != nil {
		return err
	}
	rs.connMap = connMap

	if err := rs.runOp(ctx, comp.ConnectOp{Links: connMap}); err != nil {
		return err
	}
	if err := rs.waitForState(ctx, "connected"); err != nil {
		return err
	}
	rs.setState(domain.StateConnected)

	if err := AssignOrder(rs.comps, connMap); err != nil {
		return err
	}

	rs.setState(domain.StateConfiguring)
	if err := rs.runOp(ctx, comp.ConfigureOp{Config: rs.config}); err != nil {
		return err
	}
	if err := rs.waitForState(ctx, "ready"); err != nil {
		return err
	}

	if rs.opts.Replay {
		rs.initReplayHubs(ctx)
	}
	return nil
}

// initReplayHubs aligns replayed hit times with the wall clock. Offset
// pushes are best effort: a hub that misses the offset replays skewed
// data, which is recoverable, while aborting the whole runset is not.
func (rs *RunSet) initReplayHubs(ctx context.Context) {
	var hubs []*comp.Component
	for _, c := range rs.comps {
		if c.IsReplayHub() {
			hubs = append(hubs, c)
		}
	}
	if len(hubs) == 0 {
		return
	}

	results := comp.RunGroup(ctx, comp.GetReplayTimeOp{}, hubs, rs.logger,
		rs.opts.OpWait, rs.opts.OpReps)
	var latest int64
	found := false
	for c, res := range results {
		if res.Status != comp.StatusCompleted {
			rs.logger.Warnw("replay start time unavailable",
				"component", c.Fullname(), "status", res.Status.String(), "error", res.Err)
			continue
		}
		t, ok := res.Value.(int64)
		if !ok {
			continue
		}
		if !found || t > latest {
			latest = t
			found = true
		}
	}
	if !found {
		rs.logger.Warnw("no replay start times; skipping offset")
		return
	}

	nowTicks := time.Now().UnixNano() * 10
	offset := nowTicks - latest
	offResults := comp.RunGroup(ctx, comp.SetReplayOffsetOp{Offset: offset}, hubs,
		rs.logger, rs.opts.OpWait, rs.opts.OpReps)
	for c, res := range offResults {
		if res.Status != comp.StatusCompleted {
			rs.logger.Warnw("replay offset not applied",
				"component", c.Fullname(), "status", res.Status.String(), "error", res.Err)
		}
	}
	rs.logger.Infow("replay offset pushed", "offsetTicks", offset, "hubs", len(hubs))
}

func (rs *RunSet) ID() int            { return rs.id }
func (rs *RunSet) ConfigName() string { return rs.config }

func (rs *RunSet) State() domain.RunSetState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

func (rs *RunSet) setState(s domain.RunSetState) {
	rs.mu.Lock()
	prev := rs.state
	rs.state = s
	rs.mu.Unlock()
	if prev != s {
		rs.logger.Infow("state change", "from", string(prev), "to", string(s))
	}
}

// Components snapshots the owned components.
func (rs *RunSet) Components() []*comp.Component {
	out := make([]*comp.Component, len(rs.comps))
	copy(out, rs.comps)
	return out
}

// RunNumber reports the active run, or 0 between runs.
func (rs *RunSet) RunNumber() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.runData == nil {
		return 0
	}
	return rs.runData.RunNumber
}

// RunData exposes the active run's counters, or nil between runs.
func (rs *RunSet) RunData() *RunData {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.runData
}

// Health reports the watchdog meter of the active run, or -1 when no
// run is in flight.
func (rs *RunSet) Health() int {
	rs.mu.Lock()
	manager := rs.manager
	rs.mu.Unlock()
	if manager == nil {
		return -1
	}
	for _, t := range manager.Tasks() {
		if wt, ok := t.(*task.WatchdogTask); ok {
			return wt.Health()
		}
	}
	return -1
}

// SetRunError marks the runset failed. It only flips state: recovery is
// the server monitor loop's job, so a watchdog goroutine never tears
// down the run it is inspecting.
func (rs *RunSet) SetRunError(msg string) {
	rs.mu.Lock()
	already := rs.state == domain.StateError
	rs.state = domain.StateError
	rd := rs.runData
	rs.mu.Unlock()

	if already {
		return
	}
	rs.logger.Errorw("run error", "detail", msg)
	if rd != nil {
		rd.Dash().Errorw("run error", "detail", msg)
	}
}

// StartRun drives ready -> starting -> running. Components start rank by
// rank in ascending topological order, hubs first, so every consumer's
// producers are live before it sees data. Ranks start concurrently
// within themselves.
func (rs *RunSet) StartRun(ctx context.Context, runNumber int) error {
	rs.mu.Lock()
	if rs.state != domain.StateReady {
		state := rs.state
		rs.mu.Unlock()
		return fmt.Errorf("%w: start from %q", ErrBadState, string(state))
	}
	rs.state = domain.StateStarting
	rs.mu.Unlock()
	rs.logger.Infow("state change", "from", "ready", "to", "starting")

	rd, err := NewRunData(rs.opts.LogDir, runNumber, rs.config, rs.comps)
	if err != nil {
		rs.setState(domain.StateError)
		return err
	}
	rd.Dash().Infow("starting run", "run", runNumber, "config", rs.config)

	for _, rank := range rs.ranks(true) {
		if err := rs.runOpOn(ctx, comp.StartRunOp{RunNumber: runNumber}, rank); err != nil {
			_ = rd.Finish(string(domain.StateError))
			rs.setState(domain.StateError)
			return err
		}
	}
	if err := rs.waitForState(ctx, "running"); err != nil {
		_ = rd.Finish(string(domain.StateError))
		rs.setState(domain.StateError)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	manager := rs.newManager(rd, runNumber)
	manager.Start(runCtx)

	rs.mu.Lock()
	rs.runData = rd
	rs.manager = manager
	rs.runStop = cancel
	rs.state = domain.StateRunning
	rs.mu.Unlock()
	rs.logger.Infow("state change", "from", "starting", "to", "running")
	rd.Dash().Infow("run started", "run", runNumber)
	return nil
}

func (rs *RunSet) newManager(rd *RunData, runNumber int) *task.Manager {
	dash := rd.Dash()
	tasks := []task.Task{
		task.NewWatchdogTask(dash, rs, rs.comps, rs.opts.Watchdog),
		task.NewRateTask(dash, rs.opts.Bus, runNumber, rd, rs.opts.RatePeriod),
	}
	if rs.opts.Bus != nil {
		tasks = append(tasks,
			task.NewMonitorTask(dash, rs.opts.Bus, runNumber, rs.comps, rs.opts.MonitorPeriod),
			task.NewActiveDOMsTask(dash, rs.opts.Bus, runNumber, rs.comps, rs.opts.ActiveDOMsPeriod),
		)
	}
	return task.NewManager(rs.logger, tasks...)
}

// StopRun drives the runset back to ready. Components stop rank by rank
// in descending order so the hubs drain last; stragglers get a forced
// stop, and components that survive even that are reported by name.
func (rs *RunSet) StopRun(ctx context.Context, caller string) error {
	rs.mu.Lock()
	switch rs.state {
	case domain.StateRunning, domain.StateError:
	default:
		state := rs.state
		rs.mu.Unlock()
		return fmt.Errorf("%w: stop from %q", ErrBadState, string(state))
	}
	rs.state = domain.StateStopping
	rd := rs.runData
	manager := rs.manager
	cancel := rs.runStop
	rs.runData = nil
	rs.manager = nil
	rs.runStop = nil
	rs.mu.Unlock()
	rs.logger.Infow("stopping run", "caller", caller)

	if manager != nil {
		if err := manager.Close(); err != nil {
			rs.logger.Warnw("task close failed", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if rd != nil {
		rd.Dash().Infow("stopping run", "run", rd.RunNumber, "caller", caller)
	}

	stopErr := rs.stopComponents(ctx)

	finalState := domain.StateReady
	if stopErr != nil {
		finalState = domain.StateError
	}
	if rd != nil {
		if err := rd.Finish(string(finalState)); err != nil {
			rs.logger.Warnw("close run data", "error", err)
		}
	}
	rs.setState(finalState)
	return stopErr
}

func (rs *RunSet) stopComponents(ctx context.Context) error {
	for _, rank := range rs.ranks(false) {
		if err := rs.runOpOn(ctx, comp.StopRunOp{}, rank); err != nil {
			rs.logger.Warnw("stop dispatch failed", "error", err)
		}
	}

	stuck, err := rs.waitForStopped(ctx, rs.opts.StopTimeout)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}

	rs.setState(domain.StateForcingStop)
	rs.logger.Warnw("forcing stop", "components", compNames(stuck))
	results := comp.RunGroup(ctx, comp.ForcedStopOp{}, stuck, rs.logger,
		rs.opts.OpWait, rs.opts.OpReps)
	for c, res := range results {
		if res.Status != comp.StatusCompleted {
			rs.logger.Errorw("forced stop failed",
				"component", c.Fullname(), "status", res.Status.String(), "error", res.Err)
		}
	}

	stuck, err = rs.waitForStopped(ctx, rs.opts.StopTimeout)
	if err != nil {
		return err
	}
	if len(stuck) > 0 {
		names := make([]domain.ComponentName, 0, len(stuck))
		for _, c := range stuck {
			names = append(names, c.ComponentName)
		}
		domainSort(names)
		return &StuckComponentsError{Names: names}
	}
	return nil
}

func domainSort(names []domain.ComponentName) {
	sort.Slice(names, func(i, j int) bool {
		if names[i].Name != names[j].Name {
			return names[i].Name < names[j].Name
		}
		return names[i].Num < names[j].Num
	})
}

// waitForStopped polls until every component reports ready or the budget
// runs out, returning whoever is still running.
func (rs *RunSet) waitForStopped(ctx context.Context, budget time.Duration) ([]*comp.Component, error) {
	deadline := time.Now().Add(budget)
	for {
		states := comp.CollectStates(ctx, rs.comps, rs.logger, rs.opts.OpWait, rs.opts.OpReps)
		var stuck []*comp.Component
		for c, state := range states {
			if state != "ready" && state != "idle" {
				stuck = append(stuck, c)
			}
		}
		if len(stuck) == 0 || time.Now().After(deadline) {
			return stuck, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// SwitchRun rolls every component onto a new run number without a stop.
func (rs *RunSet) SwitchRun(ctx context.Context, runNumber int) error {
	rs.mu.Lock()
	if rs.state != domain.StateRunning {
		state := rs.state
		rs.mu.Unlock()
		return fmt.Errorf("%w: switch from %q", ErrBadState, string(state))
	}
	oldData := rs.runData
	rs.mu.Unlock()

	if err := rs.runOp(ctx, comp.SwitchRunOp{RunNumber: runNumber}); err != nil {
		return err
	}

	rd, err := NewRunData(rs.opts.LogDir, runNumber, rs.config, rs.comps)
	if err != nil {
		return err
	}
	rd.Dash().Infow("switched run", "run", runNumber, "config", rs.config)

	runCtx, cancel := context.WithCancel(context.Background())
	manager := rs.newManager(rd, runNumber)

	rs.mu.Lock()
	oldManager := rs.manager
	oldCancel := rs.runStop
	rs.runData = rd
	rs.manager = manager
	rs.runStop = cancel
	rs.mu.Unlock()

	if oldManager != nil {
		if err := oldManager.Close(); err != nil {
			rs.logger.Warnw("task close failed", "error", err)
		}
	}
	if oldCancel != nil {
		oldCancel()
	}
	if oldData != nil {
		if err := oldData.Finish("switched"); err != nil {
			rs.logger.Warnw("close run data", "error", err)
		}
	}
	manager.Start(runCtx)
	return nil
}

// Destroy tears the runset down. The caller owns returning the
// components to the pool; a runset being destroyed for a restart
// discards them instead.
func (rs *RunSet) Destroy(ctx context.Context) error {
	rs.mu.Lock()
	state := rs.state
	rs.mu.Unlock()

	if state == domain.StateRunning || state == domain.StateError {
		if err := rs.StopRun(ctx, "Destroy"); err != nil {
			rs.logger.Warnw("stop during destroy failed", "error", err)
		}
	}

	if err := rs.runOp(ctx, comp.ResetOp{}); err != nil {
		rs.logger.Warnw("reset during destroy failed", "error", err)
	}
	for _, c := range rs.comps {
		c.ClearOrder()
	}
	rs.setState(domain.StateDestroyed)
	return nil
}

// ranks groups components by topological order. asc=true yields hubs
// first.
func (rs *RunSet) ranks(asc bool) [][]*comp.Component {
	byOrder := make(map[int][]*comp.Component)
	for _, c := range rs.comps {
		byOrder[c.Order()] = append(byOrder[c.Order()], c)
	}
	orders := make([]int, 0, len(byOrder))
	for o := range byOrder {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	if !asc {
		for i, j := 0, len(orders)-1; i < j; i, j = i+1, j-1 {
			orders[i], orders[j] = orders[j], orders[i]
		}
	}
	out := make([][]*comp.Component, 0, len(orders))
	for _, o := range orders {
		out = append(out, byOrder[o])
	}
	return out
}

func (rs *RunSet) runOp(ctx context.Context, op comp.Operation) error {
	return rs.runOpOn(ctx, op, rs.comps)
}

// runOpOn fans an operation out and fails on any non-completed result.
func (rs *RunSet) runOpOn(ctx context.Context, op comp.Operation, comps []*comp.Component) error {
	results := comp.RunGroup(ctx, op, comps, rs.logger, rs.opts.OpWait, rs.opts.OpReps)
	var bad []string
	var firstErr error
	for c, res := range results {
		if res.Status == comp.StatusCompleted {
			continue
		}
		bad = append(bad, fmt.Sprintf("%s(%s)", c.Fullname(), res.Status))
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	if firstErr != nil {
		return fmt.Errorf("%s failed for %v: %w", op.Name(), bad, firstErr)
	}
	return fmt.Errorf("%s failed for %v", op.Name(), bad)
}

// waitForState polls until every component reports the wanted state.
func (rs *RunSet) waitForState(ctx context.Context, want string) error {
	deadline := time.Now().Add(rs.opts.StateTimeout)
	for {
		states := comp.CollectStates(ctx, rs.comps, rs.logger, rs.opts.OpWait, rs.opts.OpReps)
		var laggards []string
		for c, state := range states {
			if state != want {
				laggards = append(laggards, fmt.Sprintf("%s=%s", c.Fullname(), state))
			}
		}
		if len(laggards) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			sort.Strings(laggards)
			return fmt.Errorf("timed out waiting for %q: %v", want, laggards)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
