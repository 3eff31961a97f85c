package comp

import (
	"context"

	"cncserver/internal/domain"
)

// Operation is one remote command or query dispatched to a component.
// The set of operations is closed: each kind is a struct carrying its
// typed arguments, so a dispatch can never mix payloads.
type Operation interface {
	Name() string
	Execute(ctx context.Context, c *Component) (any, error)
}

type ConfigureOp struct {
	Config string
}

func (ConfigureOp) Name() string { return "Configure" }

func (op ConfigureOp) Execute(ctx context.Context, c *Component) (any, error) {
	return nil, c.Remote().Configure(ctx, op.Config)
}

// ConnectOp pushes each component's resolved peer list. Components with
// no entry connect with their static defaults.
type ConnectOp struct {
	Links map[*Component][]domain.ConnLink
}

func (ConnectOp) Name() string { return "Connect" }

func (op ConnectOp) Execute(ctx context.Context, c *Component) (any, error) {
	return nil, c.Remote().Connect(ctx, op.Links[c])
}

type ResetOp struct{}

func (ResetOp) Name() string { return "Reset" }

func (ResetOp) Execute(ctx context.Context, c *Component) (any, error) {
	return nil, c.Remote().Reset(ctx)
}

type StartRunOp struct {
	RunNumber int
}

func (StartRunOp) Name() string { return "StartRun" }

func (op StartRunOp) Execute(ctx context.Context, c *Component) (any, error) {
	return nil, c.Remote().StartRun(ctx, op.RunNumber)
}

type StopRunOp struct{}

func (StopRunOp) Name() string { return "StopRun" }

func (StopRunOp) Execute(ctx context.Context, c *Component) (any, error) {
	return nil, c.Remote().StopRun(ctx)
}

type ForcedStopOp struct{}

func (ForcedStopOp) Name() string { return "ForcedStop" }

func (ForcedStopOp) Execute(ctx context.Context, c *Component) (any, error) {
	return nil, c.Remote().ForcedStop(ctx)
}

type SwitchRunOp struct {
	RunNumber int
}

func (SwitchRunOp) Name() string { return "SwitchRun" }

func (op SwitchRunOp) Execute(ctx context.Context, c *Component) (any, error) {
	return nil, c.Remote().SwitchToNewRun(ctx, op.RunNumber)
}

type GetStateOp struct{}

func (GetStateOp) Name() string { return "GetState" }

func (GetStateOp) Execute(ctx context.Context, c *Component) (any, error) {
	return c.Remote().State(ctx)
}

type GetSingleBeanOp struct {
	Bean  string
	Field string
}

func (GetSingleBeanOp) Name() string { return "GetSingleBean" }

func (op GetSingleBeanOp) Execute(ctx context.Context, c *Component) (any, error) {
	return c.MBean().Get(ctx, op.Bean, op.Field)
}

type GetMultiBeanOp struct {
	Bean   string
	Fields []string
}

func (GetMultiBeanOp) Name() string { return "GetMultiBean" }

func (op GetMultiBeanOp) Execute(ctx context.Context, c *Component) (any, error) {
	return c.MBean().GetAttributes(ctx, op.Bean, op.Fields)
}

type GetReplayTimeOp struct{}

func (GetReplayTimeOp) Name() string { return "GetReplayTime" }

func (GetReplayTimeOp) Execute(ctx context.Context, c *Component) (any, error) {
	return c.Remote().ReplayStartTime(ctx)
}

type SetReplayOffsetOp struct {
	Offset int64
}

func (SetReplayOffsetOp) Name() string { return "SetReplayOffset" }

func (op SetReplayOffsetOp) Execute(ctx context.Context, c *Component) (any, error) {
	return nil, c.Remote().SetReplayOffset(ctx, op.Offset)
}
