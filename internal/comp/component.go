package comp

import (
	"context"
	"strings"
	"sync"

	"cncserver/internal/domain"
)

// OrderUnset marks a component whose topological rank has not been
// computed yet.
const OrderUnset = -1

// deadPingLimit is the number of consecutive failed health pings before
// a pooled component is considered dead.
const deadPingLimit = 3

// Remote is the opaque RPC surface exposed by every DAQ component.
// Production components are reached over the wire; tests plug in fakes.
type Remote interface {
	Configure(ctx context.Context, config string) error
	Connect(ctx context.Context, links []domain.ConnLink) error
	Reset(ctx context.Context) error
	StartRun(ctx context.Context, runNumber int) error
	StopRun(ctx context.Context) error
	ForcedStop(ctx context.Context) error
	SwitchToNewRun(ctx context.Context, runNumber int) error
	State(ctx context.Context) (string, error)
	ReplayStartTime(ctx context.Context) (int64, error)
	SetReplayOffset(ctx context.Context, offset int64) error
	Close() error
}

// MBeanClient polls named status beans on one component.
type MBeanClient interface {
	Get(ctx context.Context, bean, field string) (any, error)
	GetAttributes(ctx context.Context, bean string, fields []string) (map[string]any, error)
	GetDictionary(ctx context.Context) (map[string]map[string]any, error)
}

// Component is one remote DAQ process, owned either by the free pool or
// by exactly one RunSet.
type Component struct {
	domain.ComponentName

	Host       string
	Connectors []domain.Connector

	remote Remote
	mbean  MBeanClient

	mu        sync.Mutex
	order     int
	deadCount int
}

func New(name domain.ComponentName, host string, connectors []domain.Connector, remote Remote, mbean MBeanClient) *Component {
	return &Component{
		ComponentName: name,
		Host:          host,
		Connectors:    connectors,
		remote:        remote,
		mbean:         mbean,
		order:         OrderUnset,
	}
}

func (c *Component) Remote() Remote {
	return c.remote
}

func (c *Component) MBean() MBeanClient {
	return c.mbean
}

// IsSource reports whether this component sits at the bottom of the
// data-flow topology (string or replay hubs).
func (c *Component) IsSource() bool {
	return strings.HasSuffix(strings.ToLower(c.Name), "hub")
}

// IsBuilder reports whether this component assembles final events.
func (c *Component) IsBuilder() bool {
	return strings.HasSuffix(c.Name, "Builder") || strings.HasSuffix(c.Name, "Builders")
}

func (c *Component) IsReplayHub() bool {
	return c.Name == "replayHub"
}

func (c *Component) Matches(other *Component) bool {
	return c.Name == other.Name && c.Num == other.Num
}

func (c *Component) Order() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order
}

func (c *Component) SetOrder(order int) {
	c.mu.Lock()
	c.order = order
	c.mu.Unlock()
}

func (c *Component) ClearOrder() {
	c.SetOrder(OrderUnset)
}

// AddDeadCount records one failed health ping.
func (c *Component) AddDeadCount() {
	c.mu.Lock()
	c.deadCount++
	c.mu.Unlock()
}

func (c *Component) ResetDeadCount() {
	c.mu.Lock()
	c.deadCount = 0
	c.mu.Unlock()
}

func (c *Component) DeadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadCount
}

// IsDead reports whether the component has missed enough consecutive
// health pings to be dropped from the pool.
func (c *Component) IsDead() bool {
	return c.DeadCount() >= deadPingLimit
}

func (c *Component) Close() error {
	if c.remote == nil {
		return nil
	}
	return c.remote.Close()
}
