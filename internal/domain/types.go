package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type RunSetState string

const (
	StateUnknown     RunSetState = "unknown"
	StateIdle        RunSetState = "idle"
	StateCollecting  RunSetState = "collecting"
	StateConnecting  RunSetState = "connecting"
	StateConnected   RunSetState = "connected"
	StateConfiguring RunSetState = "configuring"
	StateReady       RunSetState = "ready"
	StateStarting    RunSetState = "starting"
	StateRunning     RunSetState = "running"
	StateStopping    RunSetState = "stopping"
	StateForcingStop RunSetState = "forcingStop"
	StateDestroyed   RunSetState = "destroyed"
	StateError       RunSetState = "error"
)

func (s RunSetState) IsFinal() bool {
	return s == StateDestroyed
}

type ConnectorKind string

const (
	ConnectorInput          ConnectorKind = "input"
	ConnectorOptionalInput  ConnectorKind = "optionalInput"
	ConnectorOutput         ConnectorKind = "output"
	ConnectorOptionalOutput ConnectorKind = "optionalOutput"
)

func (k ConnectorKind) IsInput() bool {
	return k == ConnectorInput || k == ConnectorOptionalInput
}

func (k ConnectorKind) IsOptional() bool {
	return k == ConnectorOptionalInput || k == ConnectorOptionalOutput
}

// Connector is one named input or output endpoint exposed by a component.
type Connector struct {
	Name string        `json:"name"`
	Kind ConnectorKind `json:"kind"`
	Port int           `json:"port"`
}

// ConnLink is one resolved peer entry pushed to a component at connect time.
type ConnLink struct {
	Type string `json:"type"`
	Name string `json:"compName"`
	Num  int    `json:"compNum"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ComponentName identifies a component by name and instance number.
type ComponentName struct {
	Name string `json:"name"`
	Num  int    `json:"num"`
}

func (cn ComponentName) Fullname() string {
	if cn.Num == 0 {
		return cn.Name
	}
	return fmt.Sprintf("%s#%d", cn.Name, cn.Num)
}

func (cn ComponentName) String() string {
	return cn.Fullname()
}

// ParseComponentName accepts "name", "name#num" and "name-num" forms.
func ParseComponentName(s string) (ComponentName, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ComponentName{}, fmt.Errorf("empty component name")
	}
	for _, sep := range []string{"#", "-"} {
		idx := strings.LastIndex(s, sep)
		if idx <= 0 || idx == len(s)-1 {
			continue
		}
		num, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			continue
		}
		return ComponentName{Name: s[:idx], Num: num}, nil
	}
	return ComponentName{Name: s}, nil
}

// FormatComponentList renders a component name list for log messages,
// collapsing instance numbers of identical names into ranges
// (e.g. "stringHub#1-3,5 eventBuilder").
func FormatComponentList(names []ComponentName) string {
	byName := map[string][]int{}
	order := []string{}
	for _, cn := range names {
		if _, ok := byName[cn.Name]; !ok {
			order = append(order, cn.Name)
		}
		byName[cn.Name] = append(byName[cn.Name], cn.Num)
	}

	parts := make([]string, 0, len(order))
	for _, name := range order {
		nums := byName[name]
		if len(nums) == 1 && nums[0] == 0 {
			parts = append(parts, name)
			continue
		}
		sort.Ints(nums)
		parts = append(parts, name+"#"+formatRanges(nums))
	}
	return strings.Join(parts, " ")
}

func formatRanges(nums []int) string {
	var b strings.Builder
	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] == nums[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j > i {
			fmt.Fprintf(&b, "%d-%d", nums[i], nums[j])
		} else {
			fmt.Fprintf(&b, "%d", nums[i])
		}
		i = j + 1
	}
	return b.String()
}

// MoniPriority classifies monitoring records by urgency.
type MoniPriority string

const (
	// PrioITS is for high-importance records sent over the satellite link.
	PrioITS MoniPriority = "its"
	// PrioEmail is for records delivered in daily digests.
	PrioEmail MoniPriority = "email"
	// PrioSCP is for bulk low-frequency records copied north later.
	PrioSCP MoniPriority = "scp"
)

// UnhealthyRecord is one watchdog finding, carrying the topological rank
// of the component it implicates so the most upstream problem sorts first.
type UnhealthyRecord struct {
	Message string
	Order   int
}

func (u UnhealthyRecord) String() string {
	return fmt.Sprintf("#%d: %s", u.Order, u.Message)
}

// SortUnhealthy orders records ascending by rank, ties by message.
func SortUnhealthy(records []UnhealthyRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Order != records[j].Order {
			return records[i].Order < records[j].Order
		}
		return records[i].Message < records[j].Message
	})
}

// Run is the persisted record of one run.
type Run struct {
	RunNumber  int       `json:"run_number"`
	RunSetID   int       `json:"runset_id"`
	ConfigName string    `json:"config_name"`
	State      string    `json:"state"`
	NumEvents  int64     `json:"num_events"`
	NumMoni    int64     `json:"num_moni"`
	NumSN      int64     `json:"num_sn"`
	NumTcal    int64     `json:"num_tcal"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
}

// RunEvent is one persisted control-plane event tied to a run.
type RunEvent struct {
	ID        string    `json:"id"`
	RunNumber int       `json:"run_number"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
