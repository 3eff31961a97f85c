package comp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"cncserver/internal/domain"
)

// httpRemote reaches a component's control endpoint over JSON/HTTP.
// The wire format is a single POST per call: {"method": ..., "params": ...}
// answered with {"result": ...} or {"error": ...}.
type httpRemote struct {
	name   string
	base   string
	client *http.Client
}

// NewHTTPRemote builds the production Remote for a component registered
// at host:port.
func NewHTTPRemote(name domain.ComponentName, host string, port int, timeout time.Duration) Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpRemote{
		name:   name.Fullname(),
		base:   fmt.Sprintf("http://%s:%d/rpc", host, port),
		client: &http.Client{Timeout: timeout},
	}
}

// NewHTTPMBeanClient polls the component's MBean endpoint, decoding
// string-encoded numeric values on the way in.
func NewHTTPMBeanClient(name domain.ComponentName, host string, port int, timeout time.Duration) MBeanClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpMBean{
		name:   name.Fullname(),
		base:   fmt.Sprintf("http://%s:%d/mbean", host, port),
		client: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r *httpRemote) call(ctx context.Context, method string, params any, out any) error {
	return doCall(ctx, r.client, r.base, r.name, method, params, out)
}

func doCall(ctx context.Context, client *http.Client, base, name, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return &LoadError{Comp: name, Op: method, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(body))
	if err != nil {
		return &LoadError{Comp: name, Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if isNetTimeout(err) {
			return &TimeoutError{Comp: name, Op: method, Err: err}
		}
		return &LoadError{Comp: name, Op: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &LoadError{Comp: name, Op: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &LoadError{Comp: name, Op: method,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return &LoadError{Comp: name, Op: method, Err: err}
	}
	if rpcResp.Error != "" {
		return fmt.Errorf("%s(%s): %s", method, name, rpcResp.Error)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return &LoadError{Comp: name, Op: method, Err: err}
		}
	}
	return nil
}

func isNetTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *httpRemote) Configure(ctx context.Context, config string) error {
	return r.call(ctx, "configure", map[string]string{"config": config}, nil)
}

func (r *httpRemote) Connect(ctx context.Context, links []domain.ConnLink) error {
	return r.call(ctx, "connect", map[string]any{"links": links}, nil)
}

func (r *httpRemote) Reset(ctx context.Context) error {
	return r.call(ctx, "reset", nil, nil)
}

func (r *httpRemote) StartRun(ctx context.Context, runNumber int) error {
	return r.call(ctx, "startRun", map[string]int{"runNumber": runNumber}, nil)
}

func (r *httpRemote) StopRun(ctx context.Context) error {
	return r.call(ctx, "stopRun", nil, nil)
}

func (r *httpRemote) ForcedStop(ctx context.Context) error {
	return r.call(ctx, "forcedStop", nil, nil)
}

func (r *httpRemote) SwitchToNewRun(ctx context.Context, runNumber int) error {
	return r.call(ctx, "switchToNewRun", map[string]int{"runNumber": runNumber}, nil)
}

func (r *httpRemote) State(ctx context.Context) (string, error) {
	var state string
	if err := r.call(ctx, "getState", nil, &state); err != nil {
		return "", err
	}
	return state, nil
}

func (r *httpRemote) ReplayStartTime(ctx context.Context) (int64, error) {
	// string-encoded to survive 32-bit transports
	var raw string
	if err := r.call(ctx, "getReplayStartTime", nil, &raw); err != nil {
		return 0, err
	}
	n, ok := UnfixInt64(raw)
	if !ok {
		return 0, &LoadError{Comp: r.name, Op: "getReplayStartTime",
			Err: fmt.Errorf("non-numeric start time %q", raw)}
	}
	return n, nil
}

func (r *httpRemote) SetReplayOffset(ctx context.Context, offset int64) error {
	return r.call(ctx, "setReplayOffset",
		map[string]string{"offset": fmt.Sprintf("%dL", offset)}, nil)
}

func (r *httpRemote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

type httpMBean struct {
	name   string
	base   string
	client *http.Client
}

func (m *httpMBean) call(ctx context.Context, method string, params any, out any) error {
	return doCall(ctx, m.client, m.base, m.name, method, params, out)
}

func (m *httpMBean) Get(ctx context.Context, bean, field string) (any, error) {
	var raw any
	err := m.call(ctx, "get", map[string]string{"bean": bean, "field": field}, &raw)
	if err != nil {
		return nil, err
	}
	return UnfixValue(raw), nil
}

func (m *httpMBean) GetAttributes(ctx context.Context, bean string, fields []string) (map[string]any, error) {
	var raw map[string]any
	err := m.call(ctx, "getAttributes", map[string]any{"bean": bean, "fields": fields}, &raw)
	if err != nil {
		return nil, err
	}
	for k, v := range raw {
		raw[k] = UnfixValue(v)
	}
	return raw, nil
}

func (m *httpMBean) GetDictionary(ctx context.Context) (map[string]map[string]any, error) {
	var raw map[string]map[string]any
	if err := m.call(ctx, "getDictionary", nil, &raw); err != nil {
		return nil, err
	}
	for _, bean := range raw {
		for k, v := range bean {
			bean[k] = UnfixValue(v)
		}
	}
	return raw, nil
}
