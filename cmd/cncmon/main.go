package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"cncserver/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type runsetView struct {
	ID     int     `json:"id"`
	Config string  `json:"config"`
	State  string  `json:"state"`
	Run    int     `json:"run"`
	Health int     `json:"health"`
	Events int64   `json:"events"`
	Rate   float64 `json:"rate"`
}

type componentView struct {
	Name      string `json:"name"`
	Num       int    `json:"num"`
	Host      string `json:"host"`
	DeadCount int    `json:"dead_count"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "cncserver base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "cncserver health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsetsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsetsTable.SetTitle("Runsets (F5 refresh, F10 quit)").SetBorder(true)

	componentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	componentsView.SetTitle("Free Components").SetBorder(true)

	runsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	runsView.SetTitle("Recent Runs").SetBorder(true)

	commandInput := tview.NewInputField().
		SetLabel("Command: ")
	commandInput.SetBorder(true).
		SetTitle("make <config> | start <id> | stop <id> | switch <id> | break <id>")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus command",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(componentsView, 0, 1, false).
		AddItem(runsView, 0, 1, false)

	mainLayout := tview.NewFlex().
		AddItem(runsetsTable, 0, 2, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(commandInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		runsets, rsErr := c.listRunsets()
		comps, compErr := c.listComponents()
		runs, runErr := c.listRuns(15)
		app.QueueUpdateDraw(func() {
			if rsErr != nil {
				runsetsTable.Clear()
				runsetsTable.SetCell(0, 0, tview.NewTableCell(
					fmt.Sprintf("load error: %v", rsErr)).
					SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			} else {
				renderRunsetsTable(runsetsTable, runsets)
			}
			if compErr != nil {
				componentsView.SetText(fmt.Sprintf("error: %v", compErr))
			} else {
				componentsView.SetText(renderComponents(comps))
			}
			if runErr != nil {
				runsView.SetText(fmt.Sprintf("error: %v", runErr))
			} else {
				runsView.SetText(renderRuns(runs))
			}
		})
	}

	submitCommand := func(raw string) {
		fields := strings.Fields(strings.TrimSpace(raw))
		if len(fields) == 0 {
			return
		}
		commandInput.SetText("")
		setStatusUI("Running: " + strings.Join(fields, " "))
		go func() {
			msg, err := c.runCommand(fields)
			if err != nil {
				setStatusAsync("Failed: " + err.Error())
				return
			}
			refresh()
			setStatusAsync(msg)
		}()
	}

	commandInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitCommand(commandInput.GetText())
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == commandInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(runsetsTable)
				setStatusUI("Focus -> runsets")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			setStatusUI("Manual refresh requested")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(commandInput)
			setStatusUI("Focus -> command")
			return nil
		case tcell.KeyEscape, tcell.KeyTAB:
			app.SetFocus(commandInput)
			return nil
		case tcell.KeyRune:
			app.SetFocus(commandInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(commandInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cncmon failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) runCommand(fields []string) (string, error) {
	verb := strings.ToLower(fields[0])
	if verb == "make" {
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: make <config>")
		}
		var rs runsetView
		err := c.postJSON("/runsets", map[string]any{"config": fields[1]}, &rs)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Runset %d ready (%s)", rs.ID, rs.State), nil
	}

	if len(fields) != 2 {
		return "", fmt.Errorf("usage: %s <runset-id>", verb)
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", fmt.Errorf("bad runset id %q", fields[1])
	}

	switch verb {
	case "start":
		var out struct {
			Run int `json:"run"`
		}
		if err := c.postJSON(fmt.Sprintf("/runsets/%d/start", id), map[string]any{}, &out); err != nil {
			return "", err
		}
		return fmt.Sprintf("Run %d started on runset %d", out.Run, id), nil
	case "stop":
		if err := c.postJSON(fmt.Sprintf("/runsets/%d/stop", id), map[string]any{}, nil); err != nil {
			return "", err
		}
		return fmt.Sprintf("Runset %d stopped", id), nil
	case "switch":
		var out struct {
			Run int `json:"run"`
		}
		if err := c.postJSON(fmt.Sprintf("/runsets/%d/switch", id), map[string]any{}, &out); err != nil {
			return "", err
		}
		return fmt.Sprintf("Runset %d switched to run %d", id, out.Run), nil
	case "break":
		if err := c.deleteJSON(fmt.Sprintf("/runsets/%d", id)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Runset %d broken", id), nil
	default:
		return "", fmt.Errorf("unknown command %q", verb)
	}
}

func renderRunsetsTable(table *tview.Table, runsets []runsetView) {
	table.Clear()
	headers := []string{"ID", "Config", "State", "Run", "Health", "Events", "Rate"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).
			SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, rs := range runsets {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(strconv.Itoa(rs.ID)))
		table.SetCell(row, 1, tview.NewTableCell(rs.Config))
		table.SetCell(row, 2, tview.NewTableCell(rs.State))
		if rs.Run > 0 {
			table.SetCell(row, 3, tview.NewTableCell(strconv.Itoa(rs.Run)))
			table.SetCell(row, 4, tview.NewTableCell(strconv.Itoa(rs.Health)))
			table.SetCell(row, 5, tview.NewTableCell(strconv.FormatInt(rs.Events, 10)))
			table.SetCell(row, 6, tview.NewTableCell(fmt.Sprintf("%.1f Hz", rs.Rate)))
		} else {
			for col := 3; col <= 6; col++ {
				table.SetCell(row, col, tview.NewTableCell("-"))
			}
		}
	}
}

func renderComponents(comps []componentView) string {
	if len(comps) == 0 {
		return "No free components"
	}
	var b strings.Builder
	for _, c := range comps {
		name := c.Name
		if c.Num > 0 {
			name = fmt.Sprintf("%s#%d", c.Name, c.Num)
		}
		b.WriteString(fmt.Sprintf("%-24s %s", name, c.Host))
		if c.DeadCount > 0 {
			b.WriteString(fmt.Sprintf("  missed=%d", c.DeadCount))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderRuns(runs []domain.Run) string {
	if len(runs) == 0 {
		return "No recorded runs"
	}
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(fmt.Sprintf(
			"run %d  %s  %s  events=%d\n",
			r.RunNumber,
			r.StartedAt.Format("01-02 15:04"),
			r.State,
			r.NumEvents,
		))
	}
	return b.String()
}

func (c *client) listRunsets() ([]runsetView, error) {
	var out []runsetView
	if err := c.getJSON("/runsets", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listComponents() ([]componentView, error) {
	var out []componentView
	if err := c.getJSON("/components", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listRuns(limit int) ([]domain.Run, error) {
	var out []domain.Run
	if err := c.getJSON(fmt.Sprintf("/runs?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *client) deleteJSON(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
