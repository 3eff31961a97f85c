package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server     ServerConfig   `toml:"server"`
	Timings    TimingConfig   `toml:"timings"`
	Watchdog   WatchdogConfig `toml:"watchdog"`
	Monitor    PeriodicConfig `toml:"monitor"`
	Rate       PeriodicConfig `toml:"rate"`
	ActiveDOMs PeriodicConfig `toml:"active_doms"`
	RunConfigs []RunConfig    `toml:"run_config"`
	Raw        map[string]any `toml:"-"`
	Path       string         `toml:"-"`
}

type ServerConfig struct {
	Addr     string `toml:"addr"`
	DBPath   string `toml:"db_path"`
	LogDir   string `toml:"log_dir"`
	SpadeDir string `toml:"spade_dir"`
}

// TimingConfig carries every tunable delay, in milliseconds so the TOML
// stays integer-valued.
type TimingConfig struct {
	CollectTimeoutMS     int `toml:"collect_timeout_ms"`
	CollectPollMS        int `toml:"collect_poll_ms"`
	OpWaitMS             int `toml:"op_wait_ms"`
	OpReps               int `toml:"op_reps"`
	StateChangeTimeoutMS int `toml:"state_change_timeout_ms"`
	StopTimeoutMS        int `toml:"stop_timeout_ms"`
	RPCTimeoutMS         int `toml:"rpc_timeout_ms"`
	MonitorLoopMS        int `toml:"monitor_loop_ms"`
}

type WatchdogConfig struct {
	PeriodMS       int `toml:"period_ms"`
	NumUnchanged   int `toml:"num_unchanged"`
	HealthFull     int `toml:"health_meter_full"`
	NumHealthMsgs  int `toml:"num_health_msgs"`
	InitialHealth  int `toml:"initial_health"`
	MinDiskSpaceMB int `toml:"min_disk_space_mb"`
}

type PeriodicConfig struct {
	PeriodMS int  `toml:"period_ms"`
	Disabled bool `toml:"disabled"`
}

// RunConfig names one selectable detector configuration. It replaces the
// XML cluster descriptions: each entry lists the components a runset
// built from it must claim, plus whether it drives replay hubs.
type RunConfig struct {
	Name       string   `toml:"name"`
	Components []string `toml:"components"`
	Replay     bool     `toml:"replay"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg.WithDefaults(), nil
}

// WithDefaults fills any zero-valued tunable with its production default.
func (c Config) WithDefaults() Config {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "cncserver.db"
	}
	if c.Server.LogDir == "" {
		c.Server.LogDir = "daq-logs"
	}
	if c.Timings.CollectTimeoutMS <= 0 {
		c.Timings.CollectTimeoutMS = 5000
	}
	if c.Timings.CollectPollMS <= 0 {
		c.Timings.CollectPollMS = 100
	}
	if c.Timings.OpWaitMS <= 0 {
		c.Timings.OpWaitMS = 2000
	}
	if c.Timings.OpReps <= 0 {
		c.Timings.OpReps = 4
	}
	if c.Timings.StateChangeTimeoutMS <= 0 {
		c.Timings.StateChangeTimeoutMS = 60000
	}
	if c.Timings.StopTimeoutMS <= 0 {
		c.Timings.StopTimeoutMS = 20000
	}
	if c.Timings.RPCTimeoutMS <= 0 {
		c.Timings.RPCTimeoutMS = 10000
	}
	if c.Timings.MonitorLoopMS <= 0 {
		c.Timings.MonitorLoopMS = 1000
	}
	if c.Watchdog.PeriodMS <= 0 {
		c.Watchdog.PeriodMS = 10000
	}
	if c.Watchdog.NumUnchanged <= 0 {
		c.Watchdog.NumUnchanged = 3
	}
	if c.Watchdog.HealthFull <= 0 {
		c.Watchdog.HealthFull = 9
	}
	if c.Watchdog.NumHealthMsgs <= 0 {
		c.Watchdog.NumHealthMsgs = 3
	}
	if c.Watchdog.InitialHealth <= 0 {
		// above full so a slow startup burns grace before real health
		c.Watchdog.InitialHealth = c.Watchdog.HealthFull + 3
	}
	if c.Watchdog.MinDiskSpaceMB <= 0 {
		c.Watchdog.MinDiskSpaceMB = 1024
	}
	if c.Monitor.PeriodMS <= 0 {
		c.Monitor.PeriodMS = 100000
	}
	if c.Rate.PeriodMS <= 0 {
		c.Rate.PeriodMS = 300000
	}
	if c.ActiveDOMs.PeriodMS <= 0 {
		c.ActiveDOMs.PeriodMS = 60000
	}
	return c
}

// FindRunConfig resolves a named detector configuration.
func (c Config) FindRunConfig(name string) (RunConfig, bool) {
	for _, rc := range c.RunConfigs {
		if rc.Name == name {
			return rc, true
		}
	}
	return RunConfig{}, false
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cncserver/config.toml"
	}
	return filepath.Join(home, ".cncserver", "config.toml")
}
