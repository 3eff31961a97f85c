package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	if cfg.Server.Addr != ":8080" || cfg.Server.DBPath != "cncserver.db" ||
		cfg.Server.LogDir != "daq-logs" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Timings.CollectTimeoutMS != 5000 || cfg.Timings.OpReps != 4 ||
		cfg.Timings.StopTimeoutMS != 20000 {
		t.Errorf("timing defaults = %+v", cfg.Timings)
	}
	if cfg.Watchdog.HealthFull != 9 || cfg.Watchdog.InitialHealth != 12 ||
		cfg.Watchdog.MinDiskSpaceMB != 1024 {
		t.Errorf("watchdog defaults = %+v", cfg.Watchdog)
	}
	if cfg.Monitor.PeriodMS != 100000 || cfg.Rate.PeriodMS != 300000 ||
		cfg.ActiveDOMs.PeriodMS != 60000 {
		t.Errorf("periodic defaults = %+v", cfg)
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	in := Config{}
	in.Server.Addr = ":9999"
	in.Watchdog.HealthFull = 5

	cfg := in.WithDefaults()
	if cfg.Server.Addr != ":9999" {
		t.Errorf("addr overridden: %s", cfg.Server.Addr)
	}
	if cfg.Watchdog.HealthFull != 5 {
		t.Errorf("health full overridden: %d", cfg.Watchdog.HealthFull)
	}
	// the grace allowance tracks the configured ceiling
	if cfg.Watchdog.InitialHealth != 8 {
		t.Errorf("initial health = %d", cfg.Watchdog.InitialHealth)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
addr = ":9090"
log_dir = "/tmp/daq-logs"

[timings]
op_reps = 2

[watchdog]
period_ms = 5000

[[run_config]]
name = "sps-2026"
components = ["stringHub#1", "stringHub#2", "eventBuilder"]

[[run_config]]
name = "replay-test"
components = ["replayHub#1", "eventBuilder"]
replay = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Timings.OpReps != 2 {
		t.Errorf("op reps = %d", cfg.Timings.OpReps)
	}
	if cfg.Watchdog.PeriodMS != 5000 {
		t.Errorf("watchdog period = %d", cfg.Watchdog.PeriodMS)
	}
	// unspecified tunables pick up defaults
	if cfg.Timings.CollectTimeoutMS != 5000 {
		t.Errorf("collect timeout = %d", cfg.Timings.CollectTimeoutMS)
	}
	if cfg.Path != path {
		t.Errorf("path = %s", cfg.Path)
	}
	if _, ok := cfg.Raw["server"]; !ok {
		t.Error("raw decode missing server table")
	}

	rc, ok := cfg.FindRunConfig("replay-test")
	if !ok {
		t.Fatal("replay-test config not found")
	}
	if !rc.Replay || len(rc.Components) != 2 {
		t.Errorf("replay config = %+v", rc)
	}
	if _, ok := cfg.FindRunConfig("no-such"); ok {
		t.Error("found a config that does not exist")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
