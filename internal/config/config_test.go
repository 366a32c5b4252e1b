package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ScanInterval != 5*time.Second || cfg.DecisionWindow != 15*time.Second || cfg.QueryTimeout != 10*time.Second {
		t.Errorf("unexpected default timings: %+v", cfg)
	}
	if !cfg.Features.AutoLearn || !cfg.AsyncDecisions || cfg.EventLog.Format != "csv" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
scan_interval: 2s
event_log:
  format: jsonl
features:
  auto_learn: false
trusted_dirs: [/opt/bin]
alerts:
  - url: https://example.test/hook
    format: pagerduty
    events: [timeout-block]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ScanInterval != 2*time.Second {
		t.Errorf("expected 2s, got %s", cfg.ScanInterval)
	}
	if cfg.DecisionWindow != 15*time.Second {
		t.Errorf("unset keys should keep defaults, got %s", cfg.DecisionWindow)
	}
	if cfg.Features.AutoLearn || !cfg.Features.Pedagogy {
		t.Errorf("unexpected features %+v", cfg.Features)
	}
	if len(cfg.TrustedDirs) != 1 || cfg.TrustedDirs[0] != "/opt/bin" {
		t.Errorf("expected trusted dirs replaced, got %v", cfg.TrustedDirs)
	}
	if len(cfg.Alerts) != 1 || cfg.Alerts[0].Events[0] != "timeout-block" {
		t.Errorf("unexpected alerts %+v", cfg.Alerts)
	}
	if !strings.HasSuffix(cfg.EventLogPath(), "events.jsonl") {
		t.Errorf("unexpected event log path %s", cfg.EventLogPath())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":       "scan_interval: [",
		"zero interval":  "scan_interval: 0s",
		"negative win":   "decision_window: -1s",
		"bad format":     "event_log: {format: xml}",
		"bad manager":    "package_manager: pacman",
		"bad signal":     "kill_signal: HUP",
		"alert no url":   "alerts: [{format: slack}]",
		"alert format":   "alerts: [{url: http://x, format: teams}]",
		"bad log format": "log: {format: xml}",
		"bad log level":  "log: {level: loud}",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultConfigYAMLMatchesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(DefaultConfigYAML()), cfg); err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("template does not validate: %v", err)
	}

	def := DefaultConfig()
	if cfg.ScanInterval != def.ScanInterval || cfg.DecisionWindow != def.DecisionWindow || cfg.QueryTimeout != def.QueryTimeout {
		t.Error("template timings differ from DefaultConfig")
	}
	if strings.Join(cfg.TrustedDirs, ",") != strings.Join(def.TrustedDirs, ",") {
		t.Errorf("template trusted dirs %v differ from %v", cfg.TrustedDirs, def.TrustedDirs)
	}
	if cfg.Features != def.Features || cfg.KillSignal != def.KillSignal {
		t.Error("template features differ from DefaultConfig")
	}
}
