// Package config loads the procwarden YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/procwarden/internal/alert"
	"github.com/ppiankov/procwarden/internal/audit"
	"github.com/ppiankov/procwarden/internal/monitor"
	"github.com/ppiankov/procwarden/internal/provenance"
)

// SystemPath is the config location for the root-run service.
const SystemPath = "/etc/procwarden/config.yaml"

// EventLogConfig selects the event log sink.
type EventLogConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // csv | jsonl | sqlite
}

// Features toggles optional behaviour.
type Features struct {
	AutoLearn      bool `yaml:"auto_learn"`
	Pedagogy       bool `yaml:"pedagogy"`
	VerifyPackages bool `yaml:"verify_packages"`
}

// MetricsConfig enables the Prometheus listener when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Config is the full monitor configuration.
type Config struct {
	Environment      string              `yaml:"environment"` // empty: detect
	ScanInterval     time.Duration       `yaml:"scan_interval"`
	DecisionWindow   time.Duration       `yaml:"decision_window"`
	QueryTimeout     time.Duration       `yaml:"query_timeout"`
	TrustedDirs      []string            `yaml:"trusted_dirs"`
	UserDirs         []string            `yaml:"user_dirs"`
	KnowledgeBase    string              `yaml:"knowledge_base"`
	EventLog         EventLogConfig      `yaml:"event_log"`
	Features         Features            `yaml:"features"`
	AsyncDecisions   bool                `yaml:"async_decisions"`
	PackageManager   string              `yaml:"package_manager"` // auto | dpkg | rpm | none
	KillSignal       string              `yaml:"kill_signal"`     // TERM | KILL
	DecidedCacheSize int                 `yaml:"decided_cache_size"`
	Metrics          MetricsConfig       `yaml:"metrics"`
	Alerts           []alert.AlertConfig `yaml:"alerts"`
	Log              LogConfig           `yaml:"log"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		ScanInterval:   monitor.DefaultInterval,
		DecisionWindow: 15 * time.Second,
		QueryTimeout:   provenance.DefaultQueryTimeout,
		TrustedDirs:    append([]string(nil), monitor.DefaultTrustedDirs...),
		UserDirs:       append([]string(nil), monitor.DefaultUserDirs...),
		EventLog: EventLogConfig{
			Format: audit.FormatCSV,
		},
		Features: Features{
			AutoLearn:      true,
			Pedagogy:       true,
			VerifyPackages: true,
		},
		AsyncDecisions:   true,
		PackageManager:   provenance.ManagerAuto,
		KillSignal:       "TERM",
		DecidedCacheSize: monitor.DefaultDecidedCacheSize,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the first existing config file: the system path,
// then ~/.procwarden/config.yaml. If neither exists it returns the system
// path.
func DefaultPath() string {
	if _, err := os.Stat(SystemPath); err == nil {
		return SystemPath
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".procwarden", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return SystemPath
}

// Load reads path over the defaults. A missing file yields the defaults;
// unparsable YAML or invalid values are errors.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the monitor cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ScanInterval <= 0:
		return fmt.Errorf("scan_interval must be positive, got %s", c.ScanInterval)
	case c.DecisionWindow <= 0:
		return fmt.Errorf("decision_window must be positive, got %s", c.DecisionWindow)
	case c.QueryTimeout <= 0:
		return fmt.Errorf("query_timeout must be positive, got %s", c.QueryTimeout)
	case c.DecidedCacheSize < 0:
		return fmt.Errorf("decided_cache_size must not be negative")
	}

	switch c.EventLog.Format {
	case audit.FormatCSV, audit.FormatJSONL, audit.FormatSQLite:
	default:
		return fmt.Errorf("unknown event_log.format %q (want csv, jsonl or sqlite)", c.EventLog.Format)
	}

	switch c.PackageManager {
	case provenance.ManagerAuto, provenance.ManagerDpkg, provenance.ManagerRpm, provenance.ManagerNone:
	default:
		return fmt.Errorf("unknown package_manager %q", c.PackageManager)
	}

	if _, err := monitor.ParseSignal(c.KillSignal); err != nil {
		return fmt.Errorf("kill_signal: %w", err)
	}

	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d]: url is required", i)
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			return fmt.Errorf("alerts[%d]: unknown format %q", i, a.Format)
		}
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.Log.Level != "" {
		if _, err := logrus.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	return nil
}

// EventLogPath returns the configured path or the format's default.
func (c *Config) EventLogPath() string {
	if c.EventLog.Path != "" {
		return c.EventLog.Path
	}
	return audit.DefaultPath(c.EventLog.Format)
}

// DefaultConfigYAML is the commented template written by procwarden init.
func DefaultConfigYAML() string {
	return `# procwarden configuration
# Generated by: procwarden init
#
# Each cycle the monitor flags two kinds of process:
#   no-binary     the executable was deleted or no longer exists on disk
#   unusual-path  the executable lives outside trusted_dirs and user_dirs
# Flagged processes are verified against the package manager and then
# auto-learned, allowed or blocked.

# Knowledge base scope. Empty = detect (debian_ubuntu, redhat_fedora, base_general).
environment: ""

scan_interval: 5s
# How long the operator has to answer a prompt. On timeout, anything not
# verified by the package manager is terminated.
decision_window: 15s
# Upper bound for each dpkg/rpm query.
query_timeout: 10s

trusted_dirs:
  - /bin
  - /sbin
  - /usr/bin
  - /usr/sbin
  - /usr/local/bin
  - /usr/libexec

# Exempt from the unusual-path rule.
user_dirs:
  - /home/
  - /usr/lib/

# Empty = /var/lib/procwarden/knowledge.json
knowledge_base: ""

event_log:
  path: ""      # empty = /var/log/procwarden/events.{csv,jsonl,db}
  format: csv   # csv | jsonl (hash-chained) | sqlite

features:
  auto_learn: true       # learn package-verified processes without asking
  pedagogy: true         # show stored explanations in prompts
  verify_packages: true  # query dpkg/rpm; false treats every binary as unverified

# Decide in the background so scanning never stalls on a prompt.
async_decisions: true
package_manager: auto    # auto | dpkg | rpm | none
kill_signal: TERM        # TERM | KILL
decided_cache_size: 4096

metrics:
  listen: ""             # e.g. 127.0.0.1:9477

# Webhooks fired for matching actions, decisions or alert types.
# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack      # generic | slack | pagerduty
#     events: [timeout-block, manual-block]

log:
  level: info            # debug | info | warn | error
  format: text           # text | json
`
}
