// Package config loads and validates the daemon's YAML configuration
// (spec.md §7's fatal-config-error policy), grounded on the teacher's
// internal/service-test config-loading pattern: read file, unmarshal,
// validate, return a fully-populated struct or an error.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"
)

// Listener is one address the Dispatcher accepts connections on
// (conf.c's "Listen"/"SSLListen" directives).
type Listener struct {
	Address string `yaml:"address"`
}

// Browse mirrors conf.c's Browse*/Relay*/BrowseAddress directives.
type Browse struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Interval   Duration `yaml:"interval"`
	Timeout    Duration `yaml:"timeout"`
	Address    []string `yaml:"broadcast_to"`

	ACLOrder string   `yaml:"acl_order"` // "allow,deny" or "deny,allow"
	Allow    []string `yaml:"allow"`     // CIDR or exact IP
	Deny     []string `yaml:"deny"`

	Relay []RelayRule `yaml:"relay"`
}

// RelayRule mirrors dirsvc.c's BrowseRelay from/to pair.
type RelayRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Quota is the default per-destination admission policy (§4.6/§7).
type Quota struct {
	DefaultWindow  Duration `yaml:"default_window"`
	AdmissionRate  float64  `yaml:"admission_rate"`
	AdmissionBurst int      `yaml:"admission_burst"`
}

// Config is the whole daemon configuration (spec.md §7/§9).
type Config struct {
	ServerName string     `yaml:"server_name"`
	SpoolDir   string     `yaml:"spool_dir"`
	Listeners  []Listener `yaml:"listeners"`

	MaxActiveJobs     int `yaml:"max_active_jobs"` // 0 means derive from rlimit.
	MaxJobsPerPrinter int `yaml:"max_jobs_per_printer"`
	MaxJobsPerUser    int `yaml:"max_jobs_per_user"`

	DefaultErrorPolicy  string   `yaml:"default_error_policy"`
	SchedulerTick       Duration `yaml:"scheduler_tick"`
	IdleSessionTimeout  Duration `yaml:"idle_session_timeout"`
	SupervisorBaseNice  int      `yaml:"supervisor_base_nice"`
	SupervisorKillGrace Duration `yaml:"supervisor_kill_grace"`

	Quota   Quota        `yaml:"quota"`
	Browse  Browse       `yaml:"browse"`
	Filters []FilterSpec `yaml:"filters"`

	// MetricsAddr, if non-empty, serves the Prometheus scrape handler for
	// the scheduler counters (spec.md §9 observability). Empty
	// disables the HTTP endpoint; the counters are still recorded either way.
	MetricsAddr string `yaml:"metrics_addr"`
}

// FilterSpec declares one Filter Graph edge, the YAML analogue of the
// original scheduler's mime.convs table (source type, destination type,
// relative cost, converter command).
type FilterSpec struct {
	From          string `yaml:"from"`
	To            string `yaml:"to"`
	Cost          int    `yaml:"cost"`
	Command       string `yaml:"command"`
	NiceLevel     int    `yaml:"nice_level"`
	StreamedStdin bool   `yaml:"streamed_stdin"`
}

// Duration unmarshals a YAML scalar like "30s"/"5m" into a time.Duration,
// since yaml.v2 has no native duration support.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads, parses, and validates the config file at path. Per §7's
// fatal-config-error policy, a startup load error is fatal; Reload (below)
// instead keeps the previous config on error.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Reload re-reads path, returning the new Config on success. Per §7, the
// caller (cmd/printd's SIGHUP handler) must keep running the previous
// Config if this returns an error rather than tearing the daemon down.
func Reload(path string) (*Config, error) {
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.SchedulerTick.Duration() == 0 {
		c.SchedulerTick = Duration(time.Second)
	}
	if c.IdleSessionTimeout.Duration() == 0 {
		c.IdleSessionTimeout = Duration(5 * time.Minute)
	}
	if c.SupervisorKillGrace.Duration() == 0 {
		c.SupervisorKillGrace = Duration(5 * time.Second)
	}
	if c.DefaultErrorPolicy == "" {
		c.DefaultErrorPolicy = "stop-printer"
	}
	if c.Browse.Interval.Duration() == 0 {
		c.Browse.Interval = Duration(30 * time.Second)
	}
	if c.Browse.Timeout.Duration() == 0 {
		c.Browse.Timeout = Duration(5 * c.Browse.Interval.Duration())
	}
}

// Validate enforces the structural invariants startup requires before any
// component is constructed from this Config (§7: a malformed config is a
// fatal startup error, never a partially-applied one).
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.ServerName == "" {
		return fmt.Errorf("server_name must be set")
	}
	if c.SpoolDir == "" {
		return fmt.Errorf("spool_dir must be set")
	}
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener must be configured")
	}
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listeners[%d]: address must be set", i)
		}
	}
	if c.MaxActiveJobs < 0 {
		return fmt.Errorf("max_active_jobs must not be negative")
	}
	switch c.DefaultErrorPolicy {
	case "", "retry-job", "abort-job", "stop-printer", "retry-current-job":
	default:
		return fmt.Errorf("default_error_policy %q is not a recognized policy", c.DefaultErrorPolicy)
	}
	for i, f := range c.Filters {
		if f.From == "" || f.To == "" || f.Command == "" {
			return fmt.Errorf("filters[%d]: from, to, and command must all be set", i)
		}
	}
	if c.Browse.Enabled {
		if c.Browse.ListenAddr == "" {
			return fmt.Errorf("browse.listen_addr must be set when browse.enabled is true")
		}
		switch c.Browse.ACLOrder {
		case "", "allow,deny", "deny,allow":
		default:
			return fmt.Errorf("browse.acl_order %q must be \"allow,deny\" or \"deny,allow\"", c.Browse.ACLOrder)
		}
		for i, r := range c.Browse.Relay {
			if r.From == "" || r.To == "" {
				return fmt.Errorf("browse.relay[%d]: both from and to must be set", i)
			}
		}
	}
	return nil
}
