// Package config loads noema's two configuration tiers: CLI flags
// (handled by cmd/noema itself) and the optional static engine-tuning
// file this package reads. Precedence follows
// emergent-company-specmcp's internal/config split: defaults, then
// file, then environment variables, then validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gitrdm/noema/pkg/chain"
	"github.com/gitrdm/noema/pkg/gc"
	"github.com/gitrdm/noema/pkg/kb"
	"github.com/gitrdm/noema/pkg/sched"
)

// Config holds every tunable the engine reads from its TOML file.
// Each section mirrors one package's own Config so its *ConfigValue
// converter can hand it straight to that package's constructor.
type Config struct {
	KB        KBConfig        `toml:"kb"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Chain     ChainConfig     `toml:"chain"`
	GC        GCConfig        `toml:"gc"`
	Oracle    OracleConfig    `toml:"oracle"`
	Broadcast BroadcastConfig `toml:"broadcast"`
}

// KBConfig mirrors kb.Config, §4.3's capacity and revision tuning.
type KBConfig struct {
	MaxSize          int     `toml:"max_size"`
	EvictionMinScore float64 `toml:"eviction_min_score"`
	RevisionDelta    float64 `toml:"revision_delta"`
}

// SchedulerConfig mirrors sched.Config, §5's worker pool and timeout tuning.
type SchedulerConfig struct {
	Workers                  int `toml:"workers"`
	MaxActiveDurationSeconds int `toml:"max_active_duration_seconds"`
	DeadlockCheckSeconds     int `toml:"deadlock_check_seconds"`
	MaxRetries               int `toml:"max_retries"`
	IdlePauseMillis          int `toml:"idle_pause_millis"`
	BackoffInitialMillis     int `toml:"backoff_initial_millis"`
	BackoffMaxSeconds        int `toml:"backoff_max_seconds"`
}

// ChainConfig mirrors chain.Config, §4.8's derivation caps.
type ChainConfig struct {
	MaxDerivationDepth int `toml:"max_derivation_depth"`
	MaxDerivedWeight   int `toml:"max_derived_weight"`
	MaxQueryResults    int `toml:"max_query_results"`
}

// GCConfig mirrors gc.Config, §4.9's collection schedule.
type GCConfig struct {
	Schedule           string `toml:"schedule"`
	GCThresholdMinutes int    `toml:"gc_threshold_minutes"`
}

// OracleConfig configures the optional external oracle, §5 step 7.
type OracleConfig struct {
	URL            string `toml:"url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxRetries     int    `toml:"max_retries"`
}

// BroadcastConfig configures the optional §6 websocket surface.
type BroadcastConfig struct {
	Enabled    bool `toml:"enabled"`
	AllowInput bool `toml:"allow_input"`
}

// Default returns the engine's compiled-in tuning, matching each
// package's own DefaultConfig so an engine run with no file and no
// flags behaves exactly like one built straight from those defaults.
func Default() *Config {
	return &Config{
		KB: KBConfig{
			MaxSize:          kb.DefaultConfig.MaxSize,
			EvictionMinScore: kb.DefaultConfig.EvictionMinScore,
			RevisionDelta:    kb.DefaultConfig.RevisionDelta,
		},
		Scheduler: SchedulerConfig{
			Workers:                  sched.DefaultConfig.Workers,
			MaxActiveDurationSeconds: int(sched.DefaultConfig.MaxActiveDuration.Seconds()),
			DeadlockCheckSeconds:     int(sched.DefaultConfig.DeadlockCheckInterval.Seconds()),
			MaxRetries:               sched.DefaultConfig.MaxRetries,
			IdlePauseMillis:          int(sched.DefaultConfig.IdlePause.Milliseconds()),
			BackoffInitialMillis:     int(sched.DefaultConfig.BackoffInitial.Milliseconds()),
			BackoffMaxSeconds:        int(sched.DefaultConfig.BackoffMax.Seconds()),
		},
		Chain: ChainConfig{
			MaxDerivationDepth: chain.DefaultConfig.MaxDerivationDepth,
			MaxDerivedWeight:   chain.DefaultConfig.MaxDerivedWeight,
			MaxQueryResults:    chain.DefaultConfig.MaxQueryResults,
		},
		GC: GCConfig{
			Schedule:           gc.DefaultConfig.Schedule,
			GCThresholdMinutes: int(gc.DefaultConfig.GCThreshold.Minutes()),
		},
		Oracle: OracleConfig{
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Broadcast: BroadcastConfig{},
	}
}

// Load builds a Config by layering an optional TOML file and
// environment overrides on top of Default, then validating the
// result. configPath may be empty, in which case resolveConfigPath's
// search order applies and finding no file is not an error; a path
// named explicitly (or through NOEMA_CONFIG) that cannot be read is an
// error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return nil
}

// resolveConfigPath mirrors emergent-company-specmcp's search order:
// an explicit path, then an env var, then a file in the current
// directory, then an XDG-style user config file.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("NOEMA_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("noema.toml"); err == nil {
		return "noema.toml"
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := home + "/.config/noema/noema.toml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// applyEnv overlays a handful of environment variables that operators
// commonly need to set without a file, such as in a container. Only
// the oracle endpoint and broadcast toggle are exposed this way; the
// rest of the tuning surface is file-or-flag only.
func (c *Config) applyEnv() {
	if v := os.Getenv("NOEMA_ORACLE_URL"); v != "" {
		c.Oracle.URL = v
	}
	if v := os.Getenv("NOEMA_ORACLE_MODEL"); v != "" {
		c.Oracle.Model = v
	}
	if v := os.Getenv("NOEMA_BROADCAST_ENABLED"); v != "" {
		c.Broadcast.Enabled = v == "true" || v == "1"
	}
}

// Validate checks the tuning values that would otherwise surface as
// confusing zero-value behavior deep inside the engine.
func (c *Config) Validate() error {
	if c.KB.MaxSize <= 0 {
		return fmt.Errorf("config: kb.max_size must be positive, got %d", c.KB.MaxSize)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("config: scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Chain.MaxDerivationDepth <= 0 {
		return fmt.Errorf("config: chain.max_derivation_depth must be positive, got %d", c.Chain.MaxDerivationDepth)
	}
	if _, err := time.ParseDuration(fmt.Sprintf("%dm", c.GC.GCThresholdMinutes)); err != nil {
		return fmt.Errorf("config: gc.gc_threshold_minutes invalid: %w", err)
	}
	if c.Oracle.URL != "" && c.Oracle.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: oracle.timeout_seconds must be positive when oracle.url is set")
	}
	return nil
}

// KBConfigValue converts the tuning section into kb.Config.
func (c *Config) KBConfigValue() kb.Config {
	return kb.Config{
		MaxSize:          c.KB.MaxSize,
		EvictionMinScore: c.KB.EvictionMinScore,
		RevisionDelta:    c.KB.RevisionDelta,
	}
}

// SchedulerConfigValue converts the tuning section into sched.Config.
func (c *Config) SchedulerConfigValue() sched.Config {
	return sched.Config{
		Workers:               c.Scheduler.Workers,
		MaxActiveDuration:     time.Duration(c.Scheduler.MaxActiveDurationSeconds) * time.Second,
		DeadlockCheckInterval: time.Duration(c.Scheduler.DeadlockCheckSeconds) * time.Second,
		MaxRetries:            c.Scheduler.MaxRetries,
		IdlePause:             time.Duration(c.Scheduler.IdlePauseMillis) * time.Millisecond,
		BackoffInitial:        time.Duration(c.Scheduler.BackoffInitialMillis) * time.Millisecond,
		BackoffMax:            time.Duration(c.Scheduler.BackoffMaxSeconds) * time.Second,
	}
}

// ChainConfigValue converts the tuning section into chain.Config.
func (c *Config) ChainConfigValue() chain.Config {
	return chain.Config{
		MaxDerivationDepth: c.Chain.MaxDerivationDepth,
		MaxDerivedWeight:   c.Chain.MaxDerivedWeight,
		MaxQueryResults:    c.Chain.MaxQueryResults,
	}
}

// GCConfigValue converts the tuning section into gc.Config.
func (c *Config) GCConfigValue() gc.Config {
	return gc.Config{
		Schedule:    c.GC.Schedule,
		GCThreshold: time.Duration(c.GC.GCThresholdMinutes) * time.Minute,
	}
}
