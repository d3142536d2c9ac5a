package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all flowtree configuration.
// Priority: flags > env vars > settings.yaml > defaults.
type Config struct {
	ListenAddr        string        `yaml:"listen_addr"`
	DBPath            string        `yaml:"db_path"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	ExpressionDialect string        `yaml:"expression_dialect"`
	ExternalTimeout   time.Duration `yaml:"external_timeout"`
	StepDelay         time.Duration `yaml:"step_delay"`
	HoldDelay         time.Duration `yaml:"hold_delay"`
	RedisURL          string        `yaml:"redis_url"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(flowtreeDir(), "flowtree.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		ExpressionDialect: "expr",
		ExternalTimeout:   10 * time.Second,
		StepDelay:         600 * time.Millisecond,
		HoldDelay:         800 * time.Millisecond,
		SchedulerInterval: 60 * time.Second,
	}
}

func flowtreeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowtree"
	}
	return filepath.Join(home, ".flowtree")
}

func settingsPath() string {
	return filepath.Join(flowtreeDir(), "settings.yaml")
}

// binDir holds optional external tools such as mermaid-ascii.
func binDir() string {
	return filepath.Join(flowtreeDir(), "bin")
}

// loadConfig layers the settings file and FLOWTREE_* env vars over the
// defaults. An empty path reads the default settings file, which may be
// missing; an explicit path must exist.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"FLOWTREE_LISTEN_ADDR":        &cfg.ListenAddr,
		"FLOWTREE_DB_PATH":            &cfg.DBPath,
		"FLOWTREE_LOG_LEVEL":          &cfg.LogLevel,
		"FLOWTREE_LOG_FORMAT":         &cfg.LogFormat,
		"FLOWTREE_EXPRESSION_DIALECT": &cfg.ExpressionDialect,
		"FLOWTREE_REDIS_URL":          &cfg.RedisURL,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"FLOWTREE_EXTERNAL_TIMEOUT":   &cfg.ExternalTimeout,
		"FLOWTREE_STEP_DELAY":         &cfg.StepDelay,
		"FLOWTREE_HOLD_DELAY":         &cfg.HoldDelay,
		"FLOWTREE_SCHEDULER_INTERVAL": &cfg.SchedulerInterval,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// writeConfig saves cfg as YAML, creating the parent directory.
func writeConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LoggingChanged bool
	RestartNeeded  []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel || old.LogFormat != new.LogFormat {
		d.LoggingChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.RedisURL != new.RedisURL {
		d.RestartNeeded = append(d.RestartNeeded, "redis_url")
	}
	if old.ExpressionDialect != new.ExpressionDialect {
		d.RestartNeeded = append(d.RestartNeeded, "expression_dialect")
	}
	if old.SchedulerInterval != new.SchedulerInterval {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler_interval")
	}
	return d
}

func pidPath() string {
	return filepath.Join(flowtreeDir(), "flowtree.pid")
}
