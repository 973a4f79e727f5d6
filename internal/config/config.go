// Package config loads the agent daemon configuration from YAML with
// environment variable expansion. Settings flow into constructors
// explicitly; nothing here is process-global mutable state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/michalmatynia/geminitestapp-sub007/internal/engine"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir string `yaml:"dataDir"`
	Listen  string `yaml:"listen"`

	Browser struct {
		Headless         bool `yaml:"headless"`
		NavTimeoutSecs   int  `yaml:"navTimeoutSecs"`
		MaxSnapshotChars int  `yaml:"maxSnapshotChars"`
	} `yaml:"browser"`

	Reasoner struct {
		Provider string `yaml:"provider"` // anthropic, openai
		Model    string `yaml:"model"`
		APIKey   string `yaml:"apiKey"` // supports ${ENV_VAR} expansion
	} `yaml:"reasoner"`

	Engine struct {
		MaxSteps           int `yaml:"maxSteps"`
		MaxStepAttempts    int `yaml:"maxStepAttempts"`
		MaxReplanCalls     int `yaml:"maxReplanCalls"`
		ReplanEverySteps   int `yaml:"replanEverySteps"`
		MaxSelfChecks      int `yaml:"maxSelfChecks"`
		LoopGuardThreshold int `yaml:"loopGuardThreshold"`
		LoopBackoffBaseMs  int `yaml:"loopBackoffBaseMs"`
		LoopBackoffMaxMs   int `yaml:"loopBackoffMaxMs"`
	} `yaml:"engine"`

	Playbook struct {
		CronSpec     string `yaml:"cronSpec"`
		BucketCap    int    `yaml:"bucketCap"`
		HistoryLimit int    `yaml:"historyLimit"`
	} `yaml:"playbook"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{
		DataDir: "./data",
		Listen:  "127.0.0.1:8766",
	}
	c.Browser.Headless = true
	c.Browser.NavTimeoutSecs = 30
	c.Browser.MaxSnapshotChars = 40000
	c.Reasoner.Provider = "anthropic"
	c.Playbook.CronSpec = "@hourly"
	c.Playbook.BucketCap = engine.DefaultPlaybookBucketCap
	c.Playbook.HistoryLimit = 20
	return c
}

// Load reads a YAML config file, expanding ${ENV} references first.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}

// DBPath returns the SQLite database location under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "agent.db")
}

// EngineSettings maps the config block onto run settings; zero fields
// fall back to engine defaults.
func (c *Config) EngineSettings() engine.Settings {
	return engine.Settings{
		MaxSteps:           c.Engine.MaxSteps,
		MaxStepAttempts:    c.Engine.MaxStepAttempts,
		MaxReplanCalls:     c.Engine.MaxReplanCalls,
		ReplanEverySteps:   c.Engine.ReplanEverySteps,
		MaxSelfChecks:      c.Engine.MaxSelfChecks,
		LoopGuardThreshold: c.Engine.LoopGuardThreshold,
		LoopBackoffBase:    time.Duration(c.Engine.LoopBackoffBaseMs) * time.Millisecond,
		LoopBackoffMax:     time.Duration(c.Engine.LoopBackoffMaxMs) * time.Millisecond,
	}
}

// NavTimeout returns the browser navigation timeout.
func (c *Config) NavTimeout() time.Duration {
	if c.Browser.NavTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Browser.NavTimeoutSecs) * time.Second
}
