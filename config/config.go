// Package config defines the orchestrator configuration, loaded from a TOML
// file with sane defaults for every field.
package config

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/fluxmarket/orchestrator/pkg/errors"
)

const (
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultDispatchTimeout  = 10 * time.Second
	defaultOracleRate       = 1.0
	defaultRetentionHours   = 24
	defaultOracleTimeoutSec = 5
)

// Config is the orchestrator configuration.
type Config struct {
	LogLevel  string `toml:"log-level" json:"log-level"`
	LogFile   string `toml:"log-file" json:"log-file"`
	LogFormat string `toml:"log-format" json:"log-format"`

	Queue      QueueConfig      `toml:"queue" json:"queue"`
	Oracle     OracleConfig     `toml:"oracle" json:"oracle"`
	Dispatch   DispatchConfig   `toml:"dispatch" json:"dispatch"`
	Controller ControllerConfig `toml:"controller" json:"controller"`
}

// QueueConfig tunes the match queue.
type QueueConfig struct {
	// MaxRetained caps retained terminal entries; zero retains everything.
	MaxRetained int `toml:"max-retained" json:"max-retained"`
}

// OracleConfig points at the benchmark oracle. An empty base URL selects
// the static fallback feed.
type OracleConfig struct {
	BaseURL       string  `toml:"base-url" json:"base-url"`
	APIKey        string  `toml:"api-key" json:"api-key"`
	TimeoutSec    int     `toml:"timeout-sec" json:"timeout-sec"`
	RatePerSecond float64 `toml:"rate-per-second" json:"rate-per-second"`
}

// DispatchConfig tunes the host dispatch client.
type DispatchConfig struct {
	TimeoutSec int `toml:"timeout-sec" json:"timeout-sec"`
}

// ControllerConfig tunes the job lifecycle controller.
type ControllerConfig struct {
	RetentionHours int `toml:"retention-hours" json:"retention-hours"`
}

// Default returns a config with every field at its default.
func Default() *Config {
	return &Config{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		Oracle: OracleConfig{
			TimeoutSec:    defaultOracleTimeoutSec,
			RatePerSecond: defaultOracleRate,
		},
		Dispatch: DispatchConfig{
			TimeoutSec: int(defaultDispatchTimeout / time.Second),
		},
		Controller: ControllerConfig{
			RetentionHours: defaultRetentionHours,
		},
	}
}

// FromFile loads the config file on top of the defaults.
func FromFile(path string) (*Config, error) {
	cfg := Default()
	if metaData, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.WrapError(errors.ErrConfigFile, err, path)
	} else if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		log.L().Warn("config file contains unknown items",
			zap.String("path", path),
			zap.Any("items", undecoded))
	}
	if err := cfg.Adjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Adjust fills defaulted fields and validates the rest.
func (c *Config) Adjust() error {
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}
	if c.Oracle.TimeoutSec == 0 {
		c.Oracle.TimeoutSec = defaultOracleTimeoutSec
	}
	if c.Oracle.RatePerSecond == 0 {
		c.Oracle.RatePerSecond = defaultOracleRate
	}
	if c.Dispatch.TimeoutSec == 0 {
		c.Dispatch.TimeoutSec = int(defaultDispatchTimeout / time.Second)
	}
	if c.Controller.RetentionHours == 0 {
		c.Controller.RetentionHours = defaultRetentionHours
	}

	switch {
	case c.Queue.MaxRetained < 0:
		return errors.ErrConfigInvalid.GenWithStackByArgs("queue.max-retained must not be negative")
	case c.Oracle.TimeoutSec < 0:
		return errors.ErrConfigInvalid.GenWithStackByArgs("oracle.timeout-sec must not be negative")
	case c.Oracle.RatePerSecond < 0:
		return errors.ErrConfigInvalid.GenWithStackByArgs("oracle.rate-per-second must not be negative")
	case c.Dispatch.TimeoutSec < 0:
		return errors.ErrConfigInvalid.GenWithStackByArgs("dispatch.timeout-sec must not be negative")
	case c.Controller.RetentionHours < 0:
		return errors.ErrConfigInvalid.GenWithStackByArgs("controller.retention-hours must not be negative")
	}
	return nil
}

// DispatchTimeout returns the dispatch timeout as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutSec) * time.Second
}

// Retention returns the controller retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Controller.RetentionHours) * time.Hour
}

// OracleTimeout returns the oracle HTTP timeout as a duration.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSec) * time.Second
}

func (c *Config) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal config to json", zap.Error(err))
	}
	return string(data)
}

// Toml returns the TOML representation of the config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}
