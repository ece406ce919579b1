package main

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gwillem/thorstage/pkg/mcm3000"
)

// Config is the on-disk CLI configuration. Stage names, reverse flags and
// labels are positional per channel; missing entries leave the channel
// unconfigured.
type Config struct {
	Port          string   `mapstructure:"port"`
	Name          string   `mapstructure:"name"`
	Stages        []string `mapstructure:"stages"`
	Reverse       []bool   `mapstructure:"reverse"`
	Labels        []int    `mapstructure:"labels"`
	Simulated     bool     `mapstructure:"simulated"`
	StrictTimeout bool     `mapstructure:"strict_timeout"`
	LogLevel      string   `mapstructure:"log_level"`
}

// DefaultConfig returns a simulated single-ZFM2020 setup, enough to explore
// the CLI without hardware.
func DefaultConfig() *Config {
	return &Config{
		Name:      "MCM3000",
		Stages:    []string{string(mcm3000.StageZFM2020)},
		Simulated: true,
		LogLevel:  "info",
	}
}

// LoadConfig reads the config file (explicit path, else stagectl.yaml from
// the working directory or ~/.thorstage) with STAGECTL_* env overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stagectl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.thorstage")
	}
	v.SetEnvPrefix("STAGECTL")
	v.AutomaticEnv()

	v.SetDefault("name", "MCM3000")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ControllerConfig maps the CLI configuration onto the library's.
func (c *Config) ControllerConfig(logger *zap.Logger) (mcm3000.Config, error) {
	if len(c.Stages) > mcm3000.NumChannels {
		return mcm3000.Config{}, fmt.Errorf("at most %d stages, got %d",
			mcm3000.NumChannels, len(c.Stages))
	}

	cfg := mcm3000.Config{
		Port:          c.Port,
		Name:          c.Name,
		Simulated:     c.Simulated,
		StrictTimeout: c.StrictTimeout,
		Logger:        logger,
	}
	for i, s := range c.Stages {
		if s == "" {
			continue
		}
		st := mcm3000.StageType(s)
		if _, ok := mcm3000.SpecFor(st); !ok {
			return mcm3000.Config{}, fmt.Errorf("unsupported stage %q (supported: %v)",
				s, mcm3000.SupportedStages())
		}
		cfg.Stages[i] = st
	}
	for i, r := range c.Reverse {
		if i < mcm3000.NumChannels {
			cfg.Reverse[i] = r
		}
	}
	for i, l := range c.Labels {
		if i < mcm3000.NumChannels {
			cfg.Labels[i] = l
		}
	}
	// A partial labels list leaves zero entries behind; fill them with the
	// front-panel numbering so they cannot collide as duplicate zeros.
	for i := range cfg.Labels {
		if cfg.Labels[i] == 0 {
			cfg.Labels[i] = i + 1
		}
	}
	return cfg, nil
}
