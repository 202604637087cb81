package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/attnlens/internal/api"
	"github.com/samcharles93/attnlens/internal/attn"
)

// Config represents the attnlens configuration file
// ($XDG_CONFIG_HOME/attnlens/config.yaml). Pointer fields distinguish "not
// set" from zero values.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	PatchCount *int   `yaml:"patch_count"`

	// Analysis defaults
	Fusion          string   `yaml:"fusion"`
	DiscardRatio    *float64 `yaml:"discard_ratio"`
	RolloutDiscard  string   `yaml:"rollout_discard"`
	FlowDiscard     string   `yaml:"flow_discard"`
	FlowComposition string   `yaml:"flow_composition"`
	WordMerge       string   `yaml:"word_merge"`
	PromptTrimHead  *int     `yaml:"prompt_trim_head"`
	PromptTrimTail  *int     `yaml:"prompt_trim_tail"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
	RateBurst     *int     `yaml:"rate_burst"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "attnlens", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when path
// is empty. A missing default file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyGlobalConfig applies config file defaults to the root flags that were
// not explicitly set.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.DataDir != "" && !c.IsSet("data-dir") {
		dataDir = cfg.DataDir
	}
	if cfg.PatchCount != nil && !c.IsSet("patch-count") {
		patchCount = *cfg.PatchCount
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// Defaults resolves the analysis defaults, starting from api.DefaultDefaults.
func (cfg Config) Defaults() (api.Defaults, error) {
	d := api.DefaultDefaults()
	var err error
	if cfg.Fusion != "" {
		if d.Fusion, err = attn.ParseFusion(cfg.Fusion); err != nil {
			return d, fmt.Errorf("config fusion: %w", err)
		}
	}
	if cfg.DiscardRatio != nil {
		d.DiscardRatio = *cfg.DiscardRatio
	}
	if cfg.RolloutDiscard != "" {
		if d.RolloutDiscard, err = attn.ParseDiscard(cfg.RolloutDiscard); err != nil {
			return d, fmt.Errorf("config rollout_discard: %w", err)
		}
	}
	if cfg.FlowDiscard != "" {
		if d.FlowDiscard, err = attn.ParseDiscard(cfg.FlowDiscard); err != nil {
			return d, fmt.Errorf("config flow_discard: %w", err)
		}
	}
	if cfg.FlowComposition != "" {
		if d.FlowComposition, err = attn.ParseComposition(cfg.FlowComposition); err != nil {
			return d, fmt.Errorf("config flow_composition: %w", err)
		}
	}
	if cfg.WordMerge != "" {
		if d.WordMerge, err = attn.ParseMergePolicy(cfg.WordMerge); err != nil {
			return d, fmt.Errorf("config word_merge: %w", err)
		}
	}
	if cfg.PromptTrimHead != nil {
		d.PromptTrimHead = *cfg.PromptTrimHead
	}
	if cfg.PromptTrimTail != nil {
		d.PromptTrimTail = *cfg.PromptTrimTail
	}
	return d, nil
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rateLimit *float64, rateBurst *int) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*rateLimit = *cfg.RateLimit
	}
	if cfg.RateBurst != nil && !c.IsSet("rate-burst") {
		*rateBurst = *cfg.RateBurst
	}
}
