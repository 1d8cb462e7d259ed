package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration, loaded from a YAML file and
// overridden by environment variables.
type Config struct {
	App     AppConfig            `yaml:"app"`
	Keeper  KeeperConfig         `yaml:"keeper"`
	Source  Namespace            `yaml:"source"`
	Outputs map[string]Namespace `yaml:"outputs"`
}

// AppConfig contains process-wide settings.
type AppConfig struct {
	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"log_format"` // text or json
}

// KeeperConfig contains the beat keeper settings.
type KeeperConfig struct {
	UpdateRate         int     `yaml:"update_rate"`           // ticks per second
	SlowUpdateEveryNth int     `yaml:"slow_update_every_nth"` // ticks between slow updates
	DelayCompensation  float64 `yaml:"delay_compensation"`    // milliseconds
	BarJitterTolerance int     `yaml:"bar_jitter_tolerance"`  // ticks
	KeepWarm           bool    `yaml:"keep_warm"`
	Decks              int     `yaml:"decks"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		App: AppConfig{
			LogFormat: "text",
		},
		Keeper: KeeperConfig{
			UpdateRate:         50,
			SlowUpdateEveryNth: 50,
			BarJitterTolerance: 10,
			KeepWarm:           true,
			Decks:              2,
		},
		Source:  Namespace{},
		Outputs: map[string]Namespace{},
	}
}

// Load reads configuration from path (skipped when empty), then applies
// environment overrides with sane defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	}
	if cfg.Source == nil {
		cfg.Source = Namespace{}
	}
	if cfg.Outputs == nil {
		cfg.Outputs = map[string]Namespace{}
	}

	cfg.App.Debug = envBool("BEATBRIDGE_DEBUG", cfg.App.Debug)
	cfg.App.LogFormat = envStr("BEATBRIDGE_LOG_FORMAT", cfg.App.LogFormat)

	k := &cfg.Keeper
	k.UpdateRate = envInt("BEATBRIDGE_UPDATE_RATE", k.UpdateRate)
	k.SlowUpdateEveryNth = envInt("BEATBRIDGE_SLOW_UPDATE_EVERY_NTH", k.SlowUpdateEveryNth)
	k.DelayCompensation = envFloat("BEATBRIDGE_DELAY_COMPENSATION", k.DelayCompensation)
	k.BarJitterTolerance = envInt("BEATBRIDGE_BAR_JITTER_TOLERANCE", k.BarJitterTolerance)
	k.KeepWarm = envBool("BEATBRIDGE_KEEP_WARM", k.KeepWarm)
	k.Decks = envInt("BEATBRIDGE_DECKS", k.Decks)

	cfg.Validate()
	return cfg, nil
}

// MaxDecks is the number of deck slots the monitored application has.
const MaxDecks = 4

// Validate clamps values that would stall or break the keeper.
func (c *Config) Validate() {
	k := &c.Keeper
	if k.UpdateRate < 1 {
		k.UpdateRate = 1
	}
	if k.SlowUpdateEveryNth < 1 {
		k.SlowUpdateEveryNth = 1
	}
	if k.BarJitterTolerance < 0 {
		k.BarJitterTolerance = 0
	}
	if k.Decks < 1 {
		k.Decks = 1
	}
	if k.Decks > MaxDecks {
		k.Decks = MaxDecks
	}
	switch strings.ToLower(c.App.LogFormat) {
	case "json":
		c.App.LogFormat = "json"
	default:
		c.App.LogFormat = "text"
	}
}

// Output returns the option block of the named output module. Missing blocks
// are empty, so every getter falls back to its default.
func (c *Config) Output(name string) Namespace {
	if ns, ok := c.Outputs[name]; ok && ns != nil {
		return ns
	}
	return Namespace{}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
