package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"realquest/internal/progression"
)

// Config models realquest.yml.
type Config struct {
	Start struct {
		HP    int `yaml:"hp" json:"hp"`
		MaxHP int `yaml:"max_hp" json:"max_hp"`
	} `yaml:"start" json:"start"`
	Rules struct {
		Rewards     map[int]RewardRule `yaml:"rewards" json:"rewards"`
		Penalties   map[int]int        `yaml:"penalties" json:"penalties"`
		XPPerLevel  int                `yaml:"xp_per_level" json:"xp_per_level"`
		LevelUpHeal int                `yaml:"level_up_heal" json:"level_up_heal"`
		Death       struct {
			ResetHP    int `yaml:"reset_hp" json:"reset_hp"`
			LevelsLost int `yaml:"levels_lost" json:"levels_lost"`
		} `yaml:"death" json:"death"`
		Streak struct {
			TaskType string  `yaml:"task_type" json:"task_type"`
			Step     float64 `yaml:"step" json:"step"`
			Cap      int     `yaml:"cap" json:"cap"`
		} `yaml:"streak" json:"streak"`
		Ruby struct {
			ChancePerTier float64 `yaml:"chance_per_tier" json:"chance_per_tier"`
		} `yaml:"ruby" json:"ruby"`
		Potion struct {
			Price float64 `yaml:"price" json:"price"`
			Heal  int     `yaml:"heal" json:"heal"`
		} `yaml:"potion" json:"potion"`
	} `yaml:"rules" json:"rules"`
	Sweep struct {
		Interval time.Duration `yaml:"interval" json:"interval"`
		Timezone string        `yaml:"timezone" json:"timezone"`
	} `yaml:"sweep" json:"sweep"`
	Storage struct {
		Timeout time.Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"storage" json:"storage"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type RewardRule struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
	XP  int     `yaml:"xp" json:"xp"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with rq config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate rejects rules that would leave stats out of range.
func (c *Config) Validate() error {
	if c.Start.MaxHP <= 0 {
		return fmt.Errorf("config.start.max_hp must be positive")
	}
	if c.Start.HP <= 0 || c.Start.HP > c.Start.MaxHP {
		return fmt.Errorf("config.start.hp must be within 1..max_hp")
	}
	if _, ok := c.Rules.Rewards[1]; !ok {
		return fmt.Errorf("config.rules.rewards must define tier 1")
	}
	for tier, r := range c.Rules.Rewards {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("reward tier %d has invalid coin range %.2f..%.2f", tier, r.Min, r.Max)
		}
		if r.XP < 0 {
			return fmt.Errorf("reward tier %d has negative xp", tier)
		}
	}
	if _, ok := c.Rules.Penalties[1]; !ok {
		return fmt.Errorf("config.rules.penalties must define tier 1")
	}
	for tier, dmg := range c.Rules.Penalties {
		if dmg < 0 {
			return fmt.Errorf("penalty tier %d has negative damage", tier)
		}
	}
	if c.Rules.XPPerLevel <= 0 {
		return fmt.Errorf("config.rules.xp_per_level must be positive")
	}
	if c.Rules.LevelUpHeal < 0 {
		return fmt.Errorf("config.rules.level_up_heal must not be negative")
	}
	if c.Rules.Death.ResetHP <= 0 {
		return fmt.Errorf("config.rules.death.reset_hp must be positive")
	}
	if c.Rules.Death.LevelsLost < 0 {
		return fmt.Errorf("config.rules.death.levels_lost must not be negative")
	}
	if strings.TrimSpace(c.Rules.Streak.TaskType) == "" {
		return fmt.Errorf("config.rules.streak.task_type is required")
	}
	if c.Rules.Streak.Step < 0 || c.Rules.Streak.Cap < 0 {
		return fmt.Errorf("config.rules.streak step and cap must not be negative")
	}
	if c.Rules.Ruby.ChancePerTier < 0 || c.Rules.Ruby.ChancePerTier > 1 {
		return fmt.Errorf("config.rules.ruby.chance_per_tier must be within 0..1")
	}
	if c.Rules.Potion.Price < 0 || c.Rules.Potion.Heal < 0 {
		return fmt.Errorf("config.rules.potion price and heal must not be negative")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config.sweep.interval must be positive")
	}
	if c.Sweep.Timezone != "" {
		if _, err := time.LoadLocation(c.Sweep.Timezone); err != nil {
			return fmt.Errorf("config.sweep.timezone: %w", err)
		}
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("config.storage.timeout must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// GameRules converts the rules section into progression rules.
func (c *Config) GameRules() progression.Rules {
	rewards := make(progression.RewardTable, len(c.Rules.Rewards))
	for tier, r := range c.Rules.Rewards {
		rewards[tier] = progression.RewardRule{Min: r.Min, Max: r.Max, XP: r.XP}
	}
	penalties := make(progression.PenaltyTable, len(c.Rules.Penalties))
	for tier, dmg := range c.Rules.Penalties {
		penalties[tier] = dmg
	}
	return progression.Rules{
		Rewards:        rewards,
		Penalties:      penalties,
		XPPerLevel:     c.Rules.XPPerLevel,
		LevelUpHeal:    c.Rules.LevelUpHeal,
		DeathResetHP:   c.Rules.Death.ResetHP,
		DeathLevelLoss: c.Rules.Death.LevelsLost,
		StreakTaskType: c.Rules.Streak.TaskType,
		StreakStep:     c.Rules.Streak.Step,
		StreakCap:      c.Rules.Streak.Cap,
		RubyChance:     c.Rules.Ruby.ChancePerTier,
		PotionPrice:    c.Rules.Potion.Price,
		PotionHeal:     c.Rules.Potion.Heal,
	}
}

// Location resolves the sweep time zone, defaulting to the process zone.
func (c *Config) Location() *time.Location {
	if c.Sweep.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Sweep.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "realquest.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in rules.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `start:
  hp: 100
  max_hp: 100

rules:
  # difficulty tier -> coin range and xp yield
  rewards:
    1: {min: 1, max: 2, xp: 1}
    2: {min: 2, max: 3, xp: 2}
    3: {min: 3, max: 5, xp: 3}
    4: {min: 5, max: 8, xp: 4}
    5: {min: 8, max: 12, xp: 6}
    6: {min: 12, max: 20, xp: 8}
    7: {min: 20, max: 40, xp: 10}

  # malus tier -> hp damage
  penalties:
    1: 1
    2: 3
    3: 5
    4: 10
    5: 25
    6: 50
    7: 75

  xp_per_level: 100
  level_up_heal: 20

  death:
    reset_hp: 100
    levels_lost: 5

  streak:
    task_type: journaliere
    step: 0.1
    cap: 20

  ruby:
    chance_per_tier: 0.05

  potion:
    price: 150
    heal: 50

sweep:
  interval: 60s
  timezone: ""

storage:
  timeout: 5s
`
