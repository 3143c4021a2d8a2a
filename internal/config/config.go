package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultTemperature       = 0.7
	DefaultMaxToolIterations = 20
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18890
	DefaultMaintenanceAt     = "04:00"
	DefaultWeeklyWeekday     = "Monday"
	DefaultEntityPause       = "2s"
	DefaultHistoryWindow     = 20
)

type Config struct {
	Agent         AgentConfig          `json:"agent"`
	Provider      ProviderConfig       `json:"provider"`
	Channels      ChannelsConfig       `json:"channels"`
	Gateway       GatewayConfig        `json:"gateway"`
	User          UserConfig           `json:"user"`
	Characters    map[string]Character `json:"characters"`
	Consolidation ConsolidationConfig  `json:"consolidation"`
}

type AgentConfig struct {
	Workspace         string  `json:"workspace"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"maxToolIterations"`
	HistoryWindow     int     `json:"historyWindow"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	Character string   `json:"character,omitempty"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type UserConfig struct {
	Name string `json:"name"`
}

// Character is one registry entry. A non-empty Members list marks a group:
// groups own a message stream and a short tier only, and fan their extracted
// events out to each listed member.
type Character struct {
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

func (c Character) IsGroup() bool {
	return len(c.Members) > 0
}

type ConsolidationConfig struct {
	// MaintenanceAt is the local HH:MM at which the daily maintenance job fires.
	MaintenanceAt string `json:"maintenanceAt,omitempty"`
	// WeeklyWeekday names the weekday that additionally runs weekly rollover.
	WeeklyWeekday string `json:"weeklyWeekday,omitempty"`
	// EntityPause is the pause between entities inside one maintenance run.
	EntityPause string `json:"entityPause,omitempty"`
	// ReplaceOnFirstRun keeps the original semantics: an extraction whose
	// prior watermark is 0 replaces the day's event list instead of merging.
	ReplaceOnFirstRun *bool `json:"replaceOnFirstRun,omitempty"`
	// Summarizer overrides the chat provider for consolidation calls.
	Summarizer SummarizerConfig `json:"summarizer"`
}

type SummarizerConfig struct {
	Model     string          `json:"model,omitempty"`
	MaxTokens int             `json:"maxTokens,omitempty"`
	Provider  *ProviderConfig `json:"provider,omitempty"`
}

func (c ConsolidationConfig) ReplaceFirstRun() bool {
	if c.ReplaceOnFirstRun == nil {
		return true
	}
	return *c.ReplaceOnFirstRun
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".kiroku", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
			HistoryWindow:     DefaultHistoryWindow,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Characters: map[string]Character{},
		Consolidation: ConsolidationConfig{
			MaintenanceAt: DefaultMaintenanceAt,
			WeeklyWeekday: DefaultWeeklyWeekday,
			EntityPause:   DefaultEntityPause,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".kiroku")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func ChatLogPath() string {
	return filepath.Join(ConfigDir(), "chatlog.db")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("KIROKU_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("KIROKU_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("KIROKU_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if model := os.Getenv("KIROKU_SUMMARIZER_MODEL"); model != "" {
		cfg.Consolidation.Summarizer.Model = model
	}
	if key := os.Getenv("KIROKU_SUMMARIZER_API_KEY"); key != "" {
		if cfg.Consolidation.Summarizer.Provider == nil {
			cfg.Consolidation.Summarizer.Provider = &ProviderConfig{}
		}
		cfg.Consolidation.Summarizer.Provider.APIKey = key
	}
	if url := os.Getenv("KIROKU_SUMMARIZER_BASE_URL"); url != "" {
		if cfg.Consolidation.Summarizer.Provider == nil {
			cfg.Consolidation.Summarizer.Provider = &ProviderConfig{}
		}
		cfg.Consolidation.Summarizer.Provider.BaseURL = url
	}
	if maxTokens := os.Getenv("KIROKU_SUMMARIZER_MAX_TOKENS"); maxTokens != "" {
		if parsed, err := strconv.Atoi(maxTokens); err == nil {
			cfg.Consolidation.Summarizer.MaxTokens = parsed
		}
	}
	if at := os.Getenv("KIROKU_MAINTENANCE_AT"); at != "" {
		cfg.Consolidation.MaintenanceAt = at
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Agent.HistoryWindow <= 0 {
		cfg.Agent.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Consolidation.MaintenanceAt == "" {
		cfg.Consolidation.MaintenanceAt = DefaultMaintenanceAt
	}
	if cfg.Consolidation.WeeklyWeekday == "" {
		cfg.Consolidation.WeeklyWeekday = DefaultWeeklyWeekday
	}
	if cfg.Consolidation.EntityPause == "" {
		cfg.Consolidation.EntityPause = DefaultEntityPause
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// CharacterIDs returns registry ids in a stable order.
func (c *Config) CharacterIDs() []string {
	ids := make([]string, 0, len(c.Characters))
	for id := range c.Characters {
		if strings.TrimSpace(id) == "" {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CharacterDir is the per-entity directory holding persona files and tiers.
func (c *Config) CharacterDir(id string) string {
	return filepath.Join(c.Agent.Workspace, "characters", id)
}
