// Package config loads and validates the YAML configuration. Unknown keys and
// invalid values fail Load outright: the bot trades with real inventory, so a
// typo in the grid section must never turn into a silently different grid.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

type Config struct {
	Mode          Mode                `yaml:"mode"`
	InstanceID    string              `yaml:"instance_id"`
	Contract      ContractConfig      `yaml:"contract"`
	Grid          GridConfig          `yaml:"grid"`
	Trading       TradingConfig       `yaml:"trading"`
	History       HistoryConfig       `yaml:"history"`
	Feed          FeedConfig          `yaml:"feed"`
	State         StateConfig         `yaml:"state"`
	Safety        SafetyConfig        `yaml:"safety"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ContractConfig struct {
	ConID    int64  `yaml:"con_id"`
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`
	Currency string `yaml:"currency"`
}

type GridConfig struct {
	MinPrice            Decimal `yaml:"min_price"`
	MaxPrice            Decimal `yaml:"max_price"`
	StepSize            Decimal `yaml:"step_size"`
	MinPercentStep      Decimal `yaml:"min_percent_step"`
	StartValue          Decimal `yaml:"start_value"`
	AddValuePerLevel    Decimal `yaml:"add_value_per_level"`
	PositionStep        Decimal `yaml:"position_step"`
	MinPositionPerLevel Decimal `yaml:"min_position_per_level"`
}

type TradingConfig struct {
	ActiveLevels    int   `yaml:"active_levels"`
	EnsureNoShort   *bool `yaml:"ensure_no_short"`
	TickIntervalSec int64 `yaml:"tick_interval_sec"`
	FillTimeoutSec  int64 `yaml:"fill_timeout_sec"`
	PollIntervalSec int64 `yaml:"poll_interval_sec"`
}

type HistoryConfig struct {
	Path     string `yaml:"path"`
	Conflict string `yaml:"conflict"` // prompt or broker_wins
}

type FeedConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WSURL       string `yaml:"ws_url"`
	MaxQuoteAge int64  `yaml:"max_quote_age_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type SafetyConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxPlaceFailures  int  `yaml:"max_place_failures"`
	MaxCancelFailures int  `yaml:"max_cancel_failures"`
}

type ObservabilityConfig struct {
	Log      LogConfig      `yaml:"log"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Contract.Symbol = strings.ToUpper(strings.TrimSpace(c.Contract.Symbol))
	c.Contract.Exchange = strings.ToUpper(strings.TrimSpace(c.Contract.Exchange))
	c.Contract.Currency = strings.ToUpper(strings.TrimSpace(c.Contract.Currency))
	c.History.Path = strings.TrimSpace(c.History.Path)
	c.History.Conflict = strings.ToLower(strings.TrimSpace(c.History.Conflict))
	c.Feed.WSURL = strings.TrimSpace(c.Feed.WSURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Contract.Exchange == "" {
		c.Contract.Exchange = "SMART"
	}
	if c.Contract.Currency == "" {
		c.Contract.Currency = "USD"
	}
	if c.Grid.PositionStep.Cmp(decimal.Zero) == 0 {
		c.Grid.PositionStep = Decimal{decimal.NewFromInt(1)}
	}
	if c.Grid.MinPositionPerLevel.Cmp(decimal.Zero) == 0 {
		c.Grid.MinPositionPerLevel = c.Grid.PositionStep
	}
	if c.Trading.ActiveLevels == 0 {
		c.Trading.ActiveLevels = 1
	}
	if c.Trading.EnsureNoShort == nil {
		enabled := true
		c.Trading.EnsureNoShort = &enabled
	}
	if c.Trading.TickIntervalSec == 0 {
		c.Trading.TickIntervalSec = 10
	}
	if c.Trading.FillTimeoutSec == 0 {
		c.Trading.FillTimeoutSec = 60
	}
	if c.Trading.PollIntervalSec == 0 {
		c.Trading.PollIntervalSec = 1
	}
	if c.History.Path == "" {
		c.History.Path = "state/trades.jsonl"
	}
	if c.History.Conflict == "" {
		c.History.Conflict = "prompt"
	}
	if c.Feed.MaxQuoteAge == 0 {
		c.Feed.MaxQuoteAge = 30
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Safety.MaxPlaceFailures == 0 {
		c.Safety.MaxPlaceFailures = 5
	}
	if c.Safety.MaxCancelFailures == 0 {
		c.Safety.MaxCancelFailures = 5
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Output == "" {
		c.Observability.Log.Output = "console"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be paper or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Contract.ConID <= 0 {
		return fmt.Errorf("contract con_id must be > 0")
	}
	if c.Contract.Symbol == "" {
		return fmt.Errorf("contract symbol is required")
	}
	if c.Grid.MinPrice.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid min_price must be > 0")
	}
	if c.Grid.MaxPrice.Cmp(c.Grid.MinPrice.Decimal) <= 0 {
		return fmt.Errorf("grid max_price must be > min_price")
	}
	if c.Grid.StepSize.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid step_size must be > 0")
	}
	if c.Grid.MinPercentStep.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("grid min_percent_step must be >= 0")
	}
	if c.Grid.StartValue.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid start_value must be > 0")
	}
	if c.Grid.PositionStep.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid position_step must be > 0")
	}
	if c.Grid.MinPositionPerLevel.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid min_position_per_level must be > 0")
	}
	if c.Trading.ActiveLevels < 1 {
		return fmt.Errorf("trading active_levels must be >= 1")
	}
	if c.Trading.TickIntervalSec < 1 || c.Trading.TickIntervalSec > 3600 {
		return fmt.Errorf("trading tick_interval_sec must be between 1 and 3600")
	}
	if c.Trading.FillTimeoutSec < 1 || c.Trading.FillTimeoutSec > 3600 {
		return fmt.Errorf("trading fill_timeout_sec must be between 1 and 3600")
	}
	if c.Trading.PollIntervalSec < 1 || c.Trading.PollIntervalSec > c.Trading.FillTimeoutSec {
		return fmt.Errorf("trading poll_interval_sec must be between 1 and fill_timeout_sec")
	}
	switch c.History.Conflict {
	case "prompt", "broker_wins":
	default:
		return fmt.Errorf("history conflict must be prompt or broker_wins")
	}
	if c.Feed.Enabled {
		if err := validateURL(c.Feed.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("feed ws_url %v", err)
		}
		if c.Feed.MaxQuoteAge < 1 || c.Feed.MaxQuoteAge > 3600 {
			return fmt.Errorf("feed max_quote_age_sec must be between 1 and 3600")
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state lock_stale_sec must be between 0 and 86400")
	}
	if c.Safety.Enabled {
		if c.Safety.MaxPlaceFailures < 1 {
			return fmt.Errorf("safety max_place_failures must be >= 1")
		}
		if c.Safety.MaxCancelFailures < 1 {
			return fmt.Errorf("safety max_cancel_failures must be >= 1")
		}
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
