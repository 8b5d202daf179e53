// Package flconfig loads the supervisor's flatline.toml with per-section
// defaults, using a struct-of-structs plus per-section Default() convention
// and the BurntSushi/toml loading style.
package flconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level flatline.toml shape.
type Config struct {
	Model      ModelConfig      `toml:"model"`
	Budget     BudgetConfig     `toml:"budget"`
	Checks     ChecksConfig     `toml:"checks"`
	Thresholds ThresholdsConfig `toml:"thresholds"`
	AutoFix    AutoFixConfig    `toml:"auto_fix"`
	Reports    ReportsConfig    `toml:"reports"`
	Telegram   TelegramConfig   `toml:"telegram"`
	Update     UpdateConfig     `toml:"update"`
}

type ModelConfig struct {
	Default  string  `toml:"default"`
	Fallback *string `toml:"fallback"`
}

type BudgetConfig struct {
	MaxTokensPerDay uint64 `toml:"max_tokens_per_day"`
}

type ChecksConfig struct {
	IntervalSecs             uint64 `toml:"interval_secs"`
	HealthStaleThresholdSecs uint64 `toml:"health_stale_threshold_secs"`
}

type ThresholdsConfig struct {
	ToolFailureRate         float64 `toml:"tool_failure_rate"`
	ToolFailureWindowHours  uint64  `toml:"tool_failure_window_hours"`
	BudgetBurnRateAlert     float64 `toml:"budget_burn_rate_alert"`
	MemoryPendingAlert      uint64  `toml:"memory_pending_alert"`
	UnusedToolDays          uint64  `toml:"unused_tool_days"`
	MaxToolCountWarning     uint64  `toml:"max_tool_count_warning"`
	DiskWarningGB           float64 `toml:"disk_warning_gb"`
}

type AutoFixConfig struct {
	Enabled                  bool   `toml:"enabled"`
	RestartOnCrash           bool   `toml:"restart_on_crash"`
	QuarantineFailingTools   bool   `toml:"quarantine_failing_tools"`
	DisableFailingTasks      bool   `toml:"disable_failing_tasks"`
	RevertRecentChanges      bool   `toml:"revert_recent_changes"`
	MaxAutoRestartsPerHour   uint32 `toml:"max_auto_restarts_per_hour"`
}

type ReportsConfig struct {
	DailyHealth       string `toml:"daily_health"`
	AlertCooldownMins uint64 `toml:"alert_cooldown_mins"`
	TelegramPrefix    string `toml:"telegram_prefix"`
}

type TelegramConfig struct {
	BotTokenEnv string  `toml:"bot_token_env"`
	NotifyUsers []int64 `toml:"notify_users"`
}

// UpdateConfig governs the self-update state machine's cadence and pin.
type UpdateConfig struct {
	CheckIntervalSecs uint64  `toml:"check_interval_secs"`
	CheckTimeWindow   string  `toml:"check_time_window"`
	PinnedVersion     *string `toml:"pinned_version"`
	AutoInstall       bool    `toml:"auto_install"`
	HealthProbeSecs   uint64  `toml:"health_probe_secs"`
}

// Default returns a Config populated with every documented default value.
func Default() Config {
	return Config{
		Model:  ModelConfig{Default: "ollama/qwen3:8b"},
		Budget: BudgetConfig{MaxTokensPerDay: 100_000},
		Checks: ChecksConfig{
			IntervalSecs:             300,
			HealthStaleThresholdSecs: 180,
		},
		Thresholds: ThresholdsConfig{
			ToolFailureRate:        0.5,
			ToolFailureWindowHours: 1,
			BudgetBurnRateAlert:    0.8,
			MemoryPendingAlert:     100,
			UnusedToolDays:         30,
			MaxToolCountWarning:    40,
			DiskWarningGB:          5.0,
		},
		AutoFix: AutoFixConfig{
			Enabled:                true,
			RestartOnCrash:         true,
			QuarantineFailingTools: true,
			DisableFailingTasks:    true,
			RevertRecentChanges:    true,
			MaxAutoRestartsPerHour: 3,
		},
		Reports: ReportsConfig{
			DailyHealth:       "08:00",
			AlertCooldownMins: 30,
			TelegramPrefix:    "\U0001fa7a Flatline",
		},
		Telegram: TelegramConfig{
			BotTokenEnv: "FLATLINE_TELEGRAM_TOKEN",
		},
		Update: UpdateConfig{
			CheckIntervalSecs: 21600,
			CheckTimeWindow:   "03:00",
			AutoInstall:       false,
			HealthProbeSecs:   120,
		},
	}
}

// Validate rejects out-of-range configuration values rather than silently
// clamping them.
func (c Config) Validate() error {
	if c.Checks.IntervalSecs < 10 {
		return fmt.Errorf("checks.interval_secs must be >= 10")
	}
	if c.Thresholds.ToolFailureRate < 0 || c.Thresholds.ToolFailureRate > 1 {
		return fmt.Errorf("thresholds.tool_failure_rate must be in [0.0, 1.0]")
	}
	if c.Thresholds.BudgetBurnRateAlert < 0 || c.Thresholds.BudgetBurnRateAlert > 1 {
		return fmt.Errorf("thresholds.budget_burn_rate_alert must be in [0.0, 1.0]")
	}
	if c.Thresholds.DiskWarningGB <= 0 {
		return fmt.Errorf("thresholds.disk_warning_gb must be positive")
	}
	if c.AutoFix.MaxAutoRestartsPerHour > 20 {
		return fmt.Errorf("auto_fix.max_auto_restarts_per_hour must be <= 20")
	}
	return nil
}

// Load reads and parses a flatline.toml file at path, applying defaults for
// any key the file omits, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read flatline config at %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse flatline config at %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate flatline config at %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes c as flatline.toml at path, creating parent directories as
// needed.
func (c Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode flatline config: %w", err)
	}

	return os.WriteFile(path, buf.Bytes(), 0o640)
}
