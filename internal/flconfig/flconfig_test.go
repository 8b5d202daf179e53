package flconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Checks.IntervalSecs != 300 {
		t.Errorf("checks.interval_secs = %d, want 300", cfg.Checks.IntervalSecs)
	}
	if cfg.Checks.HealthStaleThresholdSecs != 180 {
		t.Errorf("checks.health_stale_threshold_secs = %d, want 180", cfg.Checks.HealthStaleThresholdSecs)
	}
	if cfg.Thresholds.ToolFailureRate != 0.5 {
		t.Errorf("thresholds.tool_failure_rate = %v, want 0.5", cfg.Thresholds.ToolFailureRate)
	}
	if cfg.Thresholds.BudgetBurnRateAlert != 0.8 {
		t.Errorf("thresholds.budget_burn_rate_alert = %v, want 0.8", cfg.Thresholds.BudgetBurnRateAlert)
	}
	if cfg.AutoFix.MaxAutoRestartsPerHour != 3 {
		t.Errorf("auto_fix.max_auto_restarts_per_hour = %d, want 3", cfg.AutoFix.MaxAutoRestartsPerHour)
	}
	if cfg.Budget.MaxTokensPerDay != 100_000 {
		t.Errorf("budget.max_tokens_per_day = %d, want 100000", cfg.Budget.MaxTokensPerDay)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadAppliesDefaultsForOmittedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flatline.toml")
	if err := os.WriteFile(path, []byte("[thresholds]\ntool_failure_rate = 0.3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Thresholds.ToolFailureRate != 0.3 {
		t.Errorf("tool_failure_rate = %v, want 0.3", cfg.Thresholds.ToolFailureRate)
	}
	if cfg.Checks.IntervalSecs != 300 {
		t.Errorf("omitted checks.interval_secs should default to 300, got %d", cfg.Checks.IntervalSecs)
	}
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Checks.IntervalSecs = 5 },
		func(c *Config) { c.Thresholds.ToolFailureRate = 1.5 },
		func(c *Config) { c.Thresholds.BudgetBurnRateAlert = -0.1 },
		func(c *Config) { c.Thresholds.DiskWarningGB = 0 },
		func(c *Config) { c.AutoFix.MaxAutoRestartsPerHour = 21 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
