package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers.PoolSize != 4 || cfg.Budget.TotalLimitUSD != 20.0 {
		t.Errorf("defaults not applied: %+v", cfg.Workers)
	}
}

func TestLoad_JSON5ToleratesCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	body := `{
  // hand-edited by the owner
  "budget": {"total_limit_usd": 5.5,},
  "workers": {"pool_size": 2},
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Budget.TotalLimitUSD != 5.5 {
		t.Errorf("budget = %v, want 5.5", cfg.Budget.TotalLimitUSD)
	}
	if cfg.Workers.PoolSize != 2 {
		t.Errorf("pool = %d, want 2", cfg.Workers.PoolSize)
	}
	// Unset sections keep their defaults.
	if cfg.Safety.RateLimitRPS != 2 {
		t.Errorf("safety defaults lost: %+v", cfg.Safety)
	}
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	os.WriteFile(path, []byte(`{"models": {"default": "anthropic/file-model"}}`), 0o644)

	t.Setenv("OUROBOROS_MODEL", "openai/env-model")
	t.Setenv("OUROBOROS_BUDGET_LIMIT_USD", "3.25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Models.Default != "openai/env-model" {
		t.Errorf("env override lost: %q", cfg.Models.Default)
	}
	if cfg.Budget.TotalLimitUSD != 3.25 {
		t.Errorf("budget env override lost: %v", cfg.Budget.TotalLimitUSD)
	}
}

func TestSave_AtomicAndReloadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	cfg := Default()
	cfg.Workers.PoolSize = 7

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Workers.PoolSize != 7 {
		t.Errorf("round trip lost pool size: %d", reloaded.Workers.PoolSize)
	}

	if matches, _ := filepath.Glob(path + ".tmp-*"); len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Error("lock sentinel not released")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != home+"/x" {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}
