package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "syncprobe.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Driver != "mysql" || cfg.Table != "ondisk" || cfg.Database != "test" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Primary.Port != 4100 || cfg.Secondary.Port != 4200 {
		t.Fatalf("ports=%d/%d", cfg.Primary.Port, cfg.Secondary.Port)
	}
	if cfg.Probe.Iterations != DefaultIterations || cfg.Probe.ProgressInterval != DefaultProgress {
		t.Fatalf("probe=%+v", cfg.Probe)
	}
	if !cfg.TruncateFirst() {
		t.Fatalf("truncate should default to true")
	}
	if cfg.Load.DeleteChance() != DefaultDeleteChance {
		t.Fatalf("delete chance=%v", cfg.Load.DeleteChance())
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_OverridesAndKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
driver: postgres
table: probe_rows
credentials:
  user: app
  password: s3cret
primary:
  host: db1
  port: 5432
secondary:
  host: db2
  session: []
probe:
  iterations: 0
  read_delay: 250ms
  truncate: false
load:
  delete_probability: 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Driver != "postgres" || cfg.Table != "probe_rows" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Probe.Iterations != 0 {
		t.Fatalf("explicit iterations: 0 must survive, got %d", cfg.Probe.Iterations)
	}
	if cfg.Probe.ReadDelay != 250*time.Millisecond {
		t.Fatalf("read_delay=%v", cfg.Probe.ReadDelay)
	}
	if cfg.TruncateFirst() {
		t.Fatalf("truncate=false ignored")
	}
	if cfg.Load.DeleteChance() != 0 {
		t.Fatalf("delete_probability=%v", cfg.Load.DeleteChance())
	}
	if cfg.Secondary.Port != DefaultSecondaryPort {
		t.Fatalf("secondary port default lost: %d", cfg.Secondary.Port)
	}
	if cfg.Probe.StatementTimeout != DefaultStatementTimeout {
		t.Fatalf("statement_timeout default lost: %v", cfg.Probe.StatementTimeout)
	}

	primary := cfg.PrimaryHandle()
	if primary.Name != "primary" || primary.Addr() != "db1:5432" || primary.User != "app" || primary.Password != "s3cret" {
		t.Fatalf("primary handle=%+v", primary)
	}
	if primary.Session != nil {
		t.Fatalf("omitted session must stay nil, got %v", primary.Session)
	}

	secondary := cfg.SecondaryHandle()
	if secondary.Session == nil || len(secondary.Session) != 0 {
		t.Fatalf("explicit empty session must stay empty, got %#v", secondary.Session)
	}
}

func TestLoad_ProgressInterval(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "probe:\n  iterations: 5\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Probe.ProgressInterval != DefaultProgress {
		t.Fatalf("omitted progress_interval should default, got %d", cfg.Probe.ProgressInterval)
	}

	cfg, err = Load(writeConfig(t, "probe:\n  progress_interval: 0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Probe.ProgressInterval != 0 {
		t.Fatalf("explicit progress_interval: 0 was rewritten to %d", cfg.Probe.ProgressInterval)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected progress_interval: 0 to be rejected")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := writeConfig(t, "probe: [not, a, map]\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Driver = "oracle" }},
		{"negative retries", func(c *Config) { c.Probe.ReadRetries = -1 }},
		{"key longer than alphabet", func(c *Config) { c.Load.KeyLength = 9 }},
		{"delete chance above one", func(c *Config) { d := 1.5; c.Load.DeleteProbability = &d }},
		{"no sandbox nodes", func(c *Config) { c.Sandbox.Nodes = -1 }},
		{"zero progress interval", func(c *Config) { c.Probe.ProgressInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	cfg := Default()
	cfg.Driver = "sandbox"
	if err := Validate(cfg); err != nil {
		t.Fatalf("sandbox driver should validate: %v", err)
	}
}

func TestHandleCopiesSession(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Primary.Session = []string{"SET SESSION wsrep_sync_wait = 1"}

	h := cfg.PrimaryHandle()
	cfg.Primary.Session[0] = "mutated"
	if h.Session[0] != "SET SESSION wsrep_sync_wait = 1" {
		t.Fatalf("handle shares session slice with config")
	}
}
