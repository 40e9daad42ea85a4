package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bit2swaz/syncprobe/internal/store"
)

const (
	DefaultDriver           = "mysql"
	DefaultDatabase         = "test"
	DefaultTable            = "ondisk"
	DefaultUser             = "root"
	DefaultHost             = "127.0.0.1"
	DefaultPrimaryPort      = 4100
	DefaultSecondaryPort    = 4200
	DefaultIterations       = 1000
	DefaultProgress         = 100
	DefaultStatementTimeout = 5 * time.Second
	DefaultRetryBackoff     = 10 * time.Millisecond

	DefaultLoadTable    = "work"
	DefaultAlphabet     = "abcd"
	DefaultKeyLength    = 1
	DefaultValueLength  = 4
	DefaultDeleteChance = 0.10

	DefaultSandboxNodes = 2
	DefaultPGBasePort   = 5433
	DefaultAdminPort    = 8080
)

// Config is the whole tool configuration. Zero values are replaced by
// ApplyDefaults.
type Config struct {
	Driver      string        `yaml:"driver"`
	Database    string        `yaml:"database"`
	Table       string        `yaml:"table"`
	Credentials Credentials   `yaml:"credentials"`
	Primary     Node          `yaml:"primary"`
	Secondary   Node          `yaml:"secondary"`
	Probe       ProbeConfig   `yaml:"probe"`
	Load        LoadConfig    `yaml:"load"`
	Sandbox     SandboxConfig `yaml:"sandbox"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
}

type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Node addresses one cluster member. A nil Session falls back to the
// dialect default; an empty list disables session setup.
type Node struct {
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	Session []string `yaml:"session"`
}

type ProbeConfig struct {
	// Iterations bounds the run; 0 runs until cancelled.
	Iterations uint64 `yaml:"iterations"`
	// ProgressInterval is set by Default rather than ApplyDefaults, so an
	// explicit 0 reaches Validate and is rejected.
	ProgressInterval     uint64        `yaml:"progress_interval"`
	Truncate             *bool         `yaml:"truncate"`
	ReadDelay            time.Duration `yaml:"read_delay"`
	ReadRetries          int           `yaml:"read_retries"`
	ReadRetryBackoff     time.Duration `yaml:"read_retry_backoff"`
	WriteConflictRetries int           `yaml:"write_conflict_retries"`
	StatementTimeout     time.Duration `yaml:"statement_timeout"`
}

type LoadConfig struct {
	Table             string   `yaml:"table"`
	KeyLength         int      `yaml:"key_length"`
	ValueLength       int      `yaml:"value_length"`
	Alphabet          string   `yaml:"alphabet"`
	DeleteProbability *float64 `yaml:"delete_probability"`
	MaxOps            uint64   `yaml:"max_ops"`
	Seed              uint64   `yaml:"seed"`
}

type SandboxConfig struct {
	Nodes      int    `yaml:"nodes"`
	DataDir    string `yaml:"data_dir"`
	PGBasePort int    `yaml:"pg_base_port"`
	AdminPort  int    `yaml:"admin_port"`
}

// Default returns a config with every default applied, matching the two
// node Galera layout the probe was first written for.
func Default() Config {
	cfg := Config{Probe: ProbeConfig{
		Iterations:       DefaultIterations,
		ProgressInterval: DefaultProgress,
	}}
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file on top of Default, so keys
// missing from the file keep their defaults, an explicit "iterations: 0"
// still means unbounded and "progress_interval: 0" fails validation.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Credentials.User == "" {
		cfg.Credentials.User = DefaultUser
	}
	if cfg.Primary.Host == "" {
		cfg.Primary.Host = DefaultHost
	}
	if cfg.Primary.Port == 0 {
		cfg.Primary.Port = DefaultPrimaryPort
	}
	if cfg.Secondary.Host == "" {
		cfg.Secondary.Host = DefaultHost
	}
	if cfg.Secondary.Port == 0 {
		cfg.Secondary.Port = DefaultSecondaryPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	p := &cfg.Probe
	if p.Truncate == nil {
		t := true
		p.Truncate = &t
	}
	if p.ReadRetryBackoff == 0 {
		p.ReadRetryBackoff = DefaultRetryBackoff
	}
	if p.StatementTimeout == 0 {
		p.StatementTimeout = DefaultStatementTimeout
	}

	l := &cfg.Load
	if l.Table == "" {
		l.Table = DefaultLoadTable
	}
	if l.Alphabet == "" {
		l.Alphabet = DefaultAlphabet
	}
	if l.KeyLength == 0 {
		l.KeyLength = DefaultKeyLength
	}
	if l.ValueLength == 0 {
		l.ValueLength = DefaultValueLength
	}
	if l.DeleteProbability == nil {
		p := DefaultDeleteChance
		l.DeleteProbability = &p
	}

	s := &cfg.Sandbox
	if s.Nodes == 0 {
		s.Nodes = DefaultSandboxNodes
	}
	if s.PGBasePort == 0 {
		s.PGBasePort = DefaultPGBasePort
	}
	if s.AdminPort == 0 {
		s.AdminPort = DefaultAdminPort
	}
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	switch strings.ToLower(cfg.Driver) {
	case "sandbox":
	default:
		if _, err := store.LookupDialect(cfg.Driver); err != nil {
			return err
		}
	}
	if cfg.Table == "" {
		return fmt.Errorf("table is required")
	}
	if cfg.Probe.ProgressInterval == 0 {
		return fmt.Errorf("probe.progress_interval must be positive")
	}
	if cfg.Probe.ReadRetries < 0 || cfg.Probe.WriteConflictRetries < 0 {
		return fmt.Errorf("probe retries must not be negative")
	}
	if cfg.Load.KeyLength > len(cfg.Load.Alphabet) || cfg.Load.ValueLength > len(cfg.Load.Alphabet) {
		return fmt.Errorf("load key_length and value_length must not exceed the alphabet size %d", len(cfg.Load.Alphabet))
	}
	if d := cfg.Load.DeleteChance(); d < 0 || d > 1 {
		return fmt.Errorf("load.delete_probability must be within [0, 1]")
	}
	if cfg.Sandbox.Nodes < 1 {
		return fmt.Errorf("sandbox.nodes must be at least 1")
	}
	return nil
}

// Handle builds the store handle for one of the configured nodes.
func (c Config) Handle(name string, n Node) store.NodeHandle {
	var session []string
	if n.Session != nil {
		session = append([]string{}, n.Session...)
	}
	return store.NodeHandle{
		Name:     name,
		Host:     n.Host,
		Port:     n.Port,
		User:     c.Credentials.User,
		Password: c.Credentials.Password,
		Database: c.Database,
		Session:  session,
	}
}

func (c Config) PrimaryHandle() store.NodeHandle {
	return c.Handle("primary", c.Primary)
}

func (c Config) SecondaryHandle() store.NodeHandle {
	return c.Handle("secondary", c.Secondary)
}

func (c Config) TruncateFirst() bool {
	return c.Probe.Truncate == nil || *c.Probe.Truncate
}

func (l LoadConfig) DeleteChance() float64 {
	if l.DeleteProbability == nil {
		return DefaultDeleteChance
	}
	return *l.DeleteProbability
}
