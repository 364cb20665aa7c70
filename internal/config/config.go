package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds every tunable of the forgeq kernel.
type Config struct {
	ListenAddr        string        `koanf:"listen_addr"`
	DBPath            string        `koanf:"db_path"`
	WorkspaceDir      string        `koanf:"workspace_dir"`
	OwnerSlotLimit    int           `koanf:"owner_slot_limit"`
	GlobalConcurrency int64         `koanf:"global_concurrency"`
	DefaultJobTimeout time.Duration `koanf:"default_job_timeout"`
	CancelGracePeriod time.Duration `koanf:"cancel_grace_period"`
	RetentionWindow   time.Duration `koanf:"retention_window"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	ScheduleTick      time.Duration `koanf:"schedule_tick"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr":         ":8080",
		"db_path":             "forgeq.db",
		"workspace_dir":       "",
		"owner_slot_limit":    3,
		"global_concurrency":  64,
		"default_job_timeout": "30m",
		"cancel_grace_period": "10s",
		"retention_window":    "720h",
		"sweep_interval":      "1h",
		"schedule_tick":       "1m",
		"cors_origins":        []string{"http://localhost:5173"},
	}
}

// Flags returns the pflag set the kernel binary registers. Only the config
// file path and the most commonly overridden knobs are flags; everything else
// comes from the file or FORGEQ_* environment variables.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("forgeq-kernel", pflag.ContinueOnError)
	fs.String("config", "", "path to YAML config file")
	fs.String("listen_addr", "", "HTTP listen address")
	fs.String("db_path", "", "path to the DuckDB database file")
	fs.Int("owner_slot_limit", 0, "max concurrent jobs per owner")
	return fs
}

// Load layers defaults, optional YAML file, FORGEQ_* env vars, and flags,
// in increasing order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// FORGEQ_OWNER_SLOT_LIMIT=5 -> owner_slot_limit
	err := k.Load(env.Provider("FORGEQ_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "FORGEQ_"))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, flagValue), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagValue only overlays flags the user actually set, so zero-valued flags
// do not clobber file or env settings.
func flagValue(f *pflag.Flag) (string, any) {
	if !f.Changed {
		return "", nil
	}
	return f.Name, f.Value.String()
}

func (c *Config) validate() error {
	if c.OwnerSlotLimit <= 0 {
		return fmt.Errorf("owner_slot_limit must be positive, got %d", c.OwnerSlotLimit)
	}
	if c.GlobalConcurrency <= 0 {
		return fmt.Errorf("global_concurrency must be positive, got %d", c.GlobalConcurrency)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	return nil
}
