// config/config.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// The config package reads the daemon and admin-tool configuration
// file (YAML, through viper): where to listen, the TLS material, the
// accounts database, the disc sets, and the housekeeping policy.

package config

import (
	"fmt"
	"time"

	"github.com/mmp/bbstore/raidfile"
	"github.com/mmp/bbstore/store"
	"github.com/spf13/viper"
)

// DiscSet configures one striped group of directories.
type DiscSet struct {
	Name      string   `mapstructure:"name"`
	BlockSize int      `mapstructure:"block_size"`
	Dirs      []string `mapstructure:"dirs"`
}

type Config struct {
	ListenAddress   string `mapstructure:"listen_address"`
	CertFile        string `mapstructure:"cert_file"`
	KeyFile         string `mapstructure:"key_file"`
	TrustedCAsFile  string `mapstructure:"trusted_cas_file"`
	AccountDatabase string `mapstructure:"account_database"`

	DiscSets []DiscSet `mapstructure:"disc_sets"`

	TimeBetweenHousekeeping time.Duration `mapstructure:"time_between_housekeeping"`
	HousekeepOldWeight      int64         `mapstructure:"housekeep_old_version_weight"`
	HousekeepDeletedWeight  int64         `mapstructure:"housekeep_deleted_file_weight"`
	HousekeepMinimumAge     time.Duration `mapstructure:"housekeep_minimum_age"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("listen_address", "0.0.0.0:2201")
	v.SetDefault("time_between_housekeeping", time.Hour)
	v.SetDefault("housekeep_old_version_weight", 1)
	v.SetDefault("housekeep_deleted_file_weight", 2)
	v.SetDefault("housekeep_minimum_age", 24*time.Hour)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if len(cfg.DiscSets) == 0 {
		return nil, fmt.Errorf("%s: no disc sets configured", path)
	}
	for i, ds := range cfg.DiscSets {
		if len(ds.Dirs) == 0 {
			return nil, fmt.Errorf("%s: disc set %d has no directories", path, i)
		}
		if ds.BlockSize <= 0 {
			return nil, fmt.Errorf("%s: disc set %d has no block size", path, i)
		}
	}
	return &cfg, nil
}

// RaidSet returns the raidfile disc set for a configured set number.
func (c *Config) RaidSet(n int) (*raidfile.DiscSet, error) {
	if n < 0 || n >= len(c.DiscSets) {
		return nil, fmt.Errorf("disc set %d is not configured", n)
	}
	ds := c.DiscSets[n]
	return &raidfile.DiscSet{Dirs: ds.Dirs, BlockSize: ds.BlockSize}, nil
}

// Housekeeping returns the housekeeping policy from the configuration.
func (c *Config) Housekeeping() store.HousekeepingConfig {
	return store.HousekeepingConfig{
		OldVersionWeight:  c.HousekeepOldWeight,
		DeletedFileWeight: c.HousekeepDeletedWeight,
		MinimumAge:        c.HousekeepMinimumAge,
	}
}
