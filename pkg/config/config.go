package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the loaders.
const EnvPrefix = "SHIPGO"

// newViper returns a viper instance bound to SHIPGO_* variables and, when
// present, a config file. SHIPGO_CONFIG names the file explicitly; otherwise
// <user config dir>/shipgo/config.yaml is tried.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	path := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG"))
	explicit := path != ""
	if !explicit {
		if dir, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(dir, "shipgo", "config.yaml")
		}
	}
	if path == "" {
		return v, nil
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// DefaultDataDir returns the per-user directory that holds session, cache,
// content and crash state.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "shipgo")
	}
	return filepath.Join(os.TempDir(), "shipgo")
}
