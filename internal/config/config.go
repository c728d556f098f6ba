package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bamsammich/carrange/internal/filter"
)

// Config represents the optional carrange configuration file.
type Config struct {
	Server ServerConfig `toml:"server"`
	Log    LogConfig    `toml:"log"`
}

// ServerConfig holds gateway settings. Nil means unset.
type ServerConfig struct {
	Listen         *string `toml:"listen"`
	Origin         *string `toml:"origin"`
	CacheEntries   *int    `toml:"cache_entries"`
	CacheMaxEntry  *string `toml:"cache_max_entry"`
	BWLimit        *string `toml:"bwlimit"`
	MaxSectionSize *string `toml:"max_section_size"`
	Verify         *bool   `toml:"verify"`
	Timeout        *string `toml:"timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level *string `toml:"level"`
	File  *string `toml:"file"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "carrange", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config file at path. A missing file yields a zero
// Config.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// Size parses an optional size setting such as "64M". Unset yields def.
func Size(v *string, def int64) (int64, error) {
	if v == nil {
		return def, nil
	}
	return filter.ParseSize(*v)
}

// Duration parses an optional duration setting such as "30s". Unset yields
// def.
func Duration(v *string, def time.Duration) (time.Duration, error) {
	if v == nil {
		return def, nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", *v, err)
	}
	return d, nil
}
