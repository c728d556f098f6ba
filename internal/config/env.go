package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables that override the config file.
const (
	EnvListen   = "CARRANGE_LISTEN"
	EnvOrigin   = "CARRANGE_ORIGIN"
	EnvLogLevel = "CARRANGE_LOG_LEVEL"
)

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none
// are given) into the process environment. Variables already set win.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvListen); v != "" {
		cfg.Server.Listen = &v
	}
	if v := os.Getenv(EnvOrigin); v != "" {
		cfg.Server.Origin = &v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = &v
	}
}
