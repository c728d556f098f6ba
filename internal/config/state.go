package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// statePathOverride allows tests to redirect the state file path.
var statePathOverride string //nolint:gochecknoglobals // test hook

// SetStatePathOverride sets a test override for the state file path. Pass
// "" to restore the default. This is intended for tests only.
func SetStatePathOverride(path string) {
	statePathOverride = path
}

// ServerState describes a running gateway. `serve` writes it once the
// listener is bound so `status` can find the actual address, which matters
// when listening on port 0.
type ServerState struct {
	Addr    string    `toml:"addr"`
	Origin  string    `toml:"origin"`
	PID     int       `toml:"pid"`
	Started time.Time `toml:"started"`
}

// StatePath returns the path of the gateway state file, under
// $XDG_RUNTIME_DIR when set and the user cache directory otherwise.
func StatePath() string {
	if statePathOverride != "" {
		return statePathOverride
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		var err error
		if dir, err = os.UserCacheDir(); err != nil {
			dir = os.TempDir()
		}
	}
	return filepath.Join(dir, "carrange", "server.toml")
}

// WriteState writes the state file, creating its directory if needed.
func WriteState(s ServerState) error {
	path := StatePath()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("encode server state: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ReadState reads the state file. Returns os.ErrNotExist if no gateway has
// written one.
func ReadState() (ServerState, error) {
	var s ServerState
	if _, err := toml.DecodeFile(StatePath(), &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ServerState{}, os.ErrNotExist
		}
		return ServerState{}, err
	}
	return s, nil
}

// RemoveState removes the state file (best-effort).
func RemoveState() {
	os.Remove(StatePath()) //nolint:errcheck // best-effort cleanup on shutdown
}
