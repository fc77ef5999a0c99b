// Package xdg resolves the host-side directory layout used by gamevm.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "gamevm"

// Dirs holds the resolved XDG-compliant directory paths for gamevm.
type Dirs struct {
	// Config is ~/.config/gamevm  (XDG_CONFIG_HOME)
	Config string
	// Data is ~/.local/share/gamevm  (XDG_DATA_HOME)
	Data string
	// State is ~/.local/state/gamevm  (XDG_STATE_HOME)
	State string
}

// xdgBase returns the XDG base directory, falling back to the given default
// when the environment variable is unset or empty.
func xdgBase(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Default returns the resolved directory set using the current environment and
// home directory.
func Default() Dirs {
	return Dirs{
		Config: filepath.Join(xdgBase("XDG_CONFIG_HOME", ".config"), appName),
		Data:   filepath.Join(xdgBase("XDG_DATA_HOME", ".local/share"), appName),
		State:  filepath.Join(xdgBase("XDG_STATE_HOME", ".local/state"), appName),
	}
}

// ConfigFile returns the path of the user-level configuration file.
func (d Dirs) ConfigFile() string {
	return filepath.Join(d.Config, appName+".env")
}

// LogsDir returns the rotating run-log directory.
func (d Dirs) LogsDir() string {
	return filepath.Join(d.State, "logs")
}

// SyncDirs returns the host directories mirrored to the VM.
func SyncDirs(dataDir string) []string {
	return []string{
		filepath.Join(dataDir, "config"),
		filepath.Join(dataDir, "saves"),
		filepath.Join(dataDir, "mods"),
		filepath.Join(dataDir, "backups"),
	}
}

// EnsureDirs creates the config, log and data directories that do not yet exist.
// An empty logDir means LogsDir. Directories are created with mode 0700 since
// the config holds credentials.
func (d Dirs) EnsureDirs(logDir, dataDir string) error {
	if logDir == "" {
		logDir = d.LogsDir()
	}
	dirs := append([]string{d.Config, logDir}, SyncDirs(dataDir)...)
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
