package datadir

import (
	"os"
	"path/filepath"
)

// EnvVar overrides the default data directory.
const EnvVar = "DMHUB_HOME"

// Base returns $DMHUB_HOME, or ~/.dmhub when unset.
func Base() string {
	if dir := os.Getenv(EnvVar); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dmhub")
}

// Resolve determines the data directory using precedence:
// 1. flagOverride (--data-dir flag)
// 2. $DMHUB_HOME
// 3. ~/.dmhub
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	return Base()
}

// ConfigPath returns the config file path inside dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.toml")
}

// DBPath returns the message store path.
func DBPath(dir string) string {
	return filepath.Join(dir, "dmhub.db")
}

// SocketPath returns the admin UDS socket path.
func SocketPath(dir string) string {
	return filepath.Join(dir, "admin.sock")
}

// LogDir returns the log directory.
func LogDir(dir string) string {
	return filepath.Join(dir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dir string) string {
	return filepath.Join(LogDir(dir), "dmhubd.log")
}

// Ensure creates the data directory tree with proper permissions.
func Ensure(dir string) error {
	for _, d := range []string{dir, LogDir(dir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
