package config

import (
	"os"
	"path/filepath"
)

// Paths resolves every on-disk location the daemon uses from one base
// directory, so tests and alternate profiles can relocate the whole tree.
type Paths struct {
	Base string
}

// DefaultPaths roots the tree at ~/.courtside.
func DefaultPaths() Paths {
	home, _ := os.UserHomeDir()
	return Paths{Base: filepath.Join(home, ".courtside")}
}

// Config returns the config file path.
func (p Paths) Config() string {
	return filepath.Join(p.Base, "config.toml")
}

// CredentialsDB returns the credentials database path.
func (p Paths) CredentialsDB() string {
	return filepath.Join(p.Base, "credentials.db")
}

// LogDir returns the log directory.
func (p Paths) LogDir() string {
	return filepath.Join(p.Base, "logs")
}

// Log returns the daemon log file path.
func (p Paths) Log() string {
	return filepath.Join(p.LogDir(), "courtsided.log")
}

// EnsureDirs creates the base directory tree with owner-only permissions.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
