// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import "path/filepath"

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile          = "daemon.pid"
	ConfigFile       = "config.toml"
	LogFile          = "daemon.log"
	StoreFile        = "settings.json"
	ControlTokenFile = "control.token"
)

// Binary and data directory naming.
const (
	BinaryName = "xblbeacon"
	DataDirRel = ".xblbeacon" // relative to $HOME
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Store returns the full path to the persisted settings store.
func (d DataDir) Store() string { return filepath.Join(d.Root, StoreFile) }

// ControlToken returns the full path to the file holding the bearer token
// that guards the local control API.
func (d DataDir) ControlToken() string { return filepath.Join(d.Root, ControlTokenFile) }
