// Package config provides configuration loading and defaults for the
// xblbeacon daemon.
//
// Configuration is loaded from a TOML file in the user's data directory.
// It covers the Discord application, the Insignia/xb.live endpoints, poll
// and reconnect timing, presence display templates, privacy controls, the
// local control API, and logging.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/xblbeacon/internal/atomicfile"
	"tools.zach/dev/xblbeacon/internal/migrate"
	"tools.zach/dev/xblbeacon/internal/paths"
)

// DefaultDiscordAppID is the xb.live Beacon Discord application ID.
const DefaultDiscordAppID = "1451762829303742555"

// Default remote endpoints. Both can be overridden in config.toml or via
// the XBL_SITE_URL and AUTH_API_URL environment variables.
const (
	DefaultSiteURL = "https://xb.live"
	DefaultAuthURL = "https://auth.insigniastats.live/api"
)

// Environment variables that override the configured endpoints.
const (
	EnvSiteURL = "XBL_SITE_URL"
	EnvAuthURL = "AUTH_API_URL"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Discord holds Discord connection settings.
	Discord DiscordConfig `toml:"discord"`
	// Insignia holds the remote status and auth endpoints.
	Insignia InsigniaConfig `toml:"insignia"`
	// Polling holds the adaptive poll schedule.
	Polling PollingConfig `toml:"polling"`
	// Reconnect holds the Discord reconnection policy.
	Reconnect ReconnectConfig `toml:"reconnect"`
	// Display holds presence display templates and asset keys.
	Display DisplayConfig `toml:"display"`
	// Privacy holds game-hiding settings.
	Privacy PrivacyConfig `toml:"privacy"`
	// Control holds the local control API settings.
	Control ControlConfig `toml:"control"`
	// Update holds the new-version check settings.
	Update UpdateConfig `toml:"update"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	// AppID is the Discord application ID for Rich Presence.
	AppID string `toml:"app_id"`
}

// InsigniaConfig holds the remote endpoints.
type InsigniaConfig struct {
	// SiteURL is the xb.live site hosting the /api/me/* status endpoints.
	SiteURL string `toml:"site_url"`
	// AuthURL is the Insignia auth API base used for login and logout.
	AuthURL string `toml:"auth_url"`
	// TimeoutSeconds bounds each remote request.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// RetryMax is the number of retries for idempotent remote calls.
	RetryMax int `toml:"retry_max"`
}

// PollingConfig holds the adaptive poll schedule.
type PollingConfig struct {
	// ActiveIntervalSeconds is the delay between polls while presence is shown.
	ActiveIntervalSeconds int `toml:"active_interval_seconds"`
	// IdleIntervalSeconds is the delay between polls while presence is hidden.
	IdleIntervalSeconds int `toml:"idle_interval_seconds"`
	// StartupDelaySeconds delays the boot-time autoresume so Discord has a
	// chance to come up first when both start at login.
	StartupDelaySeconds int `toml:"startup_delay_seconds"`
}

// ReconnectConfig holds the Discord reconnection policy.
type ReconnectConfig struct {
	// InitialDelaySeconds is the delay before the first reconnect attempt.
	InitialDelaySeconds int `toml:"initial_delay_seconds"`
	// MaxDelaySeconds caps the doubling backoff.
	MaxDelaySeconds int `toml:"max_delay_seconds"`
	// MaxAttempts is the number of attempts before giving up until the next
	// explicit login.
	MaxAttempts int `toml:"max_attempts"`
	// HandshakeTimeoutSeconds bounds the IPC handshake.
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
}

// DisplayConfig holds presence display settings.
type DisplayConfig struct {
	// Details is the top line when a game is known (supports {game}).
	Details string `toml:"details"`
	// DetailsNoGame is the top line when online without a specific game.
	DetailsNoGame string `toml:"details_no_game"`
	// State is the bottom line (supports {username}).
	State string `toml:"state"`
	// LargeImage is the Discord asset key for the large image.
	LargeImage string `toml:"large_image"`
	// LargeTextFallback is the large image tooltip when no game is known.
	LargeTextFallback string `toml:"large_text_fallback"`
	// SmallImage is the Discord asset key for the small image.
	SmallImage string `toml:"small_image"`
	// SmallText is the small image tooltip.
	SmallText string `toml:"small_text"`
}

// PrivacyConfig holds privacy settings.
type PrivacyConfig struct {
	// HiddenGames is a list of glob patterns; matching game titles are shown
	// as "online, no specific game".
	HiddenGames []string `toml:"hidden_games"`
}

// ControlConfig holds the local control API settings.
type ControlConfig struct {
	// Listen is the loopback host:port the control API binds to.
	Listen string `toml:"listen"`
}

// UpdateConfig holds the new-version check settings.
type UpdateConfig struct {
	// ManifestURL points at a JSON manifest {".": "x.y.z"}; empty disables
	// the check.
	ManifestURL string `toml:"manifest_url"`
	// CheckIntervalHours is the delay between checks.
	CheckIntervalHours int `toml:"check_interval_hours"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with the defaults shipped by the
// desktop app.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Discord: DiscordConfig{
			AppID: DefaultDiscordAppID,
		},
		Insignia: InsigniaConfig{
			SiteURL:        DefaultSiteURL,
			AuthURL:        DefaultAuthURL,
			TimeoutSeconds: 15,
			RetryMax:       1,
		},
		Polling: PollingConfig{
			ActiveIntervalSeconds: 120,
			IdleIntervalSeconds:   300,
			StartupDelaySeconds:   2,
		},
		Reconnect: ReconnectConfig{
			InitialDelaySeconds:     2,
			MaxDelaySeconds:         30,
			MaxAttempts:             10,
			HandshakeTimeoutSeconds: 5,
		},
		Display: DisplayConfig{
			Details:           "Playing {game}",
			DetailsNoGame:     "Online on xb.live",
			State:             "Online as {username}",
			LargeImage:        "logo",
			LargeTextFallback: "OG Xbox",
			SmallImage:        "online",
			SmallText:         "xb.live",
		},
		Privacy: PrivacyConfig{
			HiddenGames: []string{},
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:47615",
		},
		Update: UpdateConfig{
			CheckIntervalHours: 24,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil || v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses dataDir/config.toml over [DefaultConfig], applies
// environment overrides, and validates the result. A missing file yields the
// defaults.
func Load(dataDir string) (*Config, error) {
	return load(dataDir, os.Getenv)
}

func load(dataDir string, getenv func(string) string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if data != nil {
		version := PeekVersion(data)
		migrated := migrate.Config.Pending(version)
		if migrated {
			if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
				slog.Warn("failed to write config backup", "error", backupErr)
			}
			if data, _, err = migrate.Config.Run(data, version); err != nil {
				return nil, fmt.Errorf("migrate config: %w", err)
			}
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.Version = migrate.Config.CurrentVersion
		if migrated {
			defer func() {
				if err := cfg.Save(path); err != nil {
					slog.Warn("failed to save migrated config", "error", err)
				}
			}()
		}
	}

	cfg.applyEnv(getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides endpoints from the environment, matching the variables
// the desktop app honored.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvSiteURL)); v != "" {
		c.Insignia.SiteURL = v
	}
	if v := strings.TrimSpace(getenv(EnvAuthURL)); v != "" {
		c.Insignia.AuthURL = v
	}
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Discord.AppID) == "" {
		return fmt.Errorf("discord.app_id must not be empty")
	}
	for name, u := range map[string]string{"site_url": c.Insignia.SiteURL, "auth_url": c.Insignia.AuthURL} {
		if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
			return fmt.Errorf("invalid insignia.%s %q: must be an http(s) URL", name, u)
		}
	}
	if c.Insignia.TimeoutSeconds <= 0 {
		return fmt.Errorf("insignia.timeout_seconds must be > 0, got %d", c.Insignia.TimeoutSeconds)
	}
	if c.Insignia.RetryMax < 0 {
		return fmt.Errorf("insignia.retry_max must be >= 0, got %d", c.Insignia.RetryMax)
	}

	if c.Polling.ActiveIntervalSeconds <= 0 {
		return fmt.Errorf("polling.active_interval_seconds must be > 0, got %d", c.Polling.ActiveIntervalSeconds)
	}
	if c.Polling.IdleIntervalSeconds <= 0 {
		return fmt.Errorf("polling.idle_interval_seconds must be > 0, got %d", c.Polling.IdleIntervalSeconds)
	}
	if c.Polling.StartupDelaySeconds < 0 {
		return fmt.Errorf("polling.startup_delay_seconds must be >= 0, got %d", c.Polling.StartupDelaySeconds)
	}

	if c.Reconnect.InitialDelaySeconds <= 0 {
		return fmt.Errorf("reconnect.initial_delay_seconds must be > 0, got %d", c.Reconnect.InitialDelaySeconds)
	}
	if c.Reconnect.MaxDelaySeconds < c.Reconnect.InitialDelaySeconds {
		return fmt.Errorf("reconnect.max_delay_seconds (%d) must be >= initial_delay_seconds (%d)",
			c.Reconnect.MaxDelaySeconds, c.Reconnect.InitialDelaySeconds)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("reconnect.handshake_timeout_seconds must be > 0, got %d", c.Reconnect.HandshakeTimeoutSeconds)
	}

	if !strings.Contains(c.Display.Details, "{game}") {
		return fmt.Errorf("invalid display.details %q: must contain {game}", c.Display.Details)
	}

	for _, pattern := range c.Privacy.HiddenGames {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid privacy.hidden_games pattern %q", pattern)
		}
	}

	if err := validateLoopback(c.Control.Listen); err != nil {
		return err
	}

	if c.Update.CheckIntervalHours <= 0 {
		return fmt.Errorf("update.check_interval_hours must be > 0, got %d", c.Update.CheckIntervalHours)
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}
	return nil
}

// validateLoopback rejects control listen addresses reachable off-host.
func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid control.listen %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("invalid control.listen %q: must be a loopback address", addr)
}

// ///////////////////////////////////////////////
// Durations
// ///////////////////////////////////////////////

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ActiveInterval returns the poll delay while presence is advertised.
func (p PollingConfig) ActiveInterval() time.Duration { return seconds(p.ActiveIntervalSeconds) }

// IdleInterval returns the poll delay while presence is hidden.
func (p PollingConfig) IdleInterval() time.Duration { return seconds(p.IdleIntervalSeconds) }

// StartupDelay returns the boot-time autoresume delay.
func (p PollingConfig) StartupDelay() time.Duration { return seconds(p.StartupDelaySeconds) }

// InitialDelay returns the first reconnect delay.
func (r ReconnectConfig) InitialDelay() time.Duration { return seconds(r.InitialDelaySeconds) }

// MaxDelay returns the reconnect delay cap.
func (r ReconnectConfig) MaxDelay() time.Duration { return seconds(r.MaxDelaySeconds) }

// HandshakeTimeout returns the IPC handshake deadline.
func (r ReconnectConfig) HandshakeTimeout() time.Duration { return seconds(r.HandshakeTimeoutSeconds) }

// Timeout returns the per-request timeout for remote calls.
func (i InsigniaConfig) Timeout() time.Duration { return seconds(i.TimeoutSeconds) }

// CheckInterval returns the delay between update checks.
func (u UpdateConfig) CheckInterval() time.Duration {
	return time.Duration(u.CheckIntervalHours) * time.Hour
}

// ///////////////////////////////////////////////
// Formatting Helpers
// ///////////////////////////////////////////////

// FormatDetails renders the top presence line. An empty game selects
// details_no_game.
func (d DisplayConfig) FormatDetails(game string) string {
	if game == "" {
		return d.DetailsNoGame
	}
	return strings.ReplaceAll(d.Details, "{game}", game)
}

// FormatState renders the bottom presence line.
func (d DisplayConfig) FormatState(username string) string {
	return strings.ReplaceAll(d.State, "{username}", username)
}

// LargeText returns the large image tooltip: the game title, or the
// fallback label when no game is known.
func (d DisplayConfig) LargeText(game string) string {
	if game == "" {
		return d.LargeTextFallback
	}
	return game
}

// ///////////////////////////////////////////////
// Privacy Helpers
// ///////////////////////////////////////////////

// IsHiddenGame reports whether game matches any configured hidden_games
// pattern. Matching is case-insensitive.
func (p PrivacyConfig) IsHiddenGame(game string) bool {
	if game == "" {
		return false
	}
	lower := strings.ToLower(game)
	for _, pattern := range p.HiddenGames {
		matched, err := doublestar.Match(strings.ToLower(pattern), lower)
		if err != nil {
			slog.Warn("invalid glob pattern", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
