// Package xblbeacon provides embedded assets for the xblbeacon daemon.
//
// The root package exists solely to embed [config.default.toml] via
// [DefaultConfigTOML]. The daemon writes this file to the data directory on
// first run so users have a commented starting point.
package xblbeacon

import _ "embed"

// DefaultConfigTOML holds the raw bytes of config.default.toml, embedded at
// build time.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
