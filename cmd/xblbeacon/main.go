// Package main is the xblbeacon command. "xblbeacon run" starts the daemon
// that mirrors xb.live online status to Discord Rich Presence; the other
// subcommands drive a running daemon over its local control API.
package main

import (
	"os"
	"runtime/debug"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time with -ldflags "-X main.version=...". Bare
// go builds fall back to the embedded VCS revision.
var version = "dev"

// resolveVersion returns the ldflags version, or "dev+<hash>[.dirty]" from
// the VCS info the toolchain embeds.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
