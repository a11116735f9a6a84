// conn_unix.go implements Discord IPC socket discovery for Unix-like systems
// (Linux, macOS, FreeBSD).

//go:build !windows

package discord

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// ///////////////////////////////////////////////
// Socket Discovery
// ///////////////////////////////////////////////

// variants are the socket name prefixes for stable, Canary and PTB builds.
var variants = []string{"discord-ipc", "discordcanary-ipc", "discordptb-ipc"}

// socketDirs returns the directories Discord may create its socket in, in
// probe order. macOS exposes a per-user TMPDIR; Linux uses XDG_RUNTIME_DIR
// with Snap and Flatpak app-scoped subdirectories.
func socketDirs() []string {
	var dirs []string
	for _, env := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if dir := os.Getenv(env); dir != "" {
			dirs = append(dirs, dir)
		}
	}
	dirs = append(dirs, "/tmp")

	runUser := filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
	for _, sd := range []string{"snap.discord", "snap.discord-canary", "snap.discord-ptb"} {
		dirs = append(dirs, filepath.Join(runUser, sd))
	}
	for _, app := range []string{"com.discordapp.Discord", "com.discordapp.DiscordCanary", "com.discordapp.DiscordPTB"} {
		dirs = append(dirs, filepath.Join(runUser, "app", app))
	}
	return dirs
}

// socketPaths expands socketDirs into every candidate socket path.
func socketPaths() []string {
	var paths []string
	for _, dir := range socketDirs() {
		for _, v := range variants {
			for i := range maxIPCSlots {
				paths = append(paths, filepath.Join(dir, fmt.Sprintf("%s-%d", v, i)))
			}
		}
	}
	return append(paths, wslSocketPaths()...)
}

// ///////////////////////////////////////////////
// Connection
// ///////////////////////////////////////////////

// connectToDiscord dials each candidate socket and returns the first that
// accepts.
func connectToDiscord(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	for _, path := range socketPaths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
	}

	if isWSL() {
		return nil, fmt.Errorf("%w: running under WSL, a socat + npiperelay.exe relay is required", ErrIPCNotAvailable)
	}
	return nil, ErrIPCNotAvailable
}
