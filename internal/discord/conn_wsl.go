// conn_wsl.go adds the socket paths a WSL2 relay creates. Discord runs on
// the Windows host there, so its named pipe must be bridged, typically with:
//
//	socat UNIX-LISTEN:/tmp/discord-ipc-0,fork EXEC:"npiperelay.exe -ep -s //./pipe/discord-ipc-0"

//go:build linux

package discord

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

var wslOnce = sync.OnceValue(func() bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
})

// isWSL reports whether the current process is running inside WSL.
func isWSL() bool { return wslOnce() }

// wslSocketPaths returns relay socket locations not covered by socketDirs.
func wslSocketPaths() []string {
	if !isWSL() {
		return nil
	}
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		for i := range maxIPCSlots {
			paths = append(paths, fmt.Sprintf("%s/.discord-ipc-%d", home, i))
		}
	}
	return paths
}
