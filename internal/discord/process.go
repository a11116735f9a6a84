package discord

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// processNames are the lower-cased executable names of Discord builds, with
// any .exe suffix removed.
var processNames = []string{
	"discord",
	"discordcanary",
	"discordptb",
	"discord canary",
	"discord ptb",
}

// IsDiscordProcess reports whether an executable name belongs to a Discord
// client build.
func IsDiscordProcess(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, ".exe")
	for _, want := range processNames {
		if n == want {
			return true
		}
	}
	return false
}

// Running reports whether any Discord client process is running. Errors
// listing processes are logged and reported as not running.
func Running(ctx context.Context) bool {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		slog.Debug("listing processes failed", "error", err)
		return false
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if IsDiscordProcess(name) {
			return true
		}
	}
	return false
}
