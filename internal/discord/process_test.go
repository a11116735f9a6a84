package discord

import (
	"context"
	"testing"
)

func TestIsDiscordProcess(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Discord", true},
		{"Discord.exe", true},
		{"DiscordCanary", true},
		{"discordptb", true},
		{"Discord Canary", true},
		{" discord ", true},
		{"discord-ipc", false},
		{"DiscordSetup.exe", false},
		{"", false},
		{"bash", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDiscordProcess(tt.name); got != tt.want {
				t.Errorf("IsDiscordProcess(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestRunning_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Must return promptly without panicking; the answer depends on the host.
	_ = Running(ctx)
}
