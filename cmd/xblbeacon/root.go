package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tools.zach/dev/xblbeacon/internal/paths"
)

// defaultDataDir returns ~/.xblbeacon, or ./.xblbeacon when the home
// directory is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.DataDirRel)
	}
	return filepath.Join(home, paths.DataDirRel)
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	dataDir string
}

func (g *globalFlags) paths() paths.DataDir { return paths.DataDir{Root: g.dataDir} }

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           paths.BinaryName,
		Short:         "Show your xb.live online status as Discord Rich Presence",
		Long:          "xblbeacon polls xb.live for the signed-in Insignia account and mirrors what you are playing to Discord Rich Presence. Run \"xblbeacon run\" to start the daemon; the other commands talk to it.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.dataDir, "data-dir", defaultDataDir(), "data directory for config, settings and logs")

	discordCmd := &cobra.Command{
		Use:   "discord",
		Short: "Link or unlink the Discord client",
	}
	discordCmd.AddCommand(newDiscordLoginCmd(g), newDiscordLogoutCmd(g))

	root.AddCommand(
		newRunCmd(g),
		newShutdownCmd(g),
		newStatusCmd(g),
		newWatchCmd(g),
		newStartCmd(g),
		newStopCmd(g),
		discordCmd,
		newLoginCmd(g),
		newLogoutCmd(g),
		newRegisterCmd(g),
		newPlayTimeCmd(g),
		newAutoStartCmd(g),
		newLogsCmd(g),
		newVersionCmd(),
	)
	return root
}
