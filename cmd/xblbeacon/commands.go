package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tools.zach/dev/xblbeacon/internal/config"
	"tools.zach/dev/xblbeacon/internal/control"
	"tools.zach/dev/xblbeacon/internal/logger"
	"tools.zach/dev/xblbeacon/internal/presence"
)

// client builds a control API client from the data directory's config and
// token.
func (g *globalFlags) client() (*control.Client, error) {
	dp := g.paths()
	cfg, err := config.Load(dp.Root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	token, err := control.ReadToken(dp.ControlToken())
	if err != nil {
		if errors.Is(err, control.ErrNoToken) {
			return nil, errors.New("daemon has never run here; start it with \"xblbeacon run\"")
		}
		return nil, err
	}
	return control.NewClient(cfg.Control.Listen, token), nil
}

// simpleCmd wraps a client call that only prints msg on success.
func simpleCmd(g *globalFlags, use, short, msg string, call func(context.Context, *control.Client) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := call(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ///////////////////////////////////////////////
// Daemon Lifecycle
// ///////////////////////////////////////////////

func newShutdownCmd(g *globalFlags) *cobra.Command {
	return simpleCmd(g, "shutdown", "Ask the running daemon to exit", "daemon shutting down",
		func(ctx context.Context, c *control.Client) error { return c.Shutdown(ctx) })
}

func newStartCmd(g *globalFlags) *cobra.Command {
	return simpleCmd(g, "start", "Start checking xb.live status", "presence checking started",
		func(ctx context.Context, c *control.Client) error { return c.Start(ctx) })
}

func newStopCmd(g *globalFlags) *cobra.Command {
	return simpleCmd(g, "stop", "Stop checking and clear the presence", "presence checking stopped",
		func(ctx context.Context, c *control.Client) error { return c.Stop(ctx) })
}

// ///////////////////////////////////////////////
// Status
// ///////////////////////////////////////////////

func newStatusCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			st, err := c.State(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printState(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw state as JSON")
	return cmd
}

func printState(w io.Writer, st control.State) {
	discordLine := "not linked"
	if st.Discord != nil {
		discordLine = st.Discord.Username
	}
	insigniaLine := "not logged in"
	if st.InsigniaUser != nil {
		insigniaLine = st.InsigniaUser.Username
	}
	presenceLine := "hidden"
	if st.Active {
		presenceLine = "shown"
		if st.LastGameName != "" {
			presenceLine += " (" + st.LastGameName + ")"
		}
		if st.Since > 0 {
			presenceLine += ", since " + time.UnixMilli(st.Since).Local().Format(time.Kitchen)
		}
	}

	fmt.Fprintf(w, "Discord:     %s (%s)\n", discordLine, st.Session)
	fmt.Fprintf(w, "Insignia:    %s\n", insigniaLine)
	fmt.Fprintf(w, "Checking:    %v\n", st.Checking)
	fmt.Fprintf(w, "Presence:    %s\n", presenceLine)
	if st.LastCheck != "" {
		fmt.Fprintf(w, "Last check:  %s\n", st.LastCheck)
	}
	if st.ReconnectAttempt > 0 {
		fmt.Fprintf(w, "Reconnect:   attempt %d\n", st.ReconnectAttempt)
	}
	fmt.Fprintf(w, "Play time:   %s\n", formatMinutes(st.TotalPlayTimeMinutes))
	fmt.Fprintf(w, "Auto-start:  %v\n", st.AutoStart)
	if st.Version != "" {
		fmt.Fprintf(w, "Version:     %s\n", st.Version)
	}
}

// formatMinutes renders a minute count as "3h 07m" or "42m".
func formatMinutes(m int) string {
	if m < 0 {
		m = 0
	}
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %02dm", m/60, m%60)
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			out := cmd.OutOrStdout()
			err = c.Watch(ctx, func(n presence.Notification) {
				fmt.Fprintln(out, describeNotification(n))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func describeNotification(n presence.Notification) string {
	stamp := n.Time.Local().Format(time.TimeOnly)
	switch n.Kind {
	case presence.KindPresenceUpdated:
		switch {
		case n.Active && n.GameName != "":
			return fmt.Sprintf("%s online, playing %s", stamp, n.GameName)
		case n.Active:
			return stamp + " online"
		case n.LastCheckResult != "":
			return fmt.Sprintf("%s presence cleared (%s)", stamp, n.LastCheckResult)
		default:
			return stamp + " presence cleared"
		}
	case presence.KindDaemonReady:
		if n.User != nil {
			return fmt.Sprintf("%s Discord connected as %s", stamp, n.User.Username)
		}
		return stamp + " Discord connected"
	case presence.KindDaemonError:
		return fmt.Sprintf("%s Discord error: %s", stamp, n.Error)
	case presence.KindDaemonDisconnected:
		return stamp + " Discord disconnected"
	case presence.KindPlayTimeUpdated:
		if n.PlayTime != nil {
			return fmt.Sprintf("%s play time %s", stamp, formatMinutes(n.PlayTime.TotalMinutes))
		}
	}
	return fmt.Sprintf("%s %s", stamp, n.Kind)
}

// ///////////////////////////////////////////////
// Discord
// ///////////////////////////////////////////////

func newDiscordLoginCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Connect the daemon to the local Discord client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			user, err := c.DiscordLogin(cmd.Context())
			if err != nil {
				return err
			}
			if user != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "connected to Discord as %s\n", user.Username)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "connected to Discord")
			return nil
		},
	}
}

func newDiscordLogoutCmd(g *globalFlags) *cobra.Command {
	return simpleCmd(g, "logout", "Disconnect from Discord and forget the link", "disconnected from Discord",
		func(ctx context.Context, c *control.Client) error { return c.DiscordLogout(ctx) })
}

// ///////////////////////////////////////////////
// Insignia
// ///////////////////////////////////////////////

func newLoginCmd(g *globalFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to Insignia",
		Long:  "Sign in to Insignia. Without --password the password is read from the first line of stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			if password == "" {
				line, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				password = line
			}
			if password == "" {
				return errors.New("empty password")
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			resp, err := c.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", resp.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Insignia account email")
	cmd.Flags().StringVar(&password, "password", "", "Insignia account password")
	return cmd
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCmd(g *globalFlags) *cobra.Command {
	return simpleCmd(g, "logout", "Sign out of Insignia", "logged out",
		func(ctx context.Context, c *control.Client) error { return c.Logout(ctx) })
}

func newRegisterCmd(g *globalFlags) *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the Insignia session with xb.live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			resp, err := c.Register(cmd.Context(), sessionKey)
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("registration failed (status %d)", resp.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session registered")
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "session key to register (defaults to the stored session)")
	return cmd
}

func newPlayTimeCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "play-time",
		Short: "Show play time tracked by xb.live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			pt, err := c.PlayTime(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(w, pt)
			}
			fmt.Fprintf(w, "Total: %s\n", formatMinutes(pt.TotalMinutes))
			games := make([]string, 0, len(pt.ByGame))
			for game := range pt.ByGame {
				games = append(games, game)
			}
			sort.Slice(games, func(i, j int) bool {
				if pt.ByGame[games[i]] != pt.ByGame[games[j]] {
					return pt.ByGame[games[i]] > pt.ByGame[games[j]]
				}
				return games[i] < games[j]
			})
			for _, game := range games {
				fmt.Fprintf(w, "  %-40s %s\n", game, formatMinutes(pt.ByGame[game]))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw play time as JSON")
	return cmd
}

// ///////////////////////////////////////////////
// Preferences
// ///////////////////////////////////////////////

func newAutoStartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "autostart [on|off]",
		Short:     "Show or change the auto-start preference",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				enabled, err := c.AutoStart(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "auto-start: %s\n", onOff(enabled))
				return nil
			}
			var enabled bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "yes":
				enabled = true
			case "off", "false", "no":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			if err := c.SetAutoStart(cmd.Context(), enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auto-start: %s\n", onOff(enabled))
			return nil
		},
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ///////////////////////////////////////////////
// Local
// ///////////////////////////////////////////////

func newLogsCmd(g *globalFlags) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the last lines of the daemon log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := logger.ReadTail(g.paths().Log(), n)
			if err != nil {
				return err
			}
			if out != "" {
				fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 50, "number of lines to print")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveVersion())
		},
	}
}
