package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	rootpkg "tools.zach/dev/xblbeacon"
	"tools.zach/dev/xblbeacon/internal/atomicfile"
	"tools.zach/dev/xblbeacon/internal/config"
	"tools.zach/dev/xblbeacon/internal/control"
	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/insignia"
	"tools.zach/dev/xblbeacon/internal/logger"
	"tools.zach/dev/xblbeacon/internal/paths"
	"tools.zach/dev/xblbeacon/internal/presence"
	"tools.zach/dev/xblbeacon/internal/store"
	"tools.zach/dev/xblbeacon/internal/update"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the presence daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			var mirror io.Writer
			if verbose {
				mirror = cmd.ErrOrStderr()
			}
			return runDaemon(ctx, g.paths(), mirror)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also write log lines to stderr")
	return cmd
}

// ///////////////////////////////////////////////
// Daemon
// ///////////////////////////////////////////////

// runDaemon starts every component and blocks until ctx is canceled or a
// shutdown is requested over the control API.
func runDaemon(ctx context.Context, dp paths.DataDir, mirror io.Writer) error {
	if err := os.MkdirAll(dp.Root, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if alive, pid := daemonAlive(dp.PID()); alive {
		return fmt.Errorf("%w (pid %d)", errAlreadyRunning, pid)
	}
	writeDefaultConfig(dp)

	cfg, err := config.Load(dp.Root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logger.New(logger.Options{
		Path:      dp.Log(),
		Level:     logger.ParseLevel(cfg.Log.Level),
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Mirror:    mirror,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	prev := slog.Default()
	slog.SetDefault(log)
	defer slog.SetDefault(prev)

	lock, err := acquirePIDLock(dp.PID())
	if err != nil {
		return err
	}
	defer lock.release()

	ver := resolveVersion()
	slog.Info("xblbeacon starting", "version", ver, "data_dir", dp.Root)

	st, err := store.Open(dp.Store())
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	token, err := control.LoadOrCreateToken(dp.ControlToken())
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Control.Listen)
	if err != nil {
		return fmt.Errorf("control API: %w", err)
	}

	hub := control.NewHub()
	opts := presence.OptionsFromConfig(cfg)
	opts.Store = st
	opts.Status = insignia.New(insignia.Options{
		SiteURL:  cfg.Insignia.SiteURL,
		AuthURL:  cfg.Insignia.AuthURL,
		Timeout:  cfg.Insignia.Timeout(),
		RetryMax: cfg.Insignia.RetryMax,
	})
	opts.Dial = discordDialer(cfg.Discord.AppID, cfg.Reconnect.HandshakeTimeout())
	opts.Notifier = hub
	opts.Logger = log
	opts.DiscordRunning = discord.Running
	engine, err := presence.New(opts)
	if err != nil {
		ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := control.NewServer(control.Options{
		Engine:   engine,
		Settings: st,
		Hub:      hub,
		Token:    token,
		Version:  ver,
		Shutdown: cancel,
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			slog.Error("control API stopped", "error", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		watchSettings(ctx, st, engine)
	}()
	go update.NewChecker(cfg.Update.ManifestURL, ver).Run(ctx, cfg.Update.CheckInterval())

	slog.Info("control API listening", "addr", ln.Addr().String())
	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
	return nil
}

// writeDefaultConfig writes the commented default config on first run.
func writeDefaultConfig(dp paths.DataDir) {
	if _, err := os.Stat(dp.Config()); !errors.Is(err, os.ErrNotExist) {
		return
	}
	if err := atomicfile.Write(dp.Config(), rootpkg.DefaultConfigTOML, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", err)
	}
}

// discordDialer connects a fresh IPC client per attempt.
func discordDialer(appID string, handshake time.Duration) presence.Dialer {
	return func(ctx context.Context) (presence.Session, error) {
		c := discord.NewClient(appID, handshake)
		if err := c.Connect(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
}

// credentialsChanger is the engine hook watchSettings feeds.
type credentialsChanger interface {
	CredentialsChanged(ctx context.Context, keys []string) error
}

// watchSettings reloads the settings file when another process edits it
// and tells the engine which keys changed.
func watchSettings(ctx context.Context, st *store.Store, eng credentialsChanger) {
	w, err := store.NewWatcher(st.Path())
	if err != nil {
		slog.Warn("settings watcher unavailable", "error", err)
		return
	}
	defer w.Close()
	if w.Polling() {
		slog.Info("using polling mode for settings changes")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Events():
			keys, err := st.Reload()
			if err != nil {
				slog.Warn("reloading settings failed", "error", err)
				continue
			}
			if len(keys) == 0 {
				continue
			}
			slog.Debug("settings changed externally", "keys", keys)
			if err := eng.CredentialsChanged(ctx, keys); err != nil && ctx.Err() == nil {
				slog.Warn("applying settings change failed", "error", err)
			}
		}
	}
}
