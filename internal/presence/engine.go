// Package presence is the presence synchronization engine. It polls
// xb.live for the signed-in user's online status, mirrors it to Discord
// Rich Presence, and keeps the Discord IPC session alive across restarts
// of the Discord client.
//
// All engine state is owned by the goroutine running [Engine.Run]. Public
// methods hand work to that goroutine and wait for the answer; network and
// IPC dials run on helper goroutines that post their results back, so the
// loop itself never waits on I/O other than bounded IPC writes.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"tools.zach/dev/xblbeacon/internal/config"
	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/insignia"
	"tools.zach/dev/xblbeacon/internal/store"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrDaemonNotRunning is returned by LoginDaemon when no Discord client is
// reachable.
var ErrDaemonNotRunning = errors.New("discord is not running")

// ErrNoCredentials is returned when an operation needs an Insignia session
// and none is stored.
var ErrNoCredentials = errors.New("not logged in to xb.live")

// ErrSuperseded is returned by LoginDaemon when a newer login or logout
// replaced the connection attempt before it finished.
var ErrSuperseded = errors.New("discord connection attempt superseded")

// ErrEngineStopped is returned by calls made after Run has returned.
var ErrEngineStopped = errors.New("presence engine stopped")

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Store persists engine state and credentials.
type Store interface {
	Get(key string, dst any) (bool, error)
	Set(key string, v any) error
	Delete(key string) error
}

// StatusClient is the remote status and auth API.
type StatusClient interface {
	FetchLiveProfile(ctx context.Context, sessionKey string) (insignia.Profile, error)
	FetchPlayTime(ctx context.Context, username, sessionKey string) (insignia.PlayTime, error)
	PingKeepAlive(ctx context.Context, sessionKey string)
	Register(ctx context.Context, sessionKey string) (bool, int)
	Login(ctx context.Context, email, password string) (insignia.Session, error)
	Logout(ctx context.Context, sessionKey string)
}

// Session is one connected Discord IPC handle.
type Session interface {
	Identity() *discord.Identity
	SetActivity(*discord.Activity) error
	ClearActivity() error
	Close() error
	Events() <-chan discord.Event
}

// Dialer opens a new Session. It returns discord.ErrIPCNotAvailable when
// Discord cannot be reached.
type Dialer func(ctx context.Context) (Session, error)

// InsigniaUser is the stored profile of the signed-in Insignia account.
type InsigniaUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// credentials is what a poll cycle needs from the store.
type credentials struct {
	SessionKey string
	Username   string
}

// ///////////////////////////////////////////////
// Options
// ///////////////////////////////////////////////

// Options configures an Engine. Store, Status and Dial are required.
type Options struct {
	Store    Store
	Status   StatusClient
	Dial     Dialer
	Notifier Notifier
	Logger   *slog.Logger

	Display config.DisplayConfig
	Privacy config.PrivacyConfig

	ActiveInterval time.Duration
	IdleInterval   time.Duration
	StartupDelay   time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	MaxAttempts    int
	// DialTimeout bounds each Discord connection attempt.
	DialTimeout time.Duration
	// RequestTimeout bounds each remote call made by the engine.
	RequestTimeout time.Duration

	// DiscordRunning reports whether a Discord process exists. Used to word
	// connection failures; nil skips the check.
	DiscordRunning func(ctx context.Context) bool

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig fills the timing and display fields from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Display:        cfg.Display,
		Privacy:        cfg.Privacy,
		ActiveInterval: cfg.Polling.ActiveInterval(),
		IdleInterval:   cfg.Polling.IdleInterval(),
		StartupDelay:   cfg.Polling.StartupDelay(),
		ReconnectBase:  cfg.Reconnect.InitialDelay(),
		ReconnectMax:   cfg.Reconnect.MaxDelay(),
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		DialTimeout:    2 * cfg.Reconnect.HandshakeTimeout(),
		RequestTimeout: cfg.Insignia.Timeout(),
	}
}

func (o *Options) applyDefaults() {
	def := OptionsFromConfig(config.DefaultConfig())
	if o.Display == (config.DisplayConfig{}) {
		o.Display = def.Display
	}
	setDuration(&o.ActiveInterval, def.ActiveInterval)
	setDuration(&o.IdleInterval, def.IdleInterval)
	setDuration(&o.ReconnectBase, def.ReconnectBase)
	setDuration(&o.ReconnectMax, def.ReconnectMax)
	setDuration(&o.DialTimeout, def.DialTimeout)
	setDuration(&o.RequestTimeout, def.RequestTimeout)
	if o.StartupDelay < 0 {
		o.StartupDelay = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Notifier == nil {
		o.Notifier = discardNotifier{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// ///////////////////////////////////////////////
// Engine
// ///////////////////////////////////////////////

// Engine is the presence synchronization engine. Create one with [New] and
// drive it with [Engine.Run].
type Engine struct {
	opts  Options
	log   *slog.Logger
	inbox chan func()
	// stopped is closed when Run returns.
	stopped chan struct{}
	// runCtx is Run's context; helper goroutines derive from it.
	runCtx context.Context

	// Everything below is owned by the Run goroutine.

	checking bool
	presence presenceState

	pollTimer    *time.Timer
	pollC        <-chan time.Time
	pollInFlight bool
	// pollEpoch is bumped by stop so late results can be recognised.
	pollEpoch uint64
	// rerun asks for an immediate poll once the in-flight one lands.
	rerun bool

	sess sessionState

	startupTimer *time.Timer
	startupC     <-chan time.Time
}

// New creates an Engine and loads the persisted presence state.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Status == nil || opts.Dial == nil {
		return nil, errors.New("presence: Store, Status and Dial are required")
	}
	opts.applyDefaults()

	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		inbox:   make(chan func(), 16),
		stopped: make(chan struct{}),
		runCtx:  context.Background(),
	}
	e.presence = loadPresence(opts.Store, e.log)
	return e, nil
}

// Run drives the engine until ctx is done. It schedules the boot-time
// autoresume when both a Discord link and an Insignia session are stored.
// Run must be called exactly once.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	defer close(e.stopped)
	defer e.shutdown()

	if e.hasKey(store.KeyDiscordUser) && e.hasKey(store.KeyInsigniaSession) {
		e.log.Info("resuming presence", "delay", e.opts.StartupDelay)
		e.startupTimer = time.NewTimer(e.opts.StartupDelay)
		e.startupC = e.startupTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.inbox:
			fn()
		case <-e.pollC:
			e.pollTimer, e.pollC = nil, nil
			e.beginPoll()
		case <-e.sess.reconnectC:
			e.sess.reconnectTimer, e.sess.reconnectC = nil, nil
			e.connect(dialReconnect, nil)
		case <-e.startupC:
			e.startupTimer, e.startupC = nil, nil
			e.autoresume()
		case ev, ok := <-e.sess.events:
			e.handleSessionEvent(ev, ok)
		}
	}
}

// shutdown releases timers and the Discord handle. Persisted presence is
// left alone so a restart resumes the same play session.
func (e *Engine) shutdown() {
	e.cancelPollTimer()
	e.cancelReconnect()
	if e.startupTimer != nil {
		e.startupTimer.Stop()
		e.startupTimer, e.startupC = nil, nil
	}
	e.teardownSession()
	e.log.Debug("presence engine stopped")
}

// autoresume reconnects Discord and starts polling after a restart.
func (e *Engine) autoresume() {
	if !e.hasKey(store.KeyDiscordUser) || !e.hasKey(store.KeyInsigniaSession) {
		return
	}
	if e.sess.state != StateDisconnected {
		e.start()
		return
	}
	e.connect(dialAutoresume, nil)
}

// ///////////////////////////////////////////////
// Loop Plumbing
// ///////////////////////////////////////////////

// exec runs fn on the loop goroutine and waits for it to finish.
func (e *Engine) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.inbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
}

// post queues fn for the loop from a helper goroutine. It reports false,
// dropping fn, when the engine has stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case e.inbox <- fn:
		return true
	case <-e.stopped:
		return false
	}
}

// spawn runs fn on a helper goroutine, logging instead of crashing on panic.
func (e *Engine) spawn(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("panic in background task", "task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// requestCtx derives a bounded context for one remote call.
func (e *Engine) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.runCtx, e.opts.RequestTimeout)
}

func (e *Engine) notify(n Notification) {
	n.Time = e.opts.Now()
	e.opts.Notifier.Notify(n)
}

// ///////////////////////////////////////////////
// Store Helpers
// ///////////////////////////////////////////////

func (e *Engine) hasKey(key string) bool {
	var v any
	found, err := e.opts.Store.Get(key, &v)
	return err == nil && found && v != nil && v != ""
}

func (e *Engine) getString(key string) string {
	var s string
	if _, err := e.opts.Store.Get(key, &s); err != nil {
		return ""
	}
	return s
}

func (e *Engine) setKey(key string, v any) {
	if err := e.opts.Store.Set(key, v); err != nil {
		e.log.Warn("failed to persist setting", "key", key, "error", err)
	}
}

func (e *Engine) deleteKey(key string) {
	if err := e.opts.Store.Delete(key); err != nil {
		e.log.Warn("failed to delete setting", "key", key, "error", err)
	}
}

// credentials returns the Insignia session needed to poll, if complete.
func (e *Engine) credentials() (credentials, bool) {
	key := e.getString(store.KeyInsigniaSession)
	var u InsigniaUser
	if _, err := e.opts.Store.Get(store.KeyInsigniaUser, &u); err != nil {
		return credentials{}, false
	}
	if key == "" || u.Username == "" {
		return credentials{}, false
	}
	return credentials{SessionKey: key, Username: u.Username}, true
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Start begins polling. Calling it while already polling triggers an
// immediate poll.
func (e *Engine) Start(ctx context.Context) error {
	return e.exec(ctx, e.start)
}

// Stop ends polling and clears the advertised presence.
func (e *Engine) Stop(ctx context.Context) error {
	return e.exec(ctx, e.stop)
}

// LoginDaemon connects to Discord, replacing any existing connection, and
// returns the Discord user. The link is persisted so later restarts
// reconnect on their own.
func (e *Engine) LoginDaemon(ctx context.Context) (*discord.Identity, error) {
	reply := make(chan dialReply, 1)
	if err := e.exec(ctx, func() { e.connect(dialExplicit, reply) }); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.identity, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopped:
		return nil, ErrEngineStopped
	}
}

// LogoutDaemon clears the Discord activity, closes the connection, stops
// polling and forgets the Discord link, in that order.
func (e *Engine) LogoutDaemon(ctx context.Context) error {
	return e.exec(ctx, func() {
		if s := e.sess.handle; s != nil && s.Identity() != nil {
			if err := s.ClearActivity(); err != nil {
				e.log.Debug("clear activity on logout failed", "error", err)
			}
		}
		e.dropSession()
		e.stop()
		e.deleteKey(store.KeyDiscordUser)
		e.log.Info("discord logged out")
	})
}

// Login signs in to Insignia, stores the session, registers it for
// play-time tracking and starts polling.
func (e *Engine) Login(ctx context.Context, email, password string) (insignia.Session, error) {
	sess, err := e.opts.Status.Login(ctx, email, password)
	if err != nil {
		return insignia.Session{}, err
	}

	if err := e.exec(ctx, func() {
		e.setKey(store.KeyInsigniaSession, sess.SessionKey)
		e.setKey(store.KeyInsigniaUser, InsigniaUser{Username: sess.Username, Email: sess.Email})
	}); err != nil {
		return insignia.Session{}, err
	}
	e.log.Info("insignia logged in", "username", sess.Username)

	if ok, status := e.opts.Status.Register(ctx, sess.SessionKey); !ok {
		e.log.Warn("could not register with xb.live, play time may not show on the site", "status", status)
	}

	if err := e.Start(ctx); err != nil {
		return insignia.Session{}, err
	}
	return sess, nil
}

// Logout stops polling, forgets the Insignia session and then revokes it
// remotely on a best-effort basis.
func (e *Engine) Logout(ctx context.Context) error {
	var key string
	if err := e.exec(ctx, func() {
		key = e.getString(store.KeyInsigniaSession)
		e.stop()
		e.deleteKey(store.KeyInsigniaSession)
		e.deleteKey(store.KeyInsigniaUser)
	}); err != nil {
		return err
	}
	e.log.Info("insignia logged out")
	e.opts.Status.Logout(ctx, key)
	return nil
}

// RegisterSession enrolls sessionKey with xb.live play-time tracking.
func (e *Engine) RegisterSession(ctx context.Context, sessionKey string) (bool, int) {
	return e.opts.Status.Register(ctx, sessionKey)
}

// GetPlayTime fetches the signed-in user's play time and caches the total.
func (e *Engine) GetPlayTime(ctx context.Context) (insignia.PlayTime, error) {
	var creds credentials
	var ok bool
	if err := e.exec(ctx, func() { creds, ok = e.credentials() }); err != nil {
		return insignia.PlayTime{}, err
	}
	if !ok {
		return insignia.PlayTime{}, ErrNoCredentials
	}

	pt, err := e.opts.Status.FetchPlayTime(ctx, creds.Username, creds.SessionKey)
	if err != nil {
		e.log.Warn("play time fetch failed", "error", err)
		return insignia.PlayTime{}, nil
	}
	if err := e.exec(ctx, func() { e.applyPlayTime(pt) }); err != nil {
		return insignia.PlayTime{}, err
	}
	return pt, nil
}

// CredentialsChanged reacts to another process editing the store. keys are
// the keys that changed. A removed Insignia session stops polling at once;
// a removed Discord link closes the connection.
func (e *Engine) CredentialsChanged(ctx context.Context, keys []string) error {
	return e.exec(ctx, func() {
		for _, k := range keys {
			switch k {
			case store.KeyInsigniaSession, store.KeyInsigniaUser:
				if _, ok := e.credentials(); !ok && e.checking {
					e.log.Info("insignia session removed externally, stopping")
					e.stop()
				}
			case store.KeyDiscordUser:
				if !e.hasKey(store.KeyDiscordUser) && (e.sess.handle != nil || e.sess.reconnectTimer != nil) {
					e.log.Info("discord link removed externally, disconnecting")
					e.clearPresence(false)
					e.dropSession()
				}
			}
		}
	})
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	Checking         bool              `json:"checking"`
	Active           bool              `json:"active"`
	Since            int64             `json:"since,omitempty"`
	LastCheck        string            `json:"lastCheck,omitempty"`
	LastGameName     string            `json:"lastGameName,omitempty"`
	PollInFlight     bool              `json:"pollInFlight"`
	PollInterval     string            `json:"pollInterval,omitempty"`
	Session          string            `json:"session"`
	Discord          *discord.Identity `json:"discord,omitempty"`
	ReconnectAttempt int               `json:"reconnectAttempt"`
	InsigniaUser     *InsigniaUser     `json:"insigniaUser,omitempty"`
}

// Snapshot returns the current engine state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.exec(ctx, func() {
		snap = Snapshot{
			Checking:         e.checking,
			Active:           e.presence.active,
			Since:            e.presence.since,
			LastGameName:     e.presence.lastGame,
			PollInFlight:     e.pollInFlight,
			Session:          e.sess.state.String(),
			Discord:          e.identity(),
			ReconnectAttempt: e.sess.attempt,
		}
		if !e.presence.lastCheck.IsZero() {
			snap.LastCheck = e.presence.lastCheck.UTC().Format(time.RFC3339)
		}
		if e.pollTimer != nil {
			snap.PollInterval = e.currentInterval().String()
		}
		var u InsigniaUser
		if found, err := e.opts.Store.Get(store.KeyInsigniaUser, &u); found && err == nil {
			snap.InsigniaUser = &u
		}
	})
	return snap, err
}

// String describes the engine for logs.
func (s Snapshot) String() string {
	return fmt.Sprintf("checking=%v active=%v session=%s", s.Checking, s.Active, s.Session)
}
