package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/logger"
	"tools.zach/dev/xblbeacon/internal/store"
)

// ///////////////////////////////////////////////
// Session State
// ///////////////////////////////////////////////

// SessionState is the state of the Discord IPC session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateReady
	// StateError follows an ERROR event from Discord. The connection is
	// still open and usable.
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

type dialKind int

const (
	dialExplicit dialKind = iota
	dialReconnect
	dialAutoresume
)

func (k dialKind) String() string {
	switch k {
	case dialExplicit:
		return "login"
	case dialReconnect:
		return "reconnect"
	default:
		return "autoresume"
	}
}

type dialReply struct {
	identity *discord.Identity
	err      error
}

// sessionState is the Discord side of the engine, owned by the loop.
type sessionState struct {
	state  SessionState
	handle Session
	// events is the live handle's event channel. Handles that have been
	// replaced are never read from again.
	events <-chan discord.Event
	// gen identifies the current connection attempt; dial results carrying
	// an older generation are discarded.
	gen        uint64
	cancelDial context.CancelFunc

	attempt        int
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time

	// restorePending re-validates an advertised presence once the next
	// connection is ready.
	restorePending bool
}

func (e *Engine) identity() *discord.Identity {
	if e.sess.handle == nil {
		return nil
	}
	return e.sess.handle.Identity()
}

// ///////////////////////////////////////////////
// Backoff
// ///////////////////////////////////////////////

// Backoff returns the delay before reconnect attempt number attempt
// (starting at 0): base doubled per attempt, capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for range attempt {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// ///////////////////////////////////////////////
// Connecting
// ///////////////////////////////////////////////

// connect replaces any current session with a new connection attempt. reply,
// when non-nil, receives the outcome.
func (e *Engine) connect(kind dialKind, reply chan<- dialReply) {
	if kind == dialExplicit {
		e.cancelReconnect()
		e.sess.attempt = 0
		if e.sess.handle != nil {
			e.sess.restorePending = e.sess.restorePending || e.presence.active
		}
	}
	e.teardownSession()

	e.sess.gen++
	gen := e.sess.gen
	e.sess.state = StateConnecting
	ctx, cancel := context.WithTimeout(e.runCtx, e.opts.DialTimeout)
	e.sess.cancelDial = cancel
	e.log.Debug("connecting to discord", "kind", kind, "attempt", e.sess.attempt)

	e.spawn("discord-dial", func() {
		defer cancel()
		s, err := e.dial(ctx)
		if err != nil && kind == dialExplicit {
			err = e.explainDialError(ctx, err)
		}
		if !e.post(func() { e.onDialResult(gen, kind, reply, s, err) }) && s != nil {
			s.Close()
		}
	})
}

func (e *Engine) dial(ctx context.Context) (s Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("discord dial panicked: %v", r)
		}
	}()
	return e.opts.Dial(ctx)
}

// explainDialError maps a failed explicit login to the message shown to the
// user.
func (e *Engine) explainDialError(ctx context.Context, err error) error {
	if !errors.Is(err, discord.ErrIPCNotAvailable) {
		return fmt.Errorf("connecting to discord: %w", err)
	}
	if e.opts.DiscordRunning != nil && e.opts.DiscordRunning(context.WithoutCancel(ctx)) {
		return fmt.Errorf("discord is running but not accepting connections, restart it and try again: %w", err)
	}
	return ErrDaemonNotRunning
}

func (e *Engine) onDialResult(gen uint64, kind dialKind, reply chan<- dialReply, s Session, err error) {
	respond := func(id *discord.Identity, err error) {
		if reply != nil {
			reply <- dialReply{identity: id, err: err}
		}
	}

	if gen != e.sess.gen {
		if s != nil {
			s.Close()
		}
		respond(nil, ErrSuperseded)
		return
	}
	e.sess.cancelDial = nil

	if err != nil {
		e.sess.state = StateDisconnected
		switch kind {
		case dialExplicit:
			e.log.Warn("discord login failed", "error", err)
			e.notify(Notification{Kind: KindDaemonError, Error: err.Error()})
			respond(nil, err)
		case dialReconnect:
			e.log.Warn("discord reconnect failed", "attempt", e.sess.attempt+1, "error", err)
			e.sess.attempt++
			e.armReconnect()
		case dialAutoresume:
			e.log.Warn("discord not available at startup", "error", err)
			e.armReconnect()
			e.start()
		}
		return
	}

	e.sess.handle = s
	e.sess.events = s.Events()
	e.sess.state = StateReady
	e.sess.attempt = 0
	id := s.Identity()
	if id != nil {
		e.setKey(store.KeyDiscordUser, id)
		e.log.Info("discord connected", "user", id.Username)
	}
	e.notify(Notification{Kind: KindDaemonReady, Active: e.presence.active, User: id})
	respond(id, nil)

	if kind == dialAutoresume {
		e.sess.restorePending = false
		e.start()
		return
	}
	if e.sess.restorePending {
		e.sess.restorePending = false
		e.restorePresence()
	}
}

// restorePresence re-checks the user's status after a reconnect so a stale
// activity is never re-published. A failed check clears the presence.
func (e *Engine) restorePresence() {
	if !e.presence.active {
		return
	}
	creds, ok := e.credentials()
	if !ok {
		e.clearPresence(false)
		return
	}
	epoch := e.pollEpoch
	e.spawn("restore", func() {
		ctx, cancel := e.requestCtx()
		profile, err := e.fetchProfile(ctx, creds.SessionKey)
		cancel()
		e.post(func() {
			if epoch != e.pollEpoch || !e.presence.active {
				return
			}
			switch {
			case err != nil:
				e.log.Warn("could not re-validate presence after reconnect", "error", err)
				e.notify(Notification{
					Kind:            KindPresenceUpdated,
					LastCheck:       e.lastCheckString(),
					LastCheckResult: ResultError,
					Error:           err.Error(),
				})
				e.clearPresence(true)
			case profile.Online:
				e.advertise(creds.Username, profile.Game, false)
			default:
				e.clearPresence(false)
			}
		})
	})
}

// ///////////////////////////////////////////////
// Events and Reconnect
// ///////////////////////////////////////////////

func (e *Engine) handleSessionEvent(ev discord.Event, ok bool) {
	if !ok {
		e.onDisconnected(nil)
		return
	}
	switch ev := ev.(type) {
	case discord.Failed:
		e.sess.state = StateError
		msg := "discord reported an error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		e.log.Warn("discord reported an error", "error", ev.Err)
		e.notify(Notification{Kind: KindDaemonError, Active: e.presence.active, Error: msg})
	case discord.Disconnected:
		e.onDisconnected(ev.Err)
	}
}

// onDisconnected handles loss of the Discord connection. The advertised
// presence is remembered and restored once a new connection is ready.
func (e *Engine) onDisconnected(err error) {
	if err != nil {
		e.log.Warn("discord disconnected", "error", err)
	} else {
		e.log.Warn("discord disconnected")
	}
	e.teardownSession()
	e.sess.restorePending = e.sess.restorePending || e.presence.active
	e.notify(Notification{Kind: KindDaemonDisconnected, Active: e.presence.active})

	e.sess.attempt = 0
	e.armReconnect()
}

// armReconnect schedules the next reconnect attempt, or gives up after
// MaxAttempts. Nothing is scheduled unless both logins are still stored.
func (e *Engine) armReconnect() {
	if !e.hasKey(store.KeyInsigniaSession) || !e.hasKey(store.KeyDiscordUser) {
		return
	}
	if e.sess.attempt >= e.opts.MaxAttempts {
		logger.Fail(e.log, "giving up on discord reconnect", "attempts", e.sess.attempt)
		e.notify(Notification{
			Kind:   KindDaemonError,
			Active: e.presence.active,
			Error:  "could not reconnect to Discord, log in again to retry",
		})
		return
	}
	e.cancelReconnect()
	d := Backoff(e.sess.attempt, e.opts.ReconnectBase, e.opts.ReconnectMax)
	e.sess.reconnectTimer = time.NewTimer(d)
	e.sess.reconnectC = e.sess.reconnectTimer.C
	e.log.Debug("discord reconnect scheduled", "in", d, "attempt", e.sess.attempt+1)
}

func (e *Engine) cancelReconnect() {
	if e.sess.reconnectTimer != nil {
		e.sess.reconnectTimer.Stop()
		e.sess.reconnectTimer, e.sess.reconnectC = nil, nil
	}
}

// teardownSession closes the current handle and abandons any pending dial.
func (e *Engine) teardownSession() {
	if e.sess.cancelDial != nil {
		e.sess.cancelDial()
		e.sess.cancelDial = nil
		e.sess.gen++
	}
	if e.sess.handle != nil {
		if err := e.sess.handle.Close(); err != nil {
			e.log.Debug("closing discord session", "error", err)
		}
		e.sess.handle = nil
	}
	e.sess.events = nil
	e.sess.state = StateDisconnected
}

// dropSession tears down the session and cancels every pending reconnect.
func (e *Engine) dropSession() {
	e.cancelReconnect()
	e.sess.restorePending = false
	e.sess.attempt = 0
	e.teardownSession()
}
