package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/insignia"
	"tools.zach/dev/xblbeacon/internal/store"
)

// ///////////////////////////////////////////////
// Presence State
// ///////////////////////////////////////////////

// presenceState mirrors the persisted presence keys.
type presenceState struct {
	active bool
	// since is the activity start in epoch milliseconds. It is kept for as
	// long as the user stays online so Discord's elapsed timer never resets.
	since     int64
	lastCheck time.Time
	lastGame  string
}

// loadPresence restores presence state written by a previous run. An active
// flag without a start timestamp is treated as inactive.
func loadPresence(s Store, log *slog.Logger) presenceState {
	var p presenceState
	if _, err := s.Get(store.KeyPresenceActive, &p.active); err != nil {
		log.Warn("ignoring stored presence flag", "error", err)
	}
	if _, err := s.Get(store.KeyPresenceStartTimestamp, &p.since); err != nil {
		log.Warn("ignoring stored presence timestamp", "error", err)
	}
	var last string
	if found, _ := s.Get(store.KeyLastCheck, &last); found {
		if t, err := time.Parse(time.RFC3339, last); err == nil {
			p.lastCheck = t
		}
	}
	_, _ = s.Get(store.KeyLastGameName, &p.lastGame)

	if p.since <= 0 {
		p.active, p.since = false, 0
	}
	if !p.active {
		p.since = 0
	}
	return p
}

func (e *Engine) lastCheckString() string {
	if e.presence.lastCheck.IsZero() {
		return ""
	}
	return e.presence.lastCheck.UTC().Format(time.RFC3339)
}

// ///////////////////////////////////////////////
// Start / Stop
// ///////////////////////////////////////////////

func (e *Engine) start() {
	e.checking = true
	e.cancelPollTimer()
	if e.pollInFlight {
		e.rerun = true
		return
	}
	e.log.Info("presence checking started")
	e.beginPoll()
}

// stop ends checking. Results of a poll already in flight are discarded.
func (e *Engine) stop() {
	if e.checking {
		e.log.Info("presence checking stopped")
	}
	e.checking = false
	e.pollEpoch++
	e.pollInFlight = false
	e.rerun = false
	e.cancelPollTimer()
	e.clearPresence(false)
}

func (e *Engine) cancelPollTimer() {
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer, e.pollC = nil, nil
	}
}

func (e *Engine) currentInterval() time.Duration {
	if e.presence.active {
		return e.opts.ActiveInterval
	}
	return e.opts.IdleInterval
}

// armPoll schedules the next poll unless one is already scheduled.
func (e *Engine) armPoll() {
	if !e.checking || e.pollTimer != nil {
		return
	}
	d := e.currentInterval()
	e.pollTimer = time.NewTimer(d)
	e.pollC = e.pollTimer.C
	e.log.Debug("next poll scheduled", "in", d)
}

// ///////////////////////////////////////////////
// Poll Cycle
// ///////////////////////////////////////////////

// beginPoll starts one status check. Without credentials or a live Discord
// session the presence is cleared and the cycle ends early.
func (e *Engine) beginPoll() {
	if !e.checking {
		return
	}
	creds, ok := e.credentials()
	if !ok || e.identity() == nil {
		e.clearPresence(false)
		e.finishCycle()
		return
	}

	e.pollInFlight = true
	epoch := e.pollEpoch
	e.spawn("poll", func() {
		ctx, cancel := e.requestCtx()
		profile, err := e.fetchProfile(ctx, creds.SessionKey)
		cancel()

		e.spawn("keepalive", func() {
			ctx, cancel := e.requestCtx()
			defer cancel()
			e.opts.Status.PingKeepAlive(ctx, creds.SessionKey)
		})

		e.post(func() { e.onPollResult(epoch, creds, profile, err) })
	})
}

// fetchProfile calls the status endpoint, turning a panic into an error so
// the cycle always completes.
func (e *Engine) fetchProfile(ctx context.Context, key string) (p insignia.Profile, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status check panicked: %v", r)
		}
	}()
	return e.opts.Status.FetchLiveProfile(ctx, key)
}

func (e *Engine) onPollResult(epoch uint64, creds credentials, profile insignia.Profile, err error) {
	if epoch != e.pollEpoch {
		e.log.Debug("discarding stale poll result")
		return
	}
	e.pollInFlight = false
	if !e.checking {
		return
	}

	switch {
	case err != nil:
		e.log.Warn("status check failed", "error", err)
		e.notify(Notification{
			Kind:            KindPresenceUpdated,
			LastCheck:       e.lastCheckString(),
			LastCheckResult: ResultError,
			Error:           err.Error(),
		})
		e.clearPresence(true)
	case !profile.Online:
		e.log.Debug("user offline")
		e.stampLastCheck()
		e.notify(Notification{
			Kind:            KindPresenceUpdated,
			LastCheck:       e.lastCheckString(),
			LastCheckResult: ResultOffline,
		})
		e.clearPresence(true)
	default:
		e.stampLastCheck()
		e.advertise(creds.Username, profile.Game, !e.presence.active)
		e.refreshPlayTime(creds)
	}
	e.finishCycle()
}

// stampLastCheck records the time of a successful status check.
func (e *Engine) stampLastCheck() {
	e.presence.lastCheck = e.opts.Now()
	e.setKey(store.KeyLastCheck, e.lastCheckString())
}

func (e *Engine) finishCycle() {
	if !e.checking {
		return
	}
	if e.rerun {
		e.rerun = false
		e.beginPoll()
		return
	}
	e.armPoll()
}

// ///////////////////////////////////////////////
// Advertise / Clear
// ///////////////////////////////////////////////

// advertise publishes the presence for username playing game. reset starts a
// new play session with a fresh timestamp; otherwise the stored one is kept.
func (e *Engine) advertise(username, game string, reset bool) {
	if e.identity() == nil {
		return
	}
	if reset || e.presence.since == 0 {
		e.presence.since = e.opts.Now().UnixMilli()
		e.setKey(store.KeyPresenceStartTimestamp, e.presence.since)
	}

	shown := game
	if e.opts.Privacy.IsHiddenGame(game) {
		shown = ""
	}
	d := e.opts.Display
	activity := &discord.Activity{
		Details:    d.FormatDetails(shown),
		State:      d.FormatState(username),
		Timestamps: &discord.Timestamps{Start: e.presence.since},
		Assets: &discord.Assets{
			LargeImage: d.LargeImage,
			LargeText:  d.LargeText(shown),
			SmallImage: d.SmallImage,
			SmallText:  d.SmallText,
		},
	}
	if err := e.sess.handle.SetActivity(activity); err != nil {
		e.log.Warn("failed to set discord activity", "error", err)
	}

	if !e.presence.active || e.presence.lastGame != shown {
		e.log.Info("presence updated", "game", shown)
	}
	e.presence.active = true
	e.presence.lastGame = shown
	e.setKey(store.KeyPresenceActive, true)
	e.setKey(store.KeyLastGameName, shown)

	e.notify(Notification{
		Kind:      KindPresenceUpdated,
		Active:    true,
		LastCheck: e.lastCheckString(),
		GameName:  shown,
	})
}

// clearPresence removes the Discord activity and forgets the play session.
// suppress skips the notification when the caller already sent a more
// specific one.
func (e *Engine) clearPresence(suppress bool) {
	if e.identity() != nil {
		if err := e.sess.handle.ClearActivity(); err != nil {
			e.log.Debug("clear activity failed", "error", err)
		}
	}
	if e.presence.active {
		e.log.Info("presence cleared")
	}
	e.presence.active = false
	e.presence.since = 0
	e.presence.lastGame = ""
	e.deleteKey(store.KeyPresenceStartTimestamp)
	e.setKey(store.KeyPresenceActive, false)
	e.deleteKey(store.KeyLastGameName)

	if !suppress {
		e.notify(Notification{
			Kind:      KindPresenceUpdated,
			LastCheck: e.lastCheckString(),
		})
	}
}

// ///////////////////////////////////////////////
// Play Time
// ///////////////////////////////////////////////

func (e *Engine) refreshPlayTime(creds credentials) {
	e.spawn("play-time", func() {
		ctx, cancel := e.requestCtx()
		defer cancel()
		pt, err := e.opts.Status.FetchPlayTime(ctx, creds.Username, creds.SessionKey)
		if err != nil {
			e.log.Debug("play time refresh failed", "error", err)
			return
		}
		e.post(func() { e.applyPlayTime(pt) })
	})
}

func (e *Engine) applyPlayTime(pt insignia.PlayTime) {
	e.setKey(store.KeyTotalPlayTimeMinutes, pt.TotalMinutes)
	e.notify(Notification{
		Kind:     KindPlayTimeUpdated,
		Active:   e.presence.active,
		GameName: e.presence.lastGame,
		PlayTime: &pt,
	})
}
