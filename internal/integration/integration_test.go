//go:build !windows

// Package integration runs the presence engine end to end: a real settings
// store, xb.live client, Discord IPC client and control API, against fake
// xb.live and Discord endpoints.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tools.zach/dev/xblbeacon/internal/control"
	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/insignia"
	"tools.zach/dev/xblbeacon/internal/paths"
	"tools.zach/dev/xblbeacon/internal/presence"
	"tools.zach/dev/xblbeacon/internal/store"
)

const (
	testToken = "integration"
	appID     = "123456789"
)

// ///////////////////////////////////////////////
// Fake xb.live
// ///////////////////////////////////////////////

type fakeSite struct {
	mu     sync.Mutex
	online bool
	game   string
	pings  int
}

func (s *fakeSite) set(online bool, game string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online, s.game = online, game
}

func (s *fakeSite) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/me/profile-live", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, map[string]any{"isOnline": s.online, "game": s.game})
	})
	mux.HandleFunc("GET /api/me/play-time", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"totalMinutes": 95, "byGame": map[string]int{"Halo 2": 95}})
	})
	mux.HandleFunc("POST /api/me/play-time-beacon-ping", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.pings++
		s.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /api/me/play-time-register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "hunter2" {
			writeJSON(w, map[string]any{"success": false, "error": "Invalid email or password"})
			return
		}
		writeJSON(w, map[string]any{"success": true, "sessionKey": "sess-1", "username": "MasterChief", "email": req.Email})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"success": true})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ///////////////////////////////////////////////
// Fake Discord
// ///////////////////////////////////////////////

// fakeDiscord accepts IPC connections on a unix socket, answers the
// handshake with READY and records every SET_ACTIVITY.
type fakeDiscord struct {
	ln         net.Listener
	activities chan json.RawMessage
	handshakes chan string

	mu    sync.Mutex
	conns []net.Conn
}

func startFakeDiscord(t *testing.T) *fakeDiscord {
	t.Helper()
	// Unix socket paths are length-limited, so avoid the long test temp dir.
	dir, err := os.MkdirTemp("", "xbl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("XDG_RUNTIME_DIR", dir)

	ln, err := net.Listen("unix", filepath.Join(dir, "discord-ipc-0"))
	require.NoError(t, err)
	d := &fakeDiscord{
		ln:         ln,
		activities: make(chan json.RawMessage, 32),
		handshakes: make(chan string, 8),
	}
	t.Cleanup(d.close)
	go d.accept()
	return d
}

func (d *fakeDiscord) accept() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		go d.serve(conn)
	}
}

func (d *fakeDiscord) serve(conn net.Conn) {
	defer conn.Close()
	op, payload, err := discord.DecodeFrame(conn)
	if err != nil || op != discord.OpHandshake {
		return
	}
	var hs struct {
		ClientID string `json:"client_id"`
	}
	_ = json.Unmarshal(payload, &hs)
	d.handshakes <- hs.ClientID

	ready := map[string]any{
		"cmd": "DISPATCH",
		"evt": "READY",
		"data": map[string]any{
			"user": map[string]any{"id": "42", "username": "chief", "global_name": "Master Chief"},
		},
	}
	if err := discord.WriteJSONFrame(conn, discord.OpFrame, ready); err != nil {
		return
	}

	for {
		op, payload, err := discord.DecodeFrame(conn)
		if err != nil || op != discord.OpFrame {
			return
		}
		var cmd struct {
			Cmd   string `json:"cmd"`
			Nonce string `json:"nonce"`
			Args  struct {
				Activity json.RawMessage `json:"activity"`
			} `json:"args"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return
		}
		if cmd.Cmd == "SET_ACTIVITY" {
			d.activities <- cmd.Args.Activity
		}
		ack := map[string]any{"cmd": cmd.Cmd, "nonce": cmd.Nonce, "data": cmd.Args.Activity}
		if err := discord.WriteJSONFrame(conn, discord.OpFrame, ack); err != nil {
			return
		}
	}
}

// dropAll closes every open connection, as a Discord restart would.
func (d *fakeDiscord) dropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
}

func (d *fakeDiscord) close() {
	d.ln.Close()
	d.dropAll()
}

// nextActivity waits for the next SET_ACTIVITY. A cleared presence is
// returned as nil.
func (d *fakeDiscord) nextActivity(t *testing.T) *discord.Activity {
	t.Helper()
	select {
	case raw := <-d.activities:
		if len(raw) == 0 || string(raw) == "null" {
			return nil
		}
		var a discord.Activity
		require.NoError(t, json.Unmarshal(raw, &a))
		return &a
	case <-time.After(5 * time.Second):
		t.Fatal("no SET_ACTIVITY received")
		return nil
	}
}

// ///////////////////////////////////////////////
// Harness
// ///////////////////////////////////////////////

type stack struct {
	site    *fakeSite
	discord *fakeDiscord
	store   *store.Store
	client  *control.Client
}

func newStack(t *testing.T) *stack {
	t.Helper()
	site := &fakeSite{online: true, game: "Halo 2"}
	siteSrv := httptest.NewServer(site.handler())
	t.Cleanup(siteSrv.Close)

	fd := startFakeDiscord(t)

	st, err := store.Open(filepath.Join(t.TempDir(), paths.StoreFile))
	require.NoError(t, err)

	hub := control.NewHub()
	engine, err := presence.New(presence.Options{
		Store: st,
		Status: insignia.New(insignia.Options{
			SiteURL: siteSrv.URL,
			AuthURL: siteSrv.URL + "/api",
			Timeout: 5 * time.Second,
		}),
		Dial: func(ctx context.Context) (presence.Session, error) {
			c := discord.NewClient(appID, 2*time.Second)
			if err := c.Connect(ctx); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		},
		Notifier:       hub,
		ActiveInterval: time.Minute,
		IdleInterval:   time.Minute,
		ReconnectBase:  50 * time.Millisecond,
		ReconnectMax:   200 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := control.NewServer(control.Options{Engine: engine, Settings: st, Hub: hub, Token: testToken})
	apiSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(apiSrv.Close)
	t.Cleanup(hub.Close)

	return &stack{
		site:    site,
		discord: fd,
		store:   st,
		client:  control.NewClient(strings.TrimPrefix(apiSrv.URL, "http://"), testToken),
	}
}

// signIn links Discord and logs in to Insignia, which starts checking.
func (s *stack) signIn(t *testing.T, ctx context.Context) {
	t.Helper()
	user, err := s.client.DiscordLogin(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "chief", user.Username)
	assert.Equal(t, appID, <-s.discord.handshakes)

	resp, err := s.client.Login(ctx, "chief@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "MasterChief", resp.Username)
}

// ///////////////////////////////////////////////
// Tests
// ///////////////////////////////////////////////

func TestPresenceEndToEnd(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.signIn(t, ctx)

	a := s.discord.nextActivity(t)
	require.NotNil(t, a)
	assert.Equal(t, "Playing Halo 2", a.Details)
	assert.Equal(t, "Online as MasterChief", a.State)
	require.NotNil(t, a.Timestamps)
	assert.Positive(t, a.Timestamps.Start)

	require.Eventually(t, func() bool {
		st, err := s.client.State(ctx)
		return err == nil && st.Active && st.LastGameName == "Halo 2" && st.TotalPlayTimeMinutes == 95
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "sess-1", s.store.GetString(store.KeyInsigniaSession))
	assert.True(t, s.store.GetBool(store.KeyPresenceActive))

	require.NoError(t, s.client.Stop(ctx))
	assert.Nil(t, s.discord.nextActivity(t))

	st, err := s.client.State(ctx)
	require.NoError(t, err)
	assert.False(t, st.Checking)
	assert.False(t, st.Active)
}

func TestReconnectRestoresPresence(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.signIn(t, ctx)

	first := s.discord.nextActivity(t)
	require.NotNil(t, first)

	s.discord.dropAll()

	select {
	case <-s.discord.handshakes:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not reconnect")
	}
	restored := s.discord.nextActivity(t)
	require.NotNil(t, restored)
	assert.Equal(t, first.Timestamps.Start, restored.Timestamps.Start)
	assert.Equal(t, first.Details, restored.Details)
}

func TestGoingOfflineClearsPresence(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	s.signIn(t, ctx)
	require.NotNil(t, s.discord.nextActivity(t))

	s.site.set(false, "")
	// Start while idle triggers an immediate check.
	require.NoError(t, s.client.Start(ctx))
	assert.Nil(t, s.discord.nextActivity(t))

	require.Eventually(t, func() bool {
		st, err := s.client.State(ctx)
		return err == nil && !st.Active && st.Checking
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchStreamsNotifications(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan presence.Notification, 32)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- s.client.Watch(ctx, func(n presence.Notification) { got <- n })
	}()
	// Give the stream a moment to register before producing events.
	time.Sleep(100 * time.Millisecond)

	s.signIn(t, ctx)

	seen := map[presence.Kind]bool{}
	for !seen[presence.KindDaemonReady] || !seen[presence.KindPresenceUpdated] {
		select {
		case n := <-got:
			seen[n.Kind] = true
			if n.Kind == presence.KindPresenceUpdated {
				assert.True(t, n.Active)
				assert.Equal(t, "Halo 2", n.GameName)
			}
		case <-ctx.Done():
			t.Fatalf("missing notifications, saw %v", seen)
		}
	}

	cancel()
	err := <-watchErr
	assert.True(t, err == nil || errors.Is(err, context.Canceled), "watch error: %v", err)
}

func TestLoginRejected(t *testing.T) {
	s := newStack(t)
	_, err := s.client.Login(context.Background(), "chief@example.com", "wrong")

	var apiErr *control.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Contains(t, apiErr.Message, "Invalid email or password")
	assert.False(t, s.store.Has(store.KeyInsigniaSession))
}
