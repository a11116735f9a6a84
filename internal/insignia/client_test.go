package insignia

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Options{SiteURL: server.URL + "/", AuthURL: server.URL + "/api", Timeout: time.Second})
}

func decodeBody(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	var m map[string]string
	require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
	return m
}

// ///////////////////////////////////////////////
// FetchLiveProfile
// ///////////////////////////////////////////////

func TestFetchLiveProfile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   Profile
	}{
		{name: "online with game", status: 200, body: `{"isOnline":true,"game":"  Halo 2 "}`, want: Profile{Online: true, Game: "Halo 2"}},
		{name: "online without game", status: 200, body: `{"isOnline":true,"game":null}`, want: Profile{Online: true}},
		{name: "blank game", status: 200, body: `{"isOnline":true,"game":"   "}`, want: Profile{Online: true}},
		{name: "offline", status: 200, body: `{"isOnline":false}`, want: Profile{}},
		{name: "empty body", status: 200, body: ``, want: Profile{}},
		{name: "non-2xx is offline", status: 401, body: `{"error":"session expired"}`, want: Profile{}},
		{name: "malformed body is offline", status: 200, body: `<html>`, want: Profile{}},
		{name: "wrong shape is offline", status: 200, body: `["online"]`, want: Profile{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/me/profile-live", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "key-1", decodeBody(t, r)["sessionKey"])
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			got, err := c.FetchLiveProfile(context.Background(), "key-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchLiveProfile_TransportFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := New(Options{SiteURL: url, AuthURL: url, Timeout: time.Second})
	got, err := c.FetchLiveProfile(context.Background(), "key-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch live profile")
	assert.Equal(t, Profile{}, got)
}

func TestFetchLiveProfile_ContextCanceled(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchLiveProfile(ctx, "key-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

// ///////////////////////////////////////////////
// FetchPlayTime
// ///////////////////////////////////////////////

func TestFetchPlayTime(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/me/play-time", r.URL.Path)
		assert.Equal(t, "Master Chief", r.URL.Query().Get("username"))
		assert.Equal(t, "key-1", r.Header.Get("X-Session-Key"))
		_, _ = w.Write([]byte(`{"totalMinutes":125,"byGame":{"Halo 2":100,"Fable":25},"lastState":"online","currentGame":"Halo 2"}`))
	})

	pt, err := c.FetchPlayTime(context.Background(), "Master Chief", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 125, pt.TotalMinutes)
	assert.Equal(t, map[string]int{"Halo 2": 100, "Fable": 25}, pt.ByGame)
	assert.Equal(t, "online", pt.LastState)
	assert.Equal(t, "Halo 2", pt.CurrentGame)
}

func TestFetchPlayTime_NoSessionHeader(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["X-Session-Key"]
		assert.False(t, present)
		_, _ = w.Write([]byte(`{"totalMinutes":5}`))
	})

	pt, err := c.FetchPlayTime(context.Background(), "chief", "")
	require.NoError(t, err)
	assert.Equal(t, 5, pt.TotalMinutes)
}

func TestFetchPlayTime_FailSoft(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", 500, `{"error":"boom"}`},
		{"malformed", 200, `not json`},
		{"negative total", 200, `{"totalMinutes":-3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			pt, err := c.FetchPlayTime(context.Background(), "chief", "key")
			require.NoError(t, err)
			assert.Zero(t, pt.TotalMinutes)
		})
	}
}

// ///////////////////////////////////////////////
// PingKeepAlive / Register
// ///////////////////////////////////////////////

func TestPingKeepAlive(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/me/play-time-beacon-ping", r.URL.Path)
		assert.Equal(t, "key-1", decodeBody(t, r)["sessionKey"])
		hits.Add(1)
		w.WriteHeader(http.StatusTeapot)
	})

	c.PingKeepAlive(context.Background(), "key-1")
	assert.Equal(t, int32(1), hits.Load())
}

func TestRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		key        string
		status     int
		body       string
		wantOK     bool
		wantStatus int
	}{
		{name: "accepted", key: "k", status: 200, body: `{"ok":true}`, wantOK: true, wantStatus: 200},
		{name: "rejected", key: "k", status: 403, body: `{"error":"nope"}`, wantStatus: 403},
		{name: "malformed", key: "k", status: 200, body: `oops`, wantStatus: 200},
		{name: "empty key skips request", key: "", wantStatus: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				assert.Equal(t, "/api/me/play-time-register", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			ok, status := c.Register(context.Background(), tt.key)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantStatus, status)
			if tt.key == "" {
				assert.Zero(t, hits.Load())
			}
		})
	}
}

// ///////////////////////////////////////////////
// Login / Logout
// ///////////////////////////////////////////////

func TestLogin(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "chief@unsc.mil", body["email"])
		assert.Equal(t, "cortana", body["password"])
		_, _ = w.Write([]byte(`{"success":true,"sessionKey":"sess-1","username":"MasterChief"}`))
	})

	s, err := c.Login(context.Background(), "chief@unsc.mil", "cortana")
	require.NoError(t, err)
	assert.Equal(t, Session{SessionKey: "sess-1", Username: "MasterChief", Email: "chief@unsc.mil"}, s)
}

func TestLogin_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"api error message", 401, `{"success":false,"error":"Invalid email or password"}`, "Invalid email or password"},
		{"success false without message", 200, `{"success":false}`, "Login failed"},
		{"success without key", 200, `{"success":true}`, "Login failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Login(context.Background(), "a@b.c", "pw")
			require.ErrorIs(t, err, ErrLoginRejected)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLogin_NotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Login(context.Background(), "a@b.c", "pw")
	require.ErrorIs(t, err, ErrLoginRejected)
	assert.Equal(t, int32(1), hits.Load())
}

func TestLogout(t *testing.T) {
	t.Parallel()

	var got atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/logout", r.URL.Path)
		got.Store(decodeBody(t, r)["sessionKey"])
	})

	c.Logout(context.Background(), "sess-1")
	assert.Equal(t, "sess-1", got.Load())
}
