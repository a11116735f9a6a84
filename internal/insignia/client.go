// Package insignia talks to the xb.live status API and the Insignia auth
// API.
//
// Status calls fail soft: a non-2xx status or an unparseable body yields
// the zero value with a nil error, and only transport faults (DNS, refused
// connections, timeouts) are returned as errors. Login is the exception,
// since the caller needs the rejection reason.
package insignia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"tools.zach/dev/xblbeacon/internal/logger"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrLoginRejected is returned by Login when the auth API answers but does
// not issue a session.
var ErrLoginRejected = errors.New("login rejected")

// ErrMalformedResponse marks a response body that is not the expected JSON.
// Status calls log it as a protocol error and fall back to their zero value.
var ErrMalformedResponse = errors.New("malformed response")

// LoginTimeout bounds Login. The auth API proxies to Insignia, which can
// take close to a minute to answer.
const LoginTimeout = 90 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Profile is the live online status of the logged-in Insignia user.
type Profile struct {
	Online bool
	// Game is the trimmed title being played, or empty when unknown.
	Game string
}

// PlayTime is the play-time summary tracked by xb.live.
type PlayTime struct {
	TotalMinutes int            `json:"totalMinutes"`
	ByGame       map[string]int `json:"byGame"`
	LastState    string         `json:"lastState"`
	CurrentGame  string         `json:"currentGame"`
}

// Session is the result of a successful Login.
type Session struct {
	SessionKey string `json:"sessionKey"`
	Username   string `json:"username"`
	Email      string `json:"email"`
}

// Options configures a Client.
type Options struct {
	// SiteURL is the xb.live base URL (no trailing /api).
	SiteURL string
	// AuthURL is the auth API base URL, including its /api suffix.
	AuthURL string
	// Timeout bounds each status request.
	Timeout time.Duration
	// RetryMax is the retry count for status requests.
	RetryMax int
}

// Client is a fail-soft client for the xb.live and Insignia auth APIs.
type Client struct {
	siteURL string
	authURL string
	http    *retryablehttp.Client
	// auth is used for login and logout. It never retries, so a slow login
	// cannot be submitted twice.
	auth *retryablehttp.Client
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	status := retryablehttp.NewClient()
	status.RetryMax = opts.RetryMax
	status.RetryWaitMin = 500 * time.Millisecond
	status.RetryWaitMax = 2 * time.Second
	status.HTTPClient.Timeout = opts.Timeout
	status.Logger = nil
	// Hand non-2xx responses back instead of converting them to errors so
	// status codes can be logged.
	status.ErrorHandler = retryablehttp.PassthroughErrorHandler

	auth := retryablehttp.NewClient()
	auth.RetryMax = 0
	auth.HTTPClient.Timeout = LoginTimeout
	auth.Logger = nil
	auth.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		siteURL: strings.TrimRight(opts.SiteURL, "/"),
		authURL: strings.TrimRight(opts.AuthURL, "/"),
		http:    status,
		auth:    auth,
	}
}

// ///////////////////////////////////////////////
// Status API
// ///////////////////////////////////////////////

// FetchLiveProfile asks xb.live whether the session's user is online and
// what they are playing.
func (c *Client) FetchLiveProfile(ctx context.Context, sessionKey string) (Profile, error) {
	var body struct {
		IsOnline bool   `json:"isOnline"`
		Game     any    `json:"game"`
		Error    string `json:"error"`
	}
	status, err := c.do(ctx, c.http, http.MethodPost, c.siteURL+"/api/me/profile-live", nil,
		map[string]string{"sessionKey": sessionKey}, &body)
	if errors.Is(err, ErrMalformedResponse) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("fetch live profile: %w", err)
	}
	if !ok(status) {
		slog.Warn("profile-live rejected", "status", status, "error", body.Error)
		return Profile{}, nil
	}

	p := Profile{Online: body.IsOnline, Game: gameName(body.Game)}
	slog.Debug("profile-live", "online", p.Online, "game", p.Game)
	return p, nil
}

// gameName normalizes the loosely typed game field: strings are trimmed,
// numbers are formatted, anything else is empty.
func gameName(v any) string {
	switch g := v.(type) {
	case string:
		return strings.TrimSpace(g)
	case float64:
		return strings.TrimSpace(fmt.Sprint(g))
	default:
		return ""
	}
}

// FetchPlayTime returns the user's play-time summary. sessionKey may be
// empty. Failures yield a zero PlayTime.
func (c *Client) FetchPlayTime(ctx context.Context, username, sessionKey string) (PlayTime, error) {
	u := c.siteURL + "/api/me/play-time?username=" + url.QueryEscape(username)
	var headers map[string]string
	if sessionKey != "" {
		headers = map[string]string{"X-Session-Key": sessionKey}
	}

	var pt PlayTime
	status, err := c.do(ctx, c.http, http.MethodGet, u, headers, nil, &pt)
	if errors.Is(err, ErrMalformedResponse) {
		return PlayTime{}, nil
	}
	if err != nil {
		return PlayTime{}, fmt.Errorf("fetch play time: %w", err)
	}
	if !ok(status) {
		slog.Warn("play-time rejected", "status", status)
		return PlayTime{}, nil
	}
	if pt.TotalMinutes < 0 {
		pt.TotalMinutes = 0
	}
	pt.CurrentGame = strings.TrimSpace(pt.CurrentGame)
	return pt, nil
}

// PingKeepAlive tells xb.live the beacon is still running. The response is
// ignored.
func (c *Client) PingKeepAlive(ctx context.Context, sessionKey string) {
	if _, err := c.do(ctx, c.http, http.MethodPost, c.siteURL+"/api/me/play-time-beacon-ping", nil,
		map[string]string{"sessionKey": sessionKey}, nil); err != nil {
		slog.Debug("keep-alive ping failed", "error", err)
	}
}

// Register enrolls the session with xb.live play-time tracking. It reports
// whether the site accepted it and the HTTP status (0 on transport error).
func (c *Client) Register(ctx context.Context, sessionKey string) (bool, int) {
	if sessionKey == "" {
		return false, 0
	}
	var body struct {
		Error string `json:"error"`
	}
	status, err := c.do(ctx, c.http, http.MethodPost, c.siteURL+"/api/me/play-time-register", nil,
		map[string]string{"sessionKey": sessionKey}, &body)
	if errors.Is(err, ErrMalformedResponse) {
		return false, status
	}
	if err != nil {
		slog.Warn("play-time-register error", "error", err)
		return false, 0
	}
	if !ok(status) {
		slog.Warn("play-time-register failed", "status", status, "error", body.Error)
		return false, status
	}
	return true, status
}

// ///////////////////////////////////////////////
// Auth API
// ///////////////////////////////////////////////

// Login exchanges Insignia credentials for a session key. A response
// without success wraps [ErrLoginRejected] with the API's message.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var body struct {
		Success    bool   `json:"success"`
		SessionKey string `json:"sessionKey"`
		Username   string `json:"username"`
		Email      string `json:"email"`
		Error      string `json:"error"`
	}
	status, err := c.do(ctx, c.auth, http.MethodPost, c.authURL+"/auth/login", nil,
		map[string]string{"email": email, "password": password}, &body)
	if err != nil {
		return Session{}, fmt.Errorf("insignia login: %w", err)
	}
	if !ok(status) || !body.Success || body.SessionKey == "" {
		msg := body.Error
		if msg == "" {
			msg = "Login failed"
		}
		return Session{}, fmt.Errorf("%w: %s", ErrLoginRejected, msg)
	}

	s := Session{SessionKey: body.SessionKey, Username: body.Username, Email: body.Email}
	if s.Email == "" {
		s.Email = email
	}
	return s, nil
}

// Logout revokes the session key. Failures are logged and otherwise
// ignored.
func (c *Client) Logout(ctx context.Context, sessionKey string) {
	if sessionKey == "" {
		return
	}
	status, err := c.do(ctx, c.auth, http.MethodPost, c.authURL+"/auth/logout", nil,
		map[string]string{"sessionKey": sessionKey}, nil)
	switch {
	case err != nil:
		slog.Warn("insignia logout error", "error", err)
	case !ok(status):
		slog.Warn("insignia logout failed", "status", status)
	}
}

// ///////////////////////////////////////////////
// Transport
// ///////////////////////////////////////////////

func ok(status int) bool { return status >= 200 && status < 300 }

// do sends a JSON request and decodes the JSON response into out when out
// is non-nil. A body that fails to decode is logged as a protocol error and
// leaves out untouched; only transport faults are returned.
func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, method, rawURL string, headers map[string]string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	logger.Trace(slog.Default(), "http response", "method", method, "url", req.URL.Path, "status", resp.StatusCode, "bytes", len(data))

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("malformed response", "kind", "protocol_error", "path", req.URL.Path, "status", resp.StatusCode, "error", err)
		return resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp.StatusCode, nil
}
