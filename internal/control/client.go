package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"

	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/insignia"
	"tools.zach/dev/xblbeacon/internal/presence"
)

// APIError is a non-2xx answer from the control API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control API returned %d", e.Status)
	}
	return e.Message
}

// IsUnavailable reports whether err means the daemon could not reach
// Discord (or is shutting down).
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable
}

// Client talks to a running daemon.
type Client struct {
	base  string
	token string
	http  *retryablehttp.Client
}

// NewClient creates a client for the daemon listening on addr (host:port).
func NewClient(addr, token string) *Client {
	hc := retryablehttp.NewClient()
	// Commands are not idempotent; connection refused must surface at once.
	hc.RetryMax = 0
	hc.Logger = nil
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.HTTPClient.Timeout = insignia.LoginTimeout + 10*time.Second
	return &Client{base: "http://" + addr, token: token, http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		return &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// State returns the daemon state.
func (c *Client) State(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, &st)
	return st, err
}

// Start begins presence checking.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/start", nil, nil)
}

// Stop ends presence checking.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/stop", nil, nil)
}

// DiscordLogin connects the daemon to Discord.
func (c *Client) DiscordLogin(ctx context.Context) (*discord.Identity, error) {
	var resp DiscordLoginResponse
	if err := c.do(ctx, http.MethodPost, "/v1/discord/login", nil, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// DiscordLogout disconnects the daemon from Discord.
func (c *Client) DiscordLogout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/discord/logout", nil, nil)
}

// Login signs in to Insignia.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "/v1/insignia/login", LoginRequest{Email: email, Password: password}, &resp)
	return resp, err
}

// Logout signs out of Insignia.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/insignia/logout", nil, nil)
}

// Register enrolls sessionKey, or the stored session when empty.
func (c *Client) Register(ctx context.Context, sessionKey string) (RegisterResponse, error) {
	var resp RegisterResponse
	err := c.do(ctx, http.MethodPost, "/v1/session/register", RegisterRequest{SessionKey: sessionKey}, &resp)
	return resp, err
}

// PlayTime fetches play-time statistics.
func (c *Client) PlayTime(ctx context.Context) (insignia.PlayTime, error) {
	var pt insignia.PlayTime
	err := c.do(ctx, http.MethodGet, "/v1/play-time", nil, &pt)
	return pt, err
}

// AutoStart reports the launch-at-login preference.
func (c *Client) AutoStart(ctx context.Context) (bool, error) {
	var resp AutoStartRequest
	err := c.do(ctx, http.MethodGet, "/v1/autostart", nil, &resp)
	return resp.Enabled, err
}

// SetAutoStart changes the launch-at-login preference.
func (c *Client) SetAutoStart(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/v1/autostart", AutoStartRequest{Enabled: enabled}, nil)
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

// Watch streams notifications to fn until ctx is done or the daemon closes
// the stream.
func (c *Client) Watch(ctx context.Context, fn func(presence.Notification)) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	u.Scheme = "ws"
	u.Path = "/v1/events"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: "event stream refused"}
		}
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if msg.Type == TypeConnected || len(msg.Data) == 0 {
			continue
		}
		var n presence.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			continue
		}
		fn(n)
	}
}
