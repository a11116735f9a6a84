// Package discord provides a client for Discord's local IPC socket,
// enabling Rich Presence updates via the SET_ACTIVITY command.
//
// A [Client] owns exactly one IPC connection for its lifetime. After
// [Client.Connect] succeeds the client reports the logged-in Discord user
// through [Client.Identity] and surfaces mid-session faults as [Event]
// values on [Client.Events]. Platform-specific socket discovery is handled
// by conn_unix.go and conn_windows.go.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"tools.zach/dev/xblbeacon/internal/logger"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrNotConnected is returned when an operation requires an active connection.
var ErrNotConnected = errors.New("not connected")

// ErrClosedByDiscord wraps the reason Discord gave when it closed the socket.
var ErrClosedByDiscord = errors.New("connection closed by discord")

// DefaultHandshakeTimeout bounds Connect when the caller's context has no
// deadline.
const DefaultHandshakeTimeout = 5 * time.Second

// ///////////////////////////////////////////////
// Data Types
// ///////////////////////////////////////////////

// Identity is the Discord user the IPC session is authenticated as.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Timestamps holds the start timestamp for an activity, in epoch
// milliseconds.
type Timestamps struct {
	Start int64 `json:"start,omitempty"`
}

// Assets holds image keys and tooltip text for an activity.
type Assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

// Activity represents a Discord Rich Presence activity.
type Activity struct {
	Details    string      `json:"details,omitempty"`
	State      string      `json:"state,omitempty"`
	Timestamps *Timestamps `json:"timestamps,omitempty"`
	Assets     *Assets     `json:"assets,omitempty"`
	Instance   bool        `json:"instance"`
}

// ///////////////////////////////////////////////
// Events
// ///////////////////////////////////////////////

// Event is a lifecycle notification from an established connection.
// Exactly one of [Failed] or [Disconnected] is delivered per fault.
type Event interface {
	event()
}

// Failed reports an ERROR event from Discord. The connection stays open.
type Failed struct {
	Err error
}

// Disconnected reports that the connection was lost. No further events
// follow it.
type Disconnected struct {
	Err error
}

func (Failed) event()       {}
func (Disconnected) event() {}

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Client manages one connection to Discord's IPC socket.
type Client struct {
	// appID is the Discord application (OAuth2 client) identifier.
	appID string
	// handshakeTimeout bounds Connect when ctx carries no deadline.
	handshakeTimeout time.Duration
	// dial opens the raw socket. Replaced in tests.
	dial func(ctx context.Context) (net.Conn, error)

	// mu protects conn, nonce, user and closed.
	mu     sync.Mutex
	conn   net.Conn
	nonce  uint64
	user   *Identity
	closed bool

	events chan Event
	done   chan struct{}
}

// NewClient creates a Discord IPC client for the given application ID. A
// non-positive handshakeTimeout selects [DefaultHandshakeTimeout].
func NewClient(appID string, handshakeTimeout time.Duration) *Client {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Client{
		appID:            appID,
		handshakeTimeout: handshakeTimeout,
		dial:             connectToDiscord,
		events:           make(chan Event, 8),
		done:             make(chan struct{}),
	}
}

// Connect dials Discord, performs the handshake and waits for the READY
// dispatch. On success the reader goroutine is started and the logged-in
// user is available from [Client.Identity]. A Client can only be connected
// once; create a new one to reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.closed {
		c.mu.Unlock()
		return errors.New("discord client already used")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.handshakeTimeout)
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	user, err := c.handshake(conn)
	stop()
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("discord handshake: %w", ctxErr)
		}
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.user = &user
	c.mu.Unlock()

	slog.Debug("discord connected", "user", user.Username, "id", user.ID)
	go c.readLoop(conn)
	return nil
}

// Identity returns the connected Discord user, or nil before Connect
// succeeds and after Close.
func (c *Client) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Events returns the channel on which mid-session faults are delivered. It
// is closed when the reader goroutine exits.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SetActivity sends a SET_ACTIVITY command to Discord.
func (c *Client) SetActivity(activity *Activity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sendCommand("SET_ACTIVITY", map[string]any{
		"pid":      os.Getpid(),
		"activity": activity,
	})
}

// ClearActivity sends a SET_ACTIVITY command with a nil activity.
func (c *Client) ClearActivity() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sendCommand("SET_ACTIVITY", map[string]any{
		"pid":      os.Getpid(),
		"activity": nil,
	})
}

// Close closes the connection. No Disconnected event is emitted for a
// local close. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.user = nil

	if c.conn == nil {
		close(c.events)
		return nil
	}
	return c.conn.Close()
}

// Connected reports whether the client has an open connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// handshake sends the handshake frame and reads frames until READY or an
// ERROR arrives.
func (c *Client) handshake(conn net.Conn) (Identity, error) {
	if err := WriteJSONFrame(conn, OpHandshake, map[string]any{
		"v":         1,
		"client_id": c.appID,
	}); err != nil {
		return Identity{}, fmt.Errorf("writing handshake: %w", err)
	}

	for {
		opcode, payload, err := DecodeFrame(conn)
		if err != nil {
			return Identity{}, fmt.Errorf("reading handshake response: %w", err)
		}

		switch opcode {
		case OpClose:
			return Identity{}, fmt.Errorf("handshake rejected: %w", closeError(payload))
		case OpFrame:
		default:
			return Identity{}, fmt.Errorf("unexpected handshake response opcode: %d", opcode)
		}

		var resp response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return Identity{}, fmt.Errorf("parsing handshake response: %w", err)
		}
		switch resp.Evt {
		case "ERROR":
			return Identity{}, fmt.Errorf("handshake rejected: %w", parseError(resp.Data))
		case "READY":
			return parseIdentity(resp.Data), nil
		}
	}
}

// parseIdentity converts a READY payload into an Identity. The display name
// prefers the global name and falls back to the username.
func parseIdentity(raw json.RawMessage) Identity {
	var d readyData
	_ = json.Unmarshal(raw, &d)
	id := Identity{
		ID:          d.User.ID,
		Username:    d.User.Username,
		DisplayName: d.User.GlobalName,
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	return id
}

func closeError(payload []byte) error {
	var d closeData
	_ = json.Unmarshal(payload, &d)
	if d.Message == "" {
		return ErrClosedByDiscord
	}
	return fmt.Errorf("%w: %s (code %d)", ErrClosedByDiscord, d.Message, d.Code)
}

// readLoop consumes frames until the connection ends. Command
// acknowledgements are dropped; ERROR events become Failed; a remote close
// or read error becomes Disconnected.
func (c *Client) readLoop(conn net.Conn) {
	defer close(c.events)

	for {
		opcode, payload, err := DecodeFrame(conn)
		if err != nil {
			conn.Close()
			c.emit(Disconnected{Err: err})
			return
		}

		switch opcode {
		case OpClose:
			conn.Close()
			c.emit(Disconnected{Err: closeError(payload)})
			return
		case OpPing:
			c.mu.Lock()
			err := WriteJSONFrame(conn, OpPong, json.RawMessage(payload))
			c.mu.Unlock()
			if err != nil {
				slog.Debug("discord pong failed", "error", err)
			}
		case OpFrame:
			var resp response
			if err := json.Unmarshal(payload, &resp); err != nil {
				c.emit(Failed{Err: fmt.Errorf("parsing response: %w", err)})
				continue
			}
			if resp.Evt == "ERROR" {
				c.emit(Failed{Err: parseError(resp.Data)})
				continue
			}
			logger.Trace(slog.Default(), "discord response", "cmd", resp.Cmd, "evt", resp.Evt, "nonce", resp.Nonce)
		}
	}
}

// emit delivers ev unless the client was closed locally.
func (c *Client) emit(ev Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// sendCommand writes a command frame to the IPC connection.
// The caller must hold c.mu.
func (c *Client) sendCommand(cmd string, args map[string]any) error {
	if c.conn == nil || c.closed {
		return ErrNotConnected
	}

	c.nonce++
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.handshakeTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	if err := WriteJSONFrame(c.conn, OpFrame, map[string]any{
		"cmd":   cmd,
		"args":  args,
		"nonce": strconv.FormatUint(c.nonce, 10),
	}); err != nil {
		return fmt.Errorf("sending %s: %w", cmd, err)
	}
	return nil
}
