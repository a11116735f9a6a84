package presence

import (
	"time"

	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/insignia"
)

// Kind names a notification type.
type Kind string

const (
	KindPresenceUpdated    Kind = "presence-updated"
	KindDaemonReady        Kind = "daemon-ready"
	KindDaemonError        Kind = "daemon-error"
	KindDaemonDisconnected Kind = "daemon-disconnected"
	KindPlayTimeUpdated    Kind = "play-time-updated"
)

// Poll outcomes reported in LastCheckResult when presence is not shown.
const (
	ResultOffline = "offline"
	ResultError   = "error"
)

// Notification is a state change pushed to UI clients.
type Notification struct {
	Kind            Kind               `json:"kind"`
	Active          bool               `json:"active"`
	LastCheck       string             `json:"lastCheck,omitempty"`
	GameName        string             `json:"gameName,omitempty"`
	LastCheckResult string             `json:"lastCheckResult,omitempty"`
	Error           string             `json:"error,omitempty"`
	User            *discord.Identity  `json:"user,omitempty"`
	PlayTime        *insignia.PlayTime `json:"playTime,omitempty"`
	Time            time.Time          `json:"time"`
}

// Notifier receives notifications from the engine loop. Notify must not
// block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

type discardNotifier struct{}

func (discardNotifier) Notify(Notification) {}
