package relay

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/neboloop/tabrelay/internal/middleware"
)

var (
	// ErrClosed is returned by Start after Stop.
	ErrClosed = errors.New("relay: server closed")
	// ErrNotConnected reports that no extension is attached to the relay.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrConnectAborted is returned by Connect when Disconnect ran during the dial.
	ErrConnectAborted = errors.New("relay: connect aborted by disconnect")
)

// ServerState is the lifecycle of the desktop-side server.
type ServerState int

const (
	ServerIdle ServerState = iota
	ServerListening
	ServerConnected
	ServerClosed
)

func (s ServerState) String() string {
	switch s {
	case ServerIdle:
		return "idle"
	case ServerListening:
		return "listening"
	case ServerConnected:
		return "connected"
	case ServerClosed:
		return "closed"
	}
	return fmt.Sprintf("ServerState(%d)", int(s))
}

// ClientState is the lifecycle of the extension-side client.
type ClientState int

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	}
	return fmt.Sprintf("ClientState(%d)", int(s))
}

// Badge is the short indicator shown to the user.
type Badge string

const (
	BadgeOff        Badge = "off"
	BadgeConnecting Badge = "connecting"
	BadgeOn         Badge = "on"
	BadgeError      Badge = "error"
)

// Indicator is the user-visible connection state of the client.
type Indicator struct {
	Badge Badge  `json:"badge"`
	Title string `json:"title"`
	Error string `json:"error,omitempty"`
}

func newIndicator(b Badge, url string, err error) Indicator {
	ind := Indicator{Badge: b}
	switch b {
	case BadgeOff:
		ind.Title = "Relay: disconnected. Click to connect to the desktop app."
	case BadgeConnecting:
		ind.Title = fmt.Sprintf("Relay: connecting to %s...", url)
	case BadgeOn:
		ind.Title = fmt.Sprintf("Relay: connected to %s. Click to disconnect.", url)
	case BadgeError:
		msg := "unknown error"
		if err != nil {
			msg = err.Error()
			ind.Error = msg
		}
		ind.Title = fmt.Sprintf("Relay: connection failed (%s). Click to retry.", msg)
	}
	return ind
}

// PeerEventKind describes a change of the server's extension peer.
type PeerEventKind string

const (
	PeerConnected    PeerEventKind = "connected"
	PeerDisconnected PeerEventKind = "disconnected"
	PeerReplaced     PeerEventKind = "replaced"
)

// PeerEvent is published on events.TopicServerPeer.
type PeerEvent struct {
	Kind    PeerEventKind `json:"kind"`
	Remote  string        `json:"remote"`
	Dropped int           `json:"dropped"`
}

func allowedOrigin(origin string) bool {
	if origin == "" || strings.HasPrefix(origin, "chrome-extension://") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || middleware.IsLoopbackIP(host)
}
