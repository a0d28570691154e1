// Package relay implements the command relay between the desktop process and
// the browser extension: a single-peer WebSocket server, the extension-side
// client, and the id-keyed correlation table that matches results to requests.
package relay

import (
	"encoding/json"
	"time"
)

// Defaults shared by both sides of the relay.
const (
	DefaultPort           = 9222
	DefaultCommandTimeout = 15 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultConnectTimeout = 5 * time.Second

	writeTimeout = 10 * time.Second
	closeTimeout = 250 * time.Millisecond
	readLimit    = 16 << 20
)

// Keepalive methods.
const (
	MethodPing = "ping"
	MethodPong = "pong"
)

// Failure reasons reported to SendCommand callers.
const (
	ReasonNotConnected  = "Chrome extension is not connected. Click the extension icon in Chrome to connect."
	ReasonDisconnected  = "Extension disconnected"
	ReasonClosing       = "App closing"
	ReasonCommandFailed = "Command failed"
)

// Request is the server→extension command frame.
type Request struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Params any    `json:"params"`
}

// Result is the extension→server reply frame. Exactly one is sent per Request.
type Result struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Keepalive is a ping or pong frame. It carries no id.
type Keepalive struct {
	Method string `json:"method"`
}

// CommandResult is what SendCommand callers receive. Failures are data,
// never Go errors.
type CommandResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Failure builds an unsuccessful CommandResult.
func Failure(reason string) CommandResult {
	return CommandResult{Success: false, Error: reason}
}

// frame is the union of every inbound shape. Which fields are set decides
// how it is routed.
type frame struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Action  string          `json:"action"`
	Params  json.RawMessage `json:"params"`
	Success bool            `json:"success"`
	Result  *string         `json:"result"`
	Error   *string         `json:"error"`
}

// decodeFrame parses one message. Anything that is not a JSON object is
// rejected.
func decodeFrame(data []byte) (frame, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, false
	}
	return f, true
}

func (f frame) isKeepalive() bool {
	return f.Method == MethodPing || f.Method == MethodPong
}

func (f frame) commandResult() CommandResult {
	res := CommandResult{Success: f.Success}
	if f.Result != nil {
		res.Output = *f.Result
	}
	if !f.Success {
		res.Error = ReasonCommandFailed
		if f.Error != nil {
			res.Error = *f.Error
		}
	}
	return res
}
