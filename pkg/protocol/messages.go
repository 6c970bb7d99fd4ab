// Package protocol defines the newline-delimited JSON wire format spoken
// between chat clients and the server, plus the token grammar of the command
// language. Each frame is one JSON object terminated by '\n'.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Update statuses.
const (
	StatusOK    = "OK"    // successful command result
	StatusError = "ERROR" // recoverable failure, connection stays open
	StatusMsg   = "MSG"   // chat message delivery
)

// Broadcast is the wire identity used for the "all sessions" target, distinct
// from any username.
const Broadcast = "BROADCAST"

// Request is a client-to-server frame: a command name plus its raw argument
// string. Argument parsing is command-specific and happens server-side.
type Request struct {
	Command string `json:"command"`
	Data    string `json:"data"`
}

// ParseRequest decodes a request frame.
func ParseRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed request frame: %w", err)
	}
	if req.Command == "" {
		return nil, fmt.Errorf("malformed request frame: missing command")
	}
	return &req, nil
}

// Encode serializes the request as a frame payload.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Update is a server-to-client frame reporting a command result or delivering
// a chat message. Target is the resolved recipient username, or Broadcast.
type Update struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
	Target string `json:"target"`
}

// ErrorData is the data payload of every ERROR update.
type ErrorData struct {
	Message string `json:"message"`
}

// ChatPayload is the data payload of a MSG update.
type ChatPayload struct {
	Text        string `json:"text"`
	Sender      string `json:"sender"`
	IsBroadcast bool   `json:"is_broadcast"`
}

// OK builds a success update addressed to target.
func OK(target, text string) Update {
	return Update{Status: StatusOK, Data: text, Target: target}
}

// Error builds a failure update addressed to target.
func Error(target, message string) Update {
	return Update{Status: StatusError, Data: ErrorData{Message: message}, Target: target}
}

// Chat builds a message-delivery update addressed to target.
func Chat(target string, payload ChatPayload) Update {
	return Update{Status: StatusMsg, Data: payload, Target: target}
}

// Encode serializes the update as a frame payload.
func (u Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses an update frame. Used by clients and tests.
func DecodeUpdate(payload []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("malformed update frame: %w", err)
	}
	return &u, nil
}

// ErrorMessage extracts the message from an ERROR update's data. Data is
// ErrorData for updates built in-process, map[string]any for decoded frames,
// and a bare string is tolerated.
func (u *Update) ErrorMessage() string {
	switch data := u.Data.(type) {
	case ErrorData:
		return data.Message
	case string:
		return data
	case map[string]any:
		if msg, ok := data["message"].(string); ok {
			return msg
		}
	}
	return ""
}
