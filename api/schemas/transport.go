package schemas

import (
	"encoding/json"
	"time"
)

// -- Extension Transport Messages --
//
// Every frame on the /ws/mcp socket is a JSON object with a "type"
// discriminator. The server sends "connected", "command" and "pong";
// the extension sends "register", "event", "response" and "ping".

// Message type discriminators.
const (
	MessageTypeConnected = "connected"
	MessageTypeCommand   = "command"
	MessageTypeRegister  = "register"
	MessageTypeEvent     = "event"
	MessageTypeResponse  = "response"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
)

// Envelope is the minimal frame used to sniff the type before decoding
// the full variant.
type Envelope struct {
	Type string `json:"type"`
}

// ConnectedMessage is the first frame the server sends after accepting a
// socket; it hands the extension its session id.
type ConnectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CommandMessage asks the extension to execute one tool on its page.
type CommandMessage struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// RegisterMessage lets the extension announce metadata (tab URL, SEI
// version) right after connecting.
type RegisterMessage struct {
	Type     string                 `json:"type"`
	URL      string                 `json:"url,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EventMessage is an unsolicited notification from the extension.
// Known events: "login_detected" and "page_changed".
type EventMessage struct {
	Type  string                 `json:"type"`
	Event string                 `json:"event"`
	URL   string                 `json:"url,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Extension event names the registry reacts to.
const (
	EventLoginDetected = "login_detected"
	EventPageChanged   = "page_changed"
)

// ResponseMessage resolves a previously issued CommandMessage by id.
type ResponseMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PongMessage answers an application-level ping from the extension.
type PongMessage struct {
	Type string `json:"type"`
}

// -- Session Views --

// SessionInfo is the read-only view of one connected extension session,
// exposed by status endpoints and the connection_status tool.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	URL          string    `json:"url"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	User         string    `json:"user,omitempty"`
	Unit         string    `json:"unit,omitempty"`
}
