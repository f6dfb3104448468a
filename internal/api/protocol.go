package api

import (
	"encoding/json"

	"shellstate/internal/status"
)

// Message types on the websocket.
const (
	TypeHello    = "hello"
	TypeSnapshot = "snapshot"
	TypeCommand  = "command"
	TypeResult   = "result"
)

// Message is one websocket frame in either direction. Which fields are
// set depends on Type.
type Message struct {
	Type    string          `json:"type"`
	ID      int             `json:"id,omitempty"`
	Session string          `json:"session,omitempty"`
	Service string          `json:"service,omitempty"`
	Command string          `json:"command,omitempty"`
	Args    map[string]any  `json:"args,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CommandRequest is the body of POST /api/command/{service}.
type CommandRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// ServiceInfo is one entry of GET /api/services.
type ServiceInfo struct {
	ID       string        `json:"id"`
	Status   status.Status `json:"status"`
	Commands []string      `json:"commands"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                   `json:"status"`
	Services map[string]status.Status `json:"services"`
}
