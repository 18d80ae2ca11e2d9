package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types pushed to presence channels.
const (
	EventTypeJoin      = "join"
	EventTypeLeave     = "leave"
	EventTypeBusy      = "busy"
	EventTypeKeepalive = "keepalive"

	userEventPrefix = "user-"
)

type Event struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// UserEventType returns the event type used for payloads relayed from sender.
func UserEventType(sender string) string {
	return userEventPrefix + sender
}

// ValidID reports whether id can name a session or participant.
// Line breaks are refused, ids end up inside event stream frames.
func ValidID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "\r\n")
}

// Envelope is a relay request received over a duplex transport.
// Data is forwarded to DST as is.
type Envelope struct {
	DST  string          `json:"dst"`
	Data json.RawMessage `json:"data"`
}

type Member struct {
	ID    string    `json:"id"`
	Since time.Time `json:"since"`
}

type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
)

type StatusResponse struct {
	Session string `json:"session"`
	Status  Status `json:"status"`
}
