package models

import "encoding/json"

// ============================================================
// GATEWAY WEBSOCKET MESSAGES
// ============================================================

// Envelope is every message exchanged with the browser.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type IdentifierPayload struct {
	Identifier string `json:"identifier"`
}

type PasswordPayload struct {
	Password string `json:"password"`
}

// SignalPayload carries SDP or an ICE candidate. Gzip-compressed SDP is
// sent base64 encoded.
type SignalPayload struct {
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type LoginStatePayload struct {
	Step      string `json:"step"`
	UserKind  int    `json:"user_kind,omitempty"`
	Redirect  string `json:"redirect,omitempty"`
	Capture   string `json:"capture,omitempty"`
	Frames    int    `json:"frames,omitempty"`
	Remaining int    `json:"remaining_seconds,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type EnrollStatePayload struct {
	Step      string `json:"step"`
	Progress  int    `json:"progress"`
	Remaining int    `json:"remaining_seconds"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type FacialStatePayload struct {
	Busy      bool   `json:"busy"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}
