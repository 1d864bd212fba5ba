package event

import "github.com/conduit-ai/conduit/pkg/types"

// SessionData carries the session for session.created/updated/deleted
// events.
type SessionData struct {
	Info *types.Session `json:"info"`
}

// MessageData carries the message for message.created events.
type MessageData struct {
	SessionID string        `json:"sessionID"`
	Message   types.Message `json:"message"`
}

// SessionErrorData carries the failure for session.error events.
type SessionErrorData struct {
	SessionID string `json:"sessionID"`
	Error     string `json:"error"`
}
