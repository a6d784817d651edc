/*
@Author: Lzww
@LastEditTime: 2025-11-9 17:14:20
@Description: Collaboration presence and event model
@Language: Go
*/
package presence

import (
	"fmt"
	"time"

	"github.com/aetherflow/collabsync/internal/ot"
)

// EventType is the kind of a collaboration event
type EventType string

const (
	EventDocumentChange  EventType = "document_change"
	EventCursorMove      EventType = "cursor_move"
	EventSelectionChange EventType = "selection_change"
	EventTypingStart     EventType = "typing_start"
	EventTypingStop      EventType = "typing_stop"
	EventPresenceUpdate  EventType = "presence_update"
	EventUserJoin        EventType = "user_join"
	EventUserLeave       EventType = "user_leave"
	EventSessionState    EventType = "session_state"
	EventLockAcquired    EventType = "lock_acquired"
	EventLockReleased    EventType = "lock_released"
)

// CollaborationEvent is both the live broadcast payload and an audit log row
type CollaborationEvent struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Type      EventType         `json:"type"`
	Data      interface{}       `json:"data"`
	UserID    string            `json:"user_id"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Status is a user's presence status
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus validates a status string
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// UserPresence is keyed by user, last writer wins
type UserPresence struct {
	UserID     string            `json:"user_id"`
	Status     Status            `json:"status"`
	Location   string            `json:"location"`
	DocumentID string            `json:"document_id,omitempty"`
	LastSeen   time.Time         `json:"last_seen"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Selection is a half-open range [Start, End)
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CursorPosition is ephemeral, keyed by documentID:userID
type CursorPosition struct {
	DocumentID string     `json:"document_id"`
	UserID     string     `json:"user_id"`
	Position   int        `json:"position"`
	Selection  *Selection `json:"selection,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TypingIndicator is ephemeral, keyed by documentID:userID.
// StartedAt doubles as the fencing token for the auto-clear timer.
type TypingIndicator struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Position   *int      `json:"position,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Participant is a user's membership in a session
type Participant struct {
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	DocumentID string     `json:"document_id,omitempty"`
	JoinedAt   time.Time  `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
	Active     bool       `json:"active"`
}

// SessionState is the snapshot pushed privately to a joining user
type SessionState struct {
	SessionID    string             `json:"session_id"`
	Participants []*Participant     `json:"participants"`
	Cursors      []*CursorPosition  `json:"cursors"`
	Typing       []*TypingIndicator `json:"typing"`
}

// EventPage is a page of the session audit trail, newest first
type EventPage struct {
	Events  []*CollaborationEvent `json:"events"`
	Total   int                   `json:"total"`
	HasMore bool                  `json:"has_more"`
}

// DocumentChangeData is the payload of a document_change event
type DocumentChangeData struct {
	DocumentID string         `json:"document_id"`
	Operations []ot.Operation `json:"operations"`
	Version    uint64         `json:"version"`
}

// TypingData is the payload of typing_start / typing_stop
type TypingData struct {
	DocumentID string `json:"document_id"`
	IsTyping   bool   `json:"is_typing"`
	Position   *int   `json:"position,omitempty"`
}

// MembershipData is the payload of user_join / user_leave
type MembershipData struct {
	DocumentID string `json:"document_id,omitempty"`
}

// LockData is the payload of lock_acquired / lock_released
type LockData struct {
	DocumentID string     `json:"document_id"`
	LockedBy   string     `json:"locked_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// JoinRequest describes a user entering a session
type JoinRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	DocumentID   string `json:"document_id"`
	ConnectionID string `json:"connection_id,omitempty"` // 为空时不加入传输层房间
}

// LeaveRequest describes a user leaving a session
type LeaveRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	DocumentID   string `json:"document_id,omitempty"` // 为空时取参与者记录中的文档
	ConnectionID string `json:"connection_id,omitempty"`
}

// SessionRoom is the transport room of a session
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}
