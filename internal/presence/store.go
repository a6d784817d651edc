package presence

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPresenceNotFound  = errors.New("presence not found")
	ErrInvalidStatus     = errors.New("invalid presence status")
	ErrBroadcasterClosed = errors.New("broadcaster is closed")
)

// Store holds ephemeral collaboration state. Cursor and typing entries are
// keyed by (documentID, userID).
type Store interface {
	SetCursor(ctx context.Context, cursor *CursorPosition) error
	DeleteCursor(ctx context.Context, documentID, userID string) error
	ListCursors(ctx context.Context, documentID string) ([]*CursorPosition, error)

	SetTyping(ctx context.Context, typing *TypingIndicator) error
	DeleteTyping(ctx context.Context, documentID, userID string) error
	// DeleteTypingIf removes the indicator only if it was started at startedAt.
	DeleteTypingIf(ctx context.Context, documentID, userID string, startedAt time.Time) (bool, error)
	ListTyping(ctx context.Context, documentID string) ([]*TypingIndicator, error)

	SetPresence(ctx context.Context, presence *UserPresence) error
	GetPresence(ctx context.Context, userID string) (*UserPresence, error)

	// AddParticipant also maintains the user -> sessions reverse index.
	AddParticipant(ctx context.Context, participant *Participant) error
	// RemoveParticipant returns the removed record, or nil if absent.
	RemoveParticipant(ctx context.Context, sessionID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error)
	SessionsForUser(ctx context.Context, userID string) ([]string, error)
}

// Repository is the durable side: the event audit trail plus presence and
// participant records.
type Repository interface {
	AppendEvent(ctx context.Context, event *CollaborationEvent) error
	// ListEvents pages a session's events newest first and returns the total.
	ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]*CollaborationEvent, int, error)
	UpsertPresence(ctx context.Context, presence *UserPresence) error
	UpsertParticipant(ctx context.Context, participant *Participant) error
}

// Transport fans events out to connected clients.
type Transport interface {
	// Publish delivers to every member of room except connections of excludeUserID.
	Publish(ctx context.Context, room string, event *CollaborationEvent, excludeUserID string) error
	// PublishToUser delivers to every connection of userID.
	PublishToUser(ctx context.Context, userID string, event *CollaborationEvent) error
	Join(ctx context.Context, connectionID, room string) error
	Leave(ctx context.Context, connectionID, room string) error
}

// RoomMembers is implemented by transports that track room membership per
// connection. A user still counted in a room after one of their connections
// leaves keeps their participant record.
type RoomMembers interface {
	UserConnections(room, userID string) int
}
