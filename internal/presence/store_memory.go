/*
@Author: Lzww
@LastEditTime: 2025-11-10 22:03:20
@Description: Presence store memory implementation
@Language: Go
*/
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for a single process
type MemoryStore struct {
	mu           sync.RWMutex
	cursors      map[string]map[string]*CursorPosition  // documentID -> userID -> cursor
	typing       map[string]map[string]*TypingIndicator // documentID -> userID -> indicator
	presence     map[string]*UserPresence               // userID -> presence
	participants map[string]map[string]*Participant     // sessionID -> userID -> participant
	userIdx      map[string]map[string]struct{}         // userID -> sessionIDs
}

// NewMemoryStore creates a new in-memory presence store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors:      make(map[string]map[string]*CursorPosition),
		typing:       make(map[string]map[string]*TypingIndicator),
		presence:     make(map[string]*UserPresence),
		participants: make(map[string]map[string]*Participant),
		userIdx:      make(map[string]map[string]struct{}),
	}
}

// ==================== 光标 ====================

func (s *MemoryStore) SetCursor(ctx context.Context, cursor *CursorPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.cursors[cursor.DocumentID]
	if !ok {
		byUser = make(map[string]*CursorPosition)
		s.cursors[cursor.DocumentID] = byUser
	}
	c := *cursor
	byUser[cursor.UserID] = &c
	return nil
}

func (s *MemoryStore) DeleteCursor(ctx context.Context, documentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byUser, ok := s.cursors[documentID]; ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(s.cursors, documentID)
		}
	}
	return nil
}

func (s *MemoryStore) ListCursors(ctx context.Context, documentID string) ([]*CursorPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*CursorPosition, 0, len(s.cursors[documentID]))
	for _, c := range s.cursors[documentID] {
		cCopy := *c
		out = append(out, &cCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ==================== 输入状态 ====================

func (s *MemoryStore) SetTyping(ctx context.Context, typing *TypingIndicator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.typing[typing.DocumentID]
	if !ok {
		byUser = make(map[string]*TypingIndicator)
		s.typing[typing.DocumentID] = byUser
	}
	t := *typing
	byUser[typing.UserID] = &t
	return nil
}

func (s *MemoryStore) DeleteTyping(ctx context.Context, documentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteTypingLocked(documentID, userID)
	return nil
}

func (s *MemoryStore) DeleteTypingIf(ctx context.Context, documentID, userID string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.typing[documentID][userID]
	if !ok || !t.StartedAt.Equal(startedAt) {
		return false, nil
	}
	s.deleteTypingLocked(documentID, userID)
	return true, nil
}

func (s *MemoryStore) deleteTypingLocked(documentID, userID string) {
	if byUser, ok := s.typing[documentID]; ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(s.typing, documentID)
		}
	}
}

func (s *MemoryStore) ListTyping(ctx context.Context, documentID string) ([]*TypingIndicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TypingIndicator, 0, len(s.typing[documentID]))
	for _, t := range s.typing[documentID] {
		tCopy := *t
		out = append(out, &tCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ==================== 在线状态 ====================

func (s *MemoryStore) SetPresence(ctx context.Context, presence *UserPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := *presence
	s.presence[presence.UserID] = &p
	return nil
}

func (s *MemoryStore) GetPresence(ctx context.Context, userID string) (*UserPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.presence[userID]
	if !ok {
		return nil, ErrPresenceNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// ==================== 参与者 ====================

func (s *MemoryStore) AddParticipant(ctx context.Context, participant *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.participants[participant.SessionID]
	if !ok {
		byUser = make(map[string]*Participant)
		s.participants[participant.SessionID] = byUser
	}
	p := *participant
	byUser[participant.UserID] = &p

	sessions, ok := s.userIdx[participant.UserID]
	if !ok {
		sessions = make(map[string]struct{})
		s.userIdx[participant.UserID] = sessions
	}
	sessions[participant.SessionID] = struct{}{}

	return nil
}

func (s *MemoryStore) RemoveParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.participants[sessionID]
	if !ok {
		return nil, nil
	}
	p, ok := byUser[userID]
	if !ok {
		return nil, nil
	}

	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(s.participants, sessionID)
	}

	if sessions, ok := s.userIdx[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(s.userIdx, userID)
		}
	}

	return p, nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Participant, 0, len(s.participants[sessionID]))
	for _, p := range s.participants[sessionID] {
		pCopy := *p
		out = append(out, &pCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) SessionsForUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.userIdx[userID]))
	for sessionID := range s.userIdx[userID] {
		out = append(out, sessionID)
	}
	sort.Strings(out)
	return out, nil
}
