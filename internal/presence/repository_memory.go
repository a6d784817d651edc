package presence

import (
	"context"
	"sync"
)

// MemoryRepository keeps the audit trail in process memory
type MemoryRepository struct {
	mu           sync.RWMutex
	events       map[string][]*CollaborationEvent // sessionID -> events, oldest first
	presence     map[string]*UserPresence
	participants map[string]*Participant // sessionID:userID -> participant
}

// NewMemoryRepository 创建内存仓库
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:       make(map[string][]*CollaborationEvent),
		presence:     make(map[string]*UserPresence),
		participants: make(map[string]*Participant),
	}
}

func (r *MemoryRepository) AppendEvent(ctx context.Context, event *CollaborationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := *event
	r.events[event.SessionID] = append(r.events[event.SessionID], &e)
	return nil
}

func (r *MemoryRepository) ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]*CollaborationEvent, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.events[sessionID]
	total := len(all)

	out := make([]*CollaborationEvent, 0, limit)
	// 倒序遍历, 最新的在前
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		e := *all[i]
		out = append(out, &e)
	}
	return out, total, nil
}

func (r *MemoryRepository) UpsertPresence(ctx context.Context, presence *UserPresence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := *presence
	r.presence[presence.UserID] = &p
	return nil
}

func (r *MemoryRepository) UpsertParticipant(ctx context.Context, participant *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := *participant
	key := participant.SessionID + ":" + participant.UserID
	if prev, ok := r.participants[key]; ok && p.JoinedAt.IsZero() {
		p.JoinedAt = prev.JoinedAt
	}
	r.participants[key] = &p
	return nil
}

// Participant 获取参与者记录, 测试用
func (r *MemoryRepository) Participant(sessionID, userID string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[sessionID+":"+userID]
	if !ok {
		return nil, false
	}
	pCopy := *p
	return &pCopy, true
}
