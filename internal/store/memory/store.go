package memory

import (
	"context"
	"sort"
	"sync"

	"HandoverDesk/internal/domain"
)

// Store 进程内存储，用于本地运行和测试
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]domain.Session
	messages map[domain.SessionID][]*domain.Message
}

// New 创建内存存储
func New() *Store {
	return &Store{
		sessions: make(map[domain.SessionID]domain.Session),
		messages: make(map[domain.SessionID][]*domain.Message),
	}
}

func (s *Store) SaveSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) AppendMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &cp)
	return nil
}

func (s *Store) LoadMessages(_ context.Context, id domain.SessionID, afterSeq uint64, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Message
	for _, m := range s.messages[id] {
		if m.Seq <= afterSeq {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LoadSessions(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Purge(_ context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}
