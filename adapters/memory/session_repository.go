// Package memory holds in-process repository implementations used when no
// database is configured.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

// SessionRepository is an in-memory implementation of SessionRepository.
// Stored sessions are copies so callers cannot mutate the archive.
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entities.Session // id -> session
	byUser   map[string][]string          // user_id -> session ids
}

var _ repositories.SessionRepository = (*SessionRepository)(nil)

// NewSessionRepository creates an empty in-memory session repository
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions: make(map[string]*entities.Session),
		byUser:   make(map[string][]string),
	}
}

// Save implements repositories.SessionRepository
func (m *SessionRepository) Save(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if ok && existing.UserID != session.UserID {
		m.removeFromUser(existing.UserID, existing.ID)
		ok = false
	}
	if !ok {
		m.byUser[session.UserID] = append(m.byUser[session.UserID], session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// GetByID implements repositories.SessionRepository
func (m *SessionRepository) GetByID(ctx context.Context, id string) (*entities.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, repositories.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// ListByUser implements repositories.SessionRepository
func (m *SessionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byUser[userID]
	sessions := make([]*entities.Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, m.sessions[id].Clone())
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// Count returns the number of archived sessions
func (m *SessionRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *SessionRepository) indexOf(userID, id string) int {
	for i, existing := range m.byUser[userID] {
		if existing == id {
			return i
		}
	}
	return -1
}

func (m *SessionRepository) removeFromUser(userID, id string) {
	i := m.indexOf(userID, id)
	if i < 0 {
		return
	}
	ids := m.byUser[userID]
	m.byUser[userID] = append(ids[:i], ids[i+1:]...)
}
