package repositories

import (
	"context"
	"errors"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
)

// ErrSessionNotFound is returned when an archived session does not exist
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository archives closed relay sessions
type SessionRepository interface {
	// Save upserts the session keyed by its ID
	Save(ctx context.Context, session *entities.Session) error
	// GetByID returns ErrSessionNotFound when no session has the id
	GetByID(ctx context.Context, id string) (*entities.Session, error)
	// ListByUser returns the user's sessions, newest first
	ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Session, error)
}
