package session

import (
	"context"
	"sync"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

// Repository persists session state. Save is a compare-and-swap on Session.Version: it fails
// with a conflict when the stored version differs from the one s was based on, and with
// NotFound when s was loaded before but the session has been deleted since. The returned
// session carries the new version.
type Repository interface {
	Load(ctx context.Context, id string) (domain.Session, error)
	Save(ctx context.Context, s domain.Session) (domain.Session, error)
	Delete(ctx context.Context, id string) error
}

// checkVersion reports whether s may replace what is stored. Version 0 means a new session.
func checkVersion(s domain.Session, exists bool, stored int64) error {
	switch {
	case !exists && s.Version != 0:
		return errors.NotFound("session removed: id=%s", s.ID)
	case exists && s.Version != stored:
		return errors.Conflict("session %s changed: saving version %d over %d", s.ID, s.Version, stored)
	}
	return nil
}

// MemoryRepository keeps sessions in process memory. It stores copies, so callers may keep
// mutating what they saved.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]domain.Session)}
}

func (r *MemoryRepository) Load(_ context.Context, id string) (domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, errors.NotFound("session not found: id=%s", id)
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, s domain.Session) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[s.ID]
	if err := checkVersion(s, ok, cur.Version); err != nil {
		return domain.Session{}, err
	}

	s = s.Clone()
	s.Version++
	r.sessions[s.ID] = s
	return s.Clone(), nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	return nil
}
