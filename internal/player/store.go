// Package player stores players, their running points and their best score per game mode.
package player

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

const DefaultTopLimit = 10

type Store interface {
	Create(ctx context.Context, username string) (domain.Player, error)
	GetByID(ctx context.Context, id string) (domain.Player, error)
	// UpdateCurrentPoints adds points to the player's running total and raises the best score
	// of mode if the new total beats it.
	UpdateCurrentPoints(ctx context.Context, id string, points int, mode domain.GameMode) (domain.Player, error)
	ResetCurrentPoints(ctx context.Context, id string) (domain.Player, error)
	// Top returns the players with the highest best score of mode.
	Top(ctx context.Context, mode domain.GameMode, limit int) ([]domain.Player, error)
}

// best returns a pointer to the best score field of mode.
func best(p *domain.Player, mode domain.GameMode) (*int, error) {
	switch mode {
	case domain.GameModeSingleplayer:
		return &p.BestSingleScore, nil
	case domain.GameModeMultiplayer:
		return &p.BestMultiScore, nil
	case domain.GameModeTimeAttack:
		return &p.BestTimeAttackScore, nil
	case domain.GameModeSurvival:
		return &p.BestSurvivalScore, nil
	}
	return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game mode %q", mode))
}

func validUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username is required"))
	}
	return username, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultTopLimit
	}
	return limit
}

// Memory is a Store kept in process memory.
type Memory struct {
	mu      sync.RWMutex
	players map[string]domain.Player
}

func NewMemory() *Memory {
	return &Memory{players: make(map[string]domain.Player)}
}

func (m *Memory) Create(_ context.Context, username string) (domain.Player, error) {
	username, err := validUsername(username)
	if err != nil {
		return domain.Player{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.Player{}, errors.Internal(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.players {
		if p.Username == username {
			return domain.Player{}, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("username %q is taken", username))
		}
	}

	p := domain.Player{ID: id.String(), Username: username}
	m.players[p.ID] = p
	return p, nil
}

func (m *Memory) GetByID(_ context.Context, id string) (domain.Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.players[id]
	if !ok {
		return domain.Player{}, errors.NotFound("player not found: id=%s", id)
	}
	return p, nil
}

func (m *Memory) UpdateCurrentPoints(_ context.Context, id string, points int, mode domain.GameMode) (domain.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[id]
	if !ok {
		return domain.Player{}, errors.NotFound("player not found: id=%s", id)
	}

	b, err := best(&p, mode)
	if err != nil {
		return domain.Player{}, err
	}

	p.CurrentPoints += points
	*b = max(*b, p.CurrentPoints)
	m.players[id] = p
	return p, nil
}

func (m *Memory) ResetCurrentPoints(_ context.Context, id string) (domain.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[id]
	if !ok {
		return domain.Player{}, errors.NotFound("player not found: id=%s", id)
	}

	p.CurrentPoints = 0
	m.players[id] = p
	return p, nil
}

func (m *Memory) Top(_ context.Context, mode domain.GameMode, limit int) ([]domain.Player, error) {
	if _, err := best(&domain.Player{}, mode); err != nil {
		return nil, err
	}

	m.mu.RLock()
	ps := make([]domain.Player, 0, len(m.players))
	for _, p := range m.players {
		ps = append(ps, p)
	}
	m.mu.RUnlock()

	score := func(p domain.Player) int {
		b, _ := best(&p, mode)
		return *b
	}
	slices.SortFunc(ps, func(a, b domain.Player) int {
		if c := cmp.Compare(score(b), score(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.Username, b.Username)
	})

	return ps[:min(len(ps), normalizeLimit(limit))], nil
}
