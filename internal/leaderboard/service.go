package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/mode"
	"github.com/victornm/trivia/internal/player"
)

const (
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Players  player.Store
	Modes    mode.Config
	Redis    redis.UniversalClient
	Prefix   string
}

// Service keeps a live leaderboard per session in a Redis sorted set and serves the
// all-time best scores per game mode from the player store.
type Service struct {
	eb      *event.Bus
	players player.Store
	modes   mode.Config
	redis   redis.UniversalClient
	prefix  string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:      c.EventBus,
		players: c.Players,
		modes:   c.Modes,
		redis:   c.Redis,
		prefix:  c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	s.eb.Subscribe(domain.EventNamePlayerRemoved, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventPlayerRemoved)
		return s.RemovePlayer(ctx, ev.SessionID, ev.Player.Username)
	})

	s.eb.Subscribe(domain.EventNameSessionRemoved, func(ctx context.Context, e event.Event) error {
		return s.DeleteLeaderboard(ctx, e.(domain.EventSessionRemoved).SessionID)
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the leaderboard for a session, including all players and their scores.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Unavailable(err, "get leaderboard: session=%s", req.SessionID)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	scores := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		scores = append(scores, domain.LeaderboardEntry{
			Username: z.Member.(string),
			Score:    z.Score,
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   scores,
	}, nil
}

// UpdateLeaderboard overwrites the player's score in the leaderboard.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	sc := e.Score

	if err := s.redis.ZAdd(ctx, s.getLeaderboardKey(sc.SessionID), redis.Z{
		Score:  float64(sc.TotalScore),
		Member: sc.Username,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, sc)
}

// RemovePlayer takes a player who left off the session's leaderboard.
func (s *Service) RemovePlayer(ctx context.Context, sessionID, username string) error {
	if err := s.redis.ZRem(ctx, s.getLeaderboardKey(sessionID), username).Err(); err != nil {
		return fmt.Errorf("remove player from leaderboard: %w", err)
	}
	return nil
}

func (s *Service) DeleteLeaderboard(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, s.getLeaderboardKey(sessionID), s.getLeaderboardTimeKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete leaderboard: %w", err)
	}
	return nil
}

type GetTopRequest struct {
	Mode  domain.GameMode
	Limit int
}

// GetTop returns the players with the best score of a game mode.
func (s *Service) GetTop(ctx context.Context, req GetTopRequest) ([]domain.LeaderboardEntry, error) {
	m, err := mode.New(req.Mode, s.modes)
	if err != nil {
		return nil, err
	}

	ps, err := s.players.Top(ctx, m.Kind(), req.Limit)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LeaderboardEntry, 0, len(ps))
	for _, p := range ps {
		entries = append(entries, domain.LeaderboardEntry{
			Username: p.Username,
			Score:    float64(m.View(p)),
		})
	}
	return entries, nil
}

// schedulePublishLeaderboard publishes the leaderboard changes after a certain interval.
// Scores of many players change within a short time at the end of a round, so publishing
// at most once per interval keeps the number of published events down.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, sc domain.Score) error {
	// Only one instance publishes per interval.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(sc.SessionID), sc.UpdateTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, sc)
}

func (s *Service) publishLeaderboard(ctx context.Context, sc domain.Score) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: sc.SessionID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", sc.SessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return s.redis.Set(ctx, s.getLeaderboardTimeKey(sc.SessionID), sc.UpdateTime.UnixMilli(), publishInterval).Err()
}

func (s *Service) getLeaderboardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) getLeaderboardTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
