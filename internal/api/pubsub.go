package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/trivia/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		SessionID string             `json:"session_id"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Username string `json:"username"`
		Score    string `json:"score"`
	}

	StatusChanged struct {
		SessionID       string        `json:"session_id"`
		From            domain.Status `json:"from"`
		Status          domain.Status `json:"status"`
		PlayersReady    int           `json:"players_ready"`
		Players         int           `json:"players"`
		QuestionCounter int           `json:"question_counter"`
	}

	JokerUsed struct {
		SessionID string       `json:"session_id"`
		Joker     domain.Joker `json:"joker"`
	}
)

// PublishLeaderboardUpdated sends the leaderboard to every player on it.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard
	data := toLeaderboard(l.SessionID, l.Entries)

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.userChannel(entry.Username), e.Name(), data)
		})
	}

	return eg.Wait()
}

// PublishStatusChanged lets subscribers of a session react to a transition without waiting for their next poll.
func (a *API) PublishStatusChanged(ctx context.Context, e domain.EventStatusChanged) error {
	s := e.Session
	return a.publishNotification(ctx, a.sessionChannel(s.ID), e.Name(), StatusChanged{
		SessionID:       s.ID,
		From:            e.From,
		Status:          s.Status,
		PlayersReady:    s.PlayersReady,
		Players:         len(s.Players),
		QuestionCounter: s.QuestionCounter,
	})
}

func (a *API) PublishJokerUsed(ctx context.Context, e domain.EventJokerUsed) error {
	return a.publishNotification(ctx, a.sessionChannel(e.SessionID), e.Name(), JokerUsed{
		SessionID: e.SessionID,
		Joker:     e.Joker,
	})
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) userChannel(user string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, user)
}

func (a *API) sessionChannel(id string) string {
	return fmt.Sprintf("%s:session:%s", a.prefix, id)
}

func toLeaderboard(sessionID string, entries []domain.LeaderboardEntry) Leaderboard {
	l := Leaderboard{
		SessionID: sessionID,
		Entries:   make([]LeaderboardEntry, 0, len(entries)),
	}

	for _, entry := range entries {
		l.Entries = append(l.Entries, LeaderboardEntry{
			Username: entry.Username,
			Score:    strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}
	return l
}
