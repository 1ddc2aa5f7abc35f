//go:build integration_test

package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/trivia/internal/api"
	"github.com/victornm/trivia/internal/domain"
)

const (
	addr   = "http://localhost:8080"
	rounds = 3
)

func TestTrivia(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		c  = api.NewClient(addr, nil)
		wg = new(sync.WaitGroup)
	)

	// Usernames are unique across runs against the same database.
	run := uuid.NewString()[:8]
	var players []domain.Player
	for _, name := range []string{"u1", "u2", "u3"} {
		p, err := c.CreatePlayer(ctx, name+"-"+run)
		require.NoError(t, err)
		players = append(players, p)
	}

	// Prepare Redis subscriber
	subscribeAsUser(t, makeRedis(t), wg, players[0].Username)

	var session string
	{
		ids := make([]string, 0, len(players))
		for _, p := range players {
			ids = append(ids, p.ID)
		}

		s, err := c.CreateSession(ctx, api.CreateSessionRequest{
			Type:      domain.SessionTypeMultiplayer,
			PlayerIDs: ids,
		})
		require.NoError(t, err)
		session = s.ID
	}

	for round := 1; round <= rounds; round++ {
		// Every player signals ready, the last one closes the barrier.
		for _, p := range players {
			n, err := c.MarkReady(ctx, session)
			require.NoError(t, err)
			t.Logf("User %q ready: players_ready=%d", p.Username, n)
		}

		q, err := c.GetQuestion(ctx, session)
		require.NoError(t, err)
		require.Equal(t, round, q.QuestionCounter)
		t.Logf("Starting round %d: %s", round, q.Question.Prompt)

		_, err = c.Resume(ctx, session)
		require.NoError(t, err)

		var eg errgroup.Group
		for i, p := range players {
			eg.Go(func() error {
				resp, err := c.SubmitAnswer(ctx, session, api.SubmitAnswerRequest{
					PlayerID:   p.ID,
					Answer:     answer(q.Question, i),
					TimeFactor: 1 - float64(i)/float64(len(players)),
				})
				if err != nil {
					return fmt.Errorf("user %q submit answer: %w", p.Username, err)
				}

				t.Logf("User %q submitted answer: points=%d, total_points=%d", p.Username, resp.Points, resp.TotalPoints)
				return nil
			})
		}

		err = eg.Wait()
		require.NoError(t, err)

		time.Sleep(time.Second)
	}

	l, err := c.GetLeaderboard(ctx, session)
	require.NoError(t, err)
	t.Logf("final leaderboard:\n%s", formatLeaderboard(l))

	for _, p := range players {
		_, err := c.RemovePlayer(ctx, session, p.ID)
		require.NoError(t, err)
	}

	wg.Wait()
}

// answer picks a different option per player so the leaderboard has some spread.
func answer(q domain.Question, i int) domain.Answer {
	if q.Type == domain.QuestionTypeRangeGuess {
		return domain.Answer{Type: q.Type, Estimate: fmt.Sprint(100 * (i + 1))}
	}
	return domain.Answer{Type: q.Type, Selections: []int{i % len(q.Options)}}
}

func subscribeAsUser(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, u string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("local:pubsub:user:%s", u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardUpdated:
				var l api.Leaderboard
				if err := json.Unmarshal(n.Data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("%s leaderboard:\n%s", u, formatLeaderboard(l))
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, pattern string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	sub := rc.PSubscribe(ctx, pattern)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l api.Leaderboard) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("%s: %s\n", e.Username, e.Score)
	}
	return s
}
