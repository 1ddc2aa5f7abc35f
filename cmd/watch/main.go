// Command watch joins a trivia session as one player and follows it from the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/victornm/trivia/internal/api"
	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/eventlog"
	"github.com/victornm/trivia/internal/poll"
)

func main() {
	var (
		addr      string
		username  string
		playerID  string
		sessionID string
		auto      bool
	)

	flag.StringVar(&addr, "addr", "http://localhost:8080", "session API address")
	flag.StringVar(&username, "username", "", "create a player with this name")
	flag.StringVar(&playerID, "player", "", "existing player id, instead of -username")
	flag.StringVar(&sessionID, "session", "", "session to follow (default: join an available one)")
	flag.BoolVar(&auto, "auto", false, "signal ready once per round and vote to play again")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, api.NewClient(addr, nil), username, playerID, sessionID, auto); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *api.Client, username, playerID, sessionID string, auto bool) error {
	if playerID == "" {
		if username == "" {
			return fmt.Errorf("one of -player or -username is required")
		}
		p, err := c.CreatePlayer(ctx, username)
		if err != nil {
			return fmt.Errorf("create player: %w", err)
		}
		playerID = p.ID
	}

	if sessionID == "" {
		s, err := c.JoinAvailable(ctx, playerID)
		if err != nil {
			return fmt.Errorf("join: %w", err)
		}
		sessionID = s.ID
	}
	slog.InfoContext(ctx, "watch: following session", "session", sessionID, "player", playerID)

	votes := make(chan struct{}, 1)
	ended := make(chan poll.EndReason, 1)

	co := poll.New(poll.Config{
		Reader:    c,
		Writer:    c,
		SessionID: sessionID,
		PlayerID:  playerID,
		Hooks: poll.Hooks{
			OnStatusChanged: func(from domain.Status, s domain.Session) {
				slog.InfoContext(ctx, "watch: status", "from", from, "to", s.Status, "round", s.QuestionCounter, "players", len(s.Players))
				if auto && (s.Status.Midgame() || s.Status == domain.StatusPlayAgain) {
					select {
					case votes <- struct{}{}:
					default:
					}
				}
			},
			OnPaused: func(s domain.Session) {
				if s.CurrentQuestion != nil {
					slog.InfoContext(ctx, "watch: next question", "type", s.CurrentQuestion.Type, "prompt", s.CurrentQuestion.Prompt)
				}
			},
			OnPlayAgain: func(s domain.Session, allVoted bool) {
				if allVoted {
					slog.InfoContext(ctx, "watch: everyone voted to play again")
				}
			},
			OnDisconnect: func(e eventlog.Entry[domain.Player]) {
				slog.InfoContext(ctx, "watch: player left", "username", e.Payload.Username, "at", e.Timestamp.Format(time.TimeOnly))
			},
			OnJoker: func(e eventlog.Entry[domain.Joker]) {
				slog.InfoContext(ctx, "watch: joker used", "username", e.Payload.Username, "kind", e.Payload.Kind)
			},
			OnEnd: func(r poll.EndReason) { ended <- r },
		},
	})
	co.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-votes:
			if _, err := co.Vote(ctx); err != nil {
				slog.WarnContext(ctx, "watch: vote failed", "error", err)
			}
		case r := <-ended:
			slog.InfoContext(ctx, "watch: session ended", "reason", r)
			co.Stop()
			return nil
		case <-sig:
			return co.Leave(ctx)
		}
	}
}
