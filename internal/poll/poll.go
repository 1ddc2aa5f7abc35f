// Package poll follows a session from a player's point of view. It samples the session
// status and reads the disconnect and joker logs on fixed intervals, calling hooks when
// something changes, until the session is handed over or disappears.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/eventlog"
	"github.com/victornm/trivia/internal/schedule"
	"github.com/victornm/trivia/internal/telemetry"
)

const (
	DefaultStatusInterval     = 100 * time.Millisecond
	DefaultDisconnectInterval = 2 * time.Second
	DefaultJokerInterval      = 2 * time.Second
	DefaultTimeout            = 2 * time.Second

	loopStatus      = "status"
	loopDisconnects = "disconnects"
	loopJokers      = "jokers"
)

// Reader is the read surface of a session the coordinator polls.
type Reader interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	Disconnects(ctx context.Context, id string, cursor int) ([]eventlog.Entry[domain.Player], error)
	Jokers(ctx context.Context, id string, cursor int) ([]eventlog.Entry[domain.Joker], error)
}

// Writer is what the coordinator needs to vote and leave on behalf of its player.
type Writer interface {
	MarkReady(ctx context.Context, id string) (int, error)
	MarkNotReady(ctx context.Context, id string) (int, error)
	RemovePlayer(ctx context.Context, id, playerID string) (domain.Session, error)
}

type EndReason string

const (
	EndTransferred EndReason = "TRANSFERRED"
	EndRemoved     EndReason = "REMOVED"
	EndLeft        EndReason = "LEFT"
)

// Hooks are called from the polling goroutines. Hooks of one loop are never called concurrently,
// but hooks of different loops may be.
type Hooks struct {
	// OnPaused is called once each time the session enters Paused.
	OnPaused func(s domain.Session)
	// OnPlayAgain is called on every status sample during the play-again vote.
	// allVoted reports whether every current player voted, so the countdown can be shortened.
	OnPlayAgain func(s domain.Session, allVoted bool)
	// OnStatusChanged is called whenever the sampled status differs from the previous sample.
	OnStatusChanged func(from domain.Status, s domain.Session)
	OnDisconnect    func(e eventlog.Entry[domain.Player])
	OnJoker         func(e eventlog.Entry[domain.Joker])
	// OnEnd is called once when the coordinator stops on its own or after Leave.
	OnEnd func(reason EndReason)
}

type Config struct {
	Reader    Reader
	Writer    Writer
	SessionID string
	PlayerID  string
	Hooks     Hooks

	StatusInterval     time.Duration
	DisconnectInterval time.Duration
	JokerInterval      time.Duration
	// Timeout bounds a single poll. A poll that times out is skipped.
	Timeout time.Duration
}

type Coordinator struct {
	c     Config
	sched *schedule.Scheduler

	mu     sync.Mutex
	status domain.Status
	voted  bool

	endOnce sync.Once
}

func New(c Config) *Coordinator {
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.DisconnectInterval <= 0 {
		c.DisconnectInterval = DefaultDisconnectInterval
	}
	if c.JokerInterval <= 0 {
		c.JokerInterval = DefaultJokerInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	return &Coordinator{c: c}
}

// Start runs the three polling loops until the session ends, Stop or Leave is called, or ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	c.sched = schedule.New(ctx)

	c.sched.Every(loopStatus, c.c.StatusInterval, c.pollStatus)
	c.sched.Every(loopDisconnects, c.c.DisconnectInterval, follow(c, loopDisconnects, c.c.Reader.Disconnects, c.c.Hooks.OnDisconnect))
	c.sched.Every(loopJokers, c.c.JokerInterval, follow(c, loopJokers, c.c.Reader.Jokers, c.c.Hooks.OnJoker))
}

// Done is closed once the coordinator stopped polling.
func (c *Coordinator) Done() <-chan struct{} {
	return c.sched.Done()
}

// Stop cancels all loops and waits for them to return. It must not be called from a hook.
func (c *Coordinator) Stop() {
	c.sched.Stop()
}

// Vote signals the player ready for the next round or, during the play-again vote, votes to play again.
func (c *Coordinator) Vote(ctx context.Context) (int, error) {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	n, err := c.c.Writer.MarkReady(ctx, c.c.SessionID)
	if err != nil {
		return 0, err
	}

	// A count back at 0 means this vote closed the barrier, and a status change seen since
	// reset the count, so in both cases there is no vote left to withdraw.
	c.mu.Lock()
	c.voted = n > 0 && c.status == status
	c.mu.Unlock()
	return n, nil
}

// Leave stops polling, withdraws the player's vote and removes the player from the session.
// It must not be called from a hook.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.sched.Stop()
	defer c.end(ctx, EndLeft)

	c.mu.Lock()
	voted := c.voted
	c.voted = false
	c.mu.Unlock()

	if voted {
		if _, err := c.c.Writer.MarkNotReady(ctx, c.c.SessionID); err != nil && !errors.Is(err, errors.CodeNotFound) {
			return err
		}
	}

	if _, err := c.c.Writer.RemovePlayer(ctx, c.c.SessionID, c.c.PlayerID); err != nil && !errors.Is(err, errors.CodeNotFound) {
		return err
	}
	return nil
}

func (c *Coordinator) pollStatus(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.c.Timeout)
	defer cancel()

	s, err := c.c.Reader.GetSession(ctx, c.c.SessionID)
	if errors.Is(err, errors.CodeNotFound) {
		c.end(ctx, EndRemoved)
		return schedule.ErrStop
	}
	if err != nil {
		telemetry.PollErrors.WithLabelValues(loopStatus).Inc()
		return err
	}

	c.mu.Lock()
	prev := c.status
	c.status = s.Status
	if prev != s.Status {
		// Every transition resets the server side ready count.
		c.voted = false
	}
	c.mu.Unlock()

	h := c.c.Hooks
	if prev != s.Status && h.OnStatusChanged != nil {
		h.OnStatusChanged(prev, s)
	}

	switch s.Status {
	case domain.StatusPaused:
		if prev != domain.StatusPaused && h.OnPaused != nil {
			h.OnPaused(s)
		}
	case domain.StatusPlayAgain:
		if h.OnPlayAgain != nil {
			h.OnPlayAgain(s, len(s.Players) > 0 && s.PlayersReady >= len(s.Players))
		}
	case domain.StatusTransferring:
		c.end(ctx, EndTransferred)
		return schedule.ErrStop
	}

	return nil
}

// follow returns a loop reading a log from a cursor only it advances.
func follow[T any](
	c *Coordinator,
	loop string,
	read func(ctx context.Context, id string, cursor int) ([]eventlog.Entry[T], error),
	on func(e eventlog.Entry[T]),
) func(ctx context.Context) error {
	cursor := eventlog.Start

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.c.Timeout)
		defer cancel()

		entries, err := read(ctx, c.c.SessionID, cursor)
		if errors.Is(err, errors.CodeNotFound) {
			c.end(ctx, EndRemoved)
			return schedule.ErrStop
		}
		if err != nil {
			telemetry.PollErrors.WithLabelValues(loop).Inc()
			return err
		}

		for _, e := range entries {
			if on != nil {
				on(e)
			}
		}
		cursor = eventlog.Advance(cursor, entries)
		return nil
	}
}

func (c *Coordinator) end(ctx context.Context, reason EndReason) {
	c.endOnce.Do(func() {
		slog.DebugContext(ctx, "poll: stopped", "session", c.c.SessionID, "player", c.c.PlayerID, "reason", reason)
		c.sched.Close()
		if c.c.Hooks.OnEnd != nil {
			c.c.Hooks.OnEnd(reason)
		}
	})
}
