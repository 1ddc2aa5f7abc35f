package poll_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/eventlog"
	"github.com/victornm/trivia/internal/player"
	"github.com/victornm/trivia/internal/poll"
	"github.com/victornm/trivia/internal/question"
	"github.com/victornm/trivia/internal/session"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu          sync.Mutex
	paused      int
	playAgain   []bool
	disconnects []string
	jokers      []domain.JokerKind
	ended       []poll.EndReason
}

func (r *recorder) hooks() poll.Hooks {
	return poll.Hooks{
		OnPaused: func(domain.Session) {
			r.mu.Lock()
			r.paused++
			r.mu.Unlock()
		},
		OnPlayAgain: func(_ domain.Session, allVoted bool) {
			r.mu.Lock()
			r.playAgain = append(r.playAgain, allVoted)
			r.mu.Unlock()
		},
		OnDisconnect: func(e eventlog.Entry[domain.Player]) {
			r.mu.Lock()
			r.disconnects = append(r.disconnects, e.Payload.ID)
			r.mu.Unlock()
		},
		OnJoker: func(e eventlog.Entry[domain.Joker]) {
			r.mu.Lock()
			r.jokers = append(r.jokers, e.Payload.Kind)
			r.mu.Unlock()
		},
		OnEnd: func(reason poll.EndReason) {
			r.mu.Lock()
			r.ended = append(r.ended, reason)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		paused:      r.paused,
		playAgain:   append([]bool(nil), r.playAgain...),
		disconnects: append([]string(nil), r.disconnects...),
		jokers:      append([]domain.JokerKind(nil), r.jokers...),
		ended:       append([]poll.EndReason(nil), r.ended...),
	}
}

type fixture struct {
	registry *session.Registry
	players  []domain.Player
	session  domain.Session
}

func newFixture(t *testing.T, n int) *fixture {
	ctx := context.Background()

	qs, err := question.NewGenerator(question.WithSeed(7))
	require.NoError(t, err)

	ps := player.NewMemory()
	r := session.NewRegistry(session.Config{
		Repository:    session.NewMemoryRepository(),
		Questions:     qs,
		Players:       ps,
		EventBus:      event.NewBus(),
		MinPlayers:    2,
		TransferGrace: time.Minute,
	})
	t.Cleanup(r.Close)

	f := &fixture{registry: r}
	var ids []string
	for _, name := range []string{"ana", "bao", "chi", "dung"}[:n] {
		p, err := ps.Create(ctx, name)
		require.NoError(t, err)
		f.players = append(f.players, p)
		ids = append(ids, p.ID)
	}

	f.session, err = r.CreateSession(ctx, session.CreateSessionRequest{
		Type:      domain.SessionTypeMultiplayer,
		PlayerIDs: ids,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) coordinator(t *testing.T, playerID string, rec *recorder) *poll.Coordinator {
	c := poll.New(poll.Config{
		Reader:             f.registry,
		Writer:             f.registry,
		SessionID:          f.session.ID,
		PlayerID:           playerID,
		Hooks:              rec.hooks(),
		StatusInterval:     tick,
		DisconnectInterval: tick,
		JokerInterval:      tick,
	})
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func TestCoordinator_PausedIsEdgeTriggered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rec := &recorder{}
	c := f.coordinator(t, f.players[0].ID, rec)

	e, err := f.registry.Engine(ctx, f.session.ID)
	require.NoError(t, err)

	_, err = c.Vote(ctx)
	require.NoError(t, err)
	_, err = e.MarkReady(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.snapshot().paused == 1 }, waitFor, tick)

	// Several more samples of the same Paused status must not fire the hook again.
	time.Sleep(10 * tick)
	assert.Equal(t, 1, rec.snapshot().paused)

	_, err = e.Resume(ctx)
	require.NoError(t, err)
	time.Sleep(5 * tick)

	_, err = c.Vote(ctx)
	require.NoError(t, err)
	_, err = e.MarkReady(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.snapshot().paused == 2 }, waitFor, tick)
}

func TestCoordinator_PlayAgainAndTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rec := &recorder{}
	c := f.coordinator(t, f.players[0].ID, rec)

	e, err := f.registry.Engine(ctx, f.session.ID)
	require.NoError(t, err)

	_, err = e.UpdateStatus(ctx, domain.StatusPlayAgain)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot().playAgain) > 0 }, waitFor, tick)
	assert.False(t, rec.snapshot().playAgain[0], "nobody voted yet")

	_, err = c.Vote(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pa := rec.snapshot().playAgain
		return len(pa) > 0 && !pa[len(pa)-1]
	}, waitFor, tick, "one of two votes is not everyone")

	_, err = e.ResolveVote(ctx)
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("coordinator should stop once the session transfers")
	}
	require.Eventually(t, func() bool { return len(rec.snapshot().ended) == 1 }, waitFor, tick)
	assert.Equal(t, []poll.EndReason{poll.EndTransferred}, rec.snapshot().ended)
}

func TestCoordinator_FollowsLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	rec := &recorder{}
	f.coordinator(t, f.players[0].ID, rec)

	e, err := f.registry.Engine(ctx, f.session.ID)
	require.NoError(t, err)

	_, err = e.UseJoker(ctx, f.players[1].ID, domain.JokerDoublePoints)
	require.NoError(t, err)
	_, err = f.registry.RemovePlayer(ctx, f.session.ID, f.players[2].ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got.disconnects) == 1 && len(got.jokers) == 1
	}, waitFor, tick)

	_, err = e.UseJoker(ctx, f.players[1].ID, domain.JokerIncreaseTime)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.snapshot().jokers) == 2 }, waitFor, tick)

	// Entries are delivered once each, in log order.
	time.Sleep(10 * tick)
	got := rec.snapshot()
	assert.Equal(t, []string{f.players[2].ID}, got.disconnects)
	assert.Equal(t, []domain.JokerKind{domain.JokerDoublePoints, domain.JokerIncreaseTime}, got.jokers)
}

func TestCoordinator_Leave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rec := &recorder{}
	c := f.coordinator(t, f.players[0].ID, rec)

	e, err := f.registry.Engine(ctx, f.session.ID)
	require.NoError(t, err)

	_, err = e.UpdateStatus(ctx, domain.StatusPlayAgain)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot().playAgain) > 0 }, waitFor, tick)

	_, err = c.Vote(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Leave(ctx))

	s, err := f.registry.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, s.PlayersReady, "the vote should be withdrawn before leaving")
	assert.Len(t, s.Players, 1)
	assert.Equal(t, []poll.EndReason{poll.EndLeft}, rec.snapshot().ended)

	select {
	case <-c.Done():
	default:
		t.Fatal("leaving should stop the coordinator")
	}
}

func TestCoordinator_LeaveAfterClosingBarrier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	sampled := make(chan domain.Status, 1)
	c := poll.New(poll.Config{
		Reader:    f.registry,
		Writer:    f.registry,
		SessionID: f.session.ID,
		PlayerID:  f.players[0].ID,
		Hooks: poll.Hooks{
			OnStatusChanged: func(_ domain.Status, s domain.Session) { sampled <- s.Status },
		},
		// Only the first sample is taken, so the coordinator does not see the barrier close.
		StatusInterval:     time.Hour,
		DisconnectInterval: time.Hour,
		JokerInterval:      time.Hour,
	})
	c.Start(ctx)
	t.Cleanup(c.Stop)
	require.Equal(t, domain.StatusStarted, <-sampled)

	_, err := f.registry.MarkReady(ctx, f.session.ID)
	require.NoError(t, err)

	n, err := c.Vote(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "this vote closes the barrier")

	// The other player signals ready for the next round.
	_, err = f.registry.MarkReady(ctx, f.session.ID)
	require.NoError(t, err)

	require.NoError(t, c.Leave(ctx))

	s, err := f.registry.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, s.Status)
	assert.Len(t, s.Players, 1)
	assert.Equal(t, 1, s.PlayersReady, "leaving must not withdraw the other player's ready")
}

func TestCoordinator_SessionRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	rec := &recorder{}
	c := f.coordinator(t, f.players[0].ID, rec)

	require.NoError(t, f.registry.RemoveSession(ctx, f.session.ID))

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("coordinator should stop once the session is gone")
	}
	require.Eventually(t, func() bool { return len(rec.snapshot().ended) == 1 }, waitFor, tick)
	assert.Equal(t, poll.EndRemoved, rec.snapshot().ended[0])
}

// flaky fails every other read with a transient error.
type flaky struct {
	poll.Reader
	calls atomic.Int32
}

func (f *flaky) GetSession(ctx context.Context, id string) (domain.Session, error) {
	if f.calls.Add(1)%2 == 1 {
		return domain.Session{}, errors.Unavailable(stderrors.New("connection reset"), "get session")
	}
	return f.Reader.GetSession(ctx, id)
}

func TestCoordinator_TransientErrorsSkipCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rec := &recorder{}
	reader := &flaky{Reader: f.registry}

	c := poll.New(poll.Config{
		Reader:             reader,
		Writer:             f.registry,
		SessionID:          f.session.ID,
		PlayerID:           f.players[0].ID,
		Hooks:              rec.hooks(),
		StatusInterval:     tick,
		DisconnectInterval: tick,
		JokerInterval:      tick,
	})
	c.Start(ctx)
	t.Cleanup(c.Stop)

	for range f.players {
		_, err := f.registry.MarkReady(ctx, f.session.ID)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.snapshot().paused == 1 }, waitFor, tick)
	assert.Greater(t, reader.calls.Load(), int32(2))
	assert.Empty(t, rec.snapshot().ended, "transient errors should not end polling")
}
