package session_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/eventlog"
	"github.com/victornm/trivia/internal/session"
)

func (f *fixture) registry(t *testing.T, opts ...func(c *session.Config)) *session.Registry {
	c := session.Config{
		Repository: f.repo,
		Questions:  f.source(),
		Players:    f.players,
		EventBus:   f.bus,
		Now:        func() time.Time { return now },
	}
	for _, opt := range opts {
		opt(&c)
	}

	r := session.NewRegistry(c)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_CreateSession(t *testing.T) {
	tests := map[string]struct {
		req        session.CreateSessionRequest
		wantStatus domain.Status
		wantMode   domain.GameMode
		wantErr    errors.Code
	}{
		"waiting area starts waiting": {
			req:        session.CreateSessionRequest{Type: domain.SessionTypeWaitingArea},
			wantStatus: domain.StatusWaitingArea,
			wantMode:   domain.GameModeMultiplayer,
		},
		"singleplayer starts right away": {
			req:        session.CreateSessionRequest{Type: domain.SessionTypeSingleplayer},
			wantStatus: domain.StatusStarted,
			wantMode:   domain.GameModeSingleplayer,
		},
		"explicit mode is kept": {
			req:        session.CreateSessionRequest{Type: domain.SessionTypeMultiplayer, Mode: domain.GameModeSurvival},
			wantStatus: domain.StatusStarted,
			wantMode:   domain.GameModeSurvival,
		},
		"unknown type is rejected": {
			req:     session.CreateSessionRequest{Type: "TOURNAMENT"},
			wantErr: errors.CodeInvalidArgument,
		},
		"unknown mode is rejected": {
			req:     session.CreateSessionRequest{Type: domain.SessionTypeMultiplayer, Mode: "BATTLE_ROYALE"},
			wantErr: errors.CodeInvalidArgument,
		},
		"unknown player is rejected": {
			req:     session.CreateSessionRequest{Type: domain.SessionTypeMultiplayer, PlayerIDs: []string{"ghost"}},
			wantErr: errors.CodeNotFound,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			r := f.registry(t)

			if tt.wantErr == 0 {
				for _, p := range f.createPlayers(t, 2) {
					tt.req.PlayerIDs = append(tt.req.PlayerIDs, p.ID)
				}
			}

			s, err := r.CreateSession(ctx, tt.req)
			if tt.wantErr != 0 {
				assert.True(t, errors.Is(err, tt.wantErr), err)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, s.ID)
			assert.Equal(t, tt.wantStatus, s.Status)
			assert.Equal(t, tt.wantMode, s.Mode)
			assert.Len(t, s.Players, 2)
			assert.Equal(t, 1, s.DifficultyFactor)

			got, err := r.GetSession(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, s, got)
		})
	}
}

func TestRegistry_LoadsFromRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ps := f.createPlayers(t, 2)

	s, err := f.registry(t).CreateSession(ctx, session.CreateSessionRequest{
		Type:      domain.SessionTypeMultiplayer,
		PlayerIDs: []string{ps[0].ID, ps[1].ID},
	})
	require.NoError(t, err)

	// A second registry over the same repository, as another server instance would be.
	other := f.registry(t)
	e, err := other.Engine(ctx, s.ID)
	require.NoError(t, err)

	n, err := e.MarkReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = other.GetSession(ctx, "missing")
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)
}

func TestRegistry_SharedRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ps := f.createPlayers(t, 2)

	one := f.registry(t)
	two := f.registry(t)

	s, err := one.CreateSession(ctx, session.CreateSessionRequest{
		Type:      domain.SessionTypeMultiplayer,
		PlayerIDs: []string{ps[0].ID, ps[1].ID},
	})
	require.NoError(t, err)

	// Both instances hold the session before either changes it.
	_, err = one.GetSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = two.GetSession(ctx, s.ID)
	require.NoError(t, err)

	n, err := one.MarkReady(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = two.MarkReady(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the second ready closes the barrier on top of the first")

	for name, r := range map[string]*session.Registry{"one": one, "two": two} {
		got, err := r.GetSession(ctx, s.ID)
		require.NoError(t, err, name)
		assert.Equal(t, domain.StatusPaused, got.Status, name)
		assert.Equal(t, 1, got.QuestionCounter, name)
	}
	assert.EqualValues(t, 1, f.generated.Load())

	require.NoError(t, one.RemoveSession(ctx, s.ID))

	_, err = two.MarkReady(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)
	_, err = two.GetSession(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)
	_, err = f.repo.Load(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.CodeNotFound), "a removed session must not be written back: %v", err)
}

// hookedRepository runs hooks before loads and deletes.
type hookedRepository struct {
	session.Repository
	onLoad   func(id string)
	onDelete func(id string)
}

func (r *hookedRepository) Load(ctx context.Context, id string) (domain.Session, error) {
	if r.onLoad != nil {
		r.onLoad(id)
	}
	return r.Repository.Load(ctx, id)
}

func (r *hookedRepository) Delete(ctx context.Context, id string) error {
	if r.onDelete != nil {
		r.onDelete(id)
	}
	return r.Repository.Delete(ctx, id)
}

func TestRegistry_RemovedSessionStaysRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	repo := &hookedRepository{Repository: f.repo}
	r := f.registry(t, func(c *session.Config) { c.Repository = repo })
	ps := f.createPlayers(t, 2)

	s, err := r.CreateSession(ctx, session.CreateSessionRequest{
		Type:      domain.SessionTypeMultiplayer,
		PlayerIDs: []string{ps[0].ID, ps[1].ID},
	})
	require.NoError(t, err)

	// A poll landing while the session is being deleted.
	var during error
	repo.onDelete = func(id string) {
		_, during = r.GetSession(ctx, id)
	}

	require.NoError(t, r.RemoveSession(ctx, s.ID))
	assert.True(t, errors.Is(during, errors.CodeNotFound), during)

	_, err = r.GetSession(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)
	_, err = r.MarkReady(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)
	_, err = f.repo.Load(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)
}

func TestRegistry_SlowLoadDoesNotBlockOtherSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ps := f.createPlayers(t, 1)

	var slow atomic.Value
	loading := make(chan struct{})
	release := make(chan struct{})
	repo := &hookedRepository{Repository: f.repo, onLoad: func(id string) {
		if id == slow.Load() {
			close(loading)
			<-release
		}
	}}

	// The cold session lives only in the repository, as if created by another instance.
	cold, err := f.registry(t).CreateSession(ctx, session.CreateSessionRequest{Type: domain.SessionTypeWaitingArea})
	require.NoError(t, err)
	slow.Store(cold.ID)

	r := f.registry(t, func(c *session.Config) { c.Repository = repo })
	warm, err := r.CreateSession(ctx, session.CreateSessionRequest{Type: domain.SessionTypeMultiplayer, PlayerIDs: []string{ps[0].ID}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Engine(ctx, cold.ID)
		done <- err
	}()
	<-loading

	n, err := r.MarkReady(ctx, warm.ID)
	require.NoError(t, err, "other sessions are served while one is loading")
	assert.Equal(t, 0, n)

	close(release)
	require.NoError(t, <-done)
}

func TestRegistry_JoinAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.registry(t, func(c *session.Config) { c.MaxPlayers = 2 })
	ps := f.createPlayers(t, 3)

	first, err := r.JoinAvailable(ctx, ps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingArea, first.Status)

	second, err := r.JoinAvailable(ctx, ps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "the open waiting area should be reused")
	assert.Len(t, second.Players, 2)

	again, err := r.JoinAvailable(ctx, ps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "joining twice returns the joined session")

	third, err := r.JoinAvailable(ctx, ps[2].ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID, "a full waiting area should not be handed out")

	_, err = r.JoinAvailable(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)

	assert.Len(t, r.ListSessions(ctx), 2)
}

func TestRegistry_LastPlayerLeavingRemovesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.registry(t)
	ps := f.createPlayers(t, 2)

	s, err := r.CreateSession(ctx, session.CreateSessionRequest{
		Type:      domain.SessionTypeMultiplayer,
		PlayerIDs: []string{ps[0].ID, ps[1].ID},
	})
	require.NoError(t, err)

	_, err = r.RemovePlayer(ctx, s.ID, ps[0].ID)
	require.NoError(t, err)
	_, err = r.GetSession(ctx, s.ID)
	require.NoError(t, err)

	left, err := r.RemovePlayer(ctx, s.ID, ps[1].ID)
	require.NoError(t, err)
	assert.Empty(t, left.Players)

	_, err = r.GetSession(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)
	assert.Empty(t, r.ListSessions(ctx))
}

func TestRegistry_RemoveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.registry(t)

	removed := make(chan string, 1)
	f.bus.Subscribe(domain.EventNameSessionRemoved, func(ctx context.Context, e event.Event) error {
		removed <- e.(domain.EventSessionRemoved).SessionID
		return nil
	})

	s, err := r.CreateSession(ctx, session.CreateSessionRequest{Type: domain.SessionTypeWaitingArea})
	require.NoError(t, err)

	e, err := r.Engine(ctx, s.ID)
	require.NoError(t, err)

	require.NoError(t, r.RemoveSession(ctx, s.ID))

	_, err = e.MarkReady(ctx)
	assert.True(t, errors.Is(err, errors.CodeNotFound), "a held engine should stop accepting changes: %v", err)

	err = r.RemoveSession(ctx, s.ID)
	assert.True(t, errors.Is(err, errors.CodeNotFound), err)

	select {
	case id := <-removed:
		assert.Equal(t, s.ID, id)
	case <-time.After(time.Second):
		t.Fatal("session removal should be published")
	}
}

func TestRegistry_TransferredSessionIsRemovedAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.registry(t, func(c *session.Config) {
		c.TransferGrace = 30 * time.Millisecond
		c.MinPlayers = 2
	})
	ps := f.createPlayers(t, 2)

	s, err := r.CreateSession(ctx, session.CreateSessionRequest{
		Type:      domain.SessionTypeMultiplayer,
		PlayerIDs: []string{ps[0].ID, ps[1].ID},
	})
	require.NoError(t, err)

	e, err := r.Engine(ctx, s.ID)
	require.NoError(t, err)

	_, err = e.UpdateStatus(ctx, domain.StatusPlayAgain)
	require.NoError(t, err)
	s, err = e.ResolveVote(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StatusTransferring, s.Status)

	got, err := r.GetSession(ctx, s.ID)
	require.NoError(t, err, "pollers should still see the final status")
	assert.Equal(t, domain.StatusTransferring, got.Status)

	require.Eventually(t, func() bool {
		_, err := r.GetSession(ctx, s.ID)
		return errors.Is(err, errors.CodeNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_RedisLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})

	r := f.registry(t, func(c *session.Config) {
		c.NewDisconnectLog = func(id string) eventlog.Log[domain.Player] {
			return eventlog.NewRedis[domain.Player](rc, "trivia:"+id+":disconnects")
		}
	})
	ps := f.createPlayers(t, 2)

	s, err := r.CreateSession(ctx, session.CreateSessionRequest{
		Type:      domain.SessionTypeMultiplayer,
		PlayerIDs: []string{ps[0].ID, ps[1].ID},
	})
	require.NoError(t, err)

	_, err = r.RemovePlayer(ctx, s.ID, ps[0].ID)
	require.NoError(t, err)

	entries, err := r.Disconnects(ctx, s.ID, eventlog.Start)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ps[0].ID, entries[0].Payload.ID)
	assert.True(t, mr.Exists("trivia:"+s.ID+":disconnects"))

	require.NoError(t, r.RemoveSession(ctx, s.ID))
	assert.False(t, mr.Exists("trivia:"+s.ID+":disconnects"), "the log should be dropped with its session")
}
