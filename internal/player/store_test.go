package player_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/player"
)

func TestMemory(t *testing.T) {
	testStore(t, func(t *testing.T) player.Store { return player.NewMemory() })
}

func testStore(t *testing.T, makeStore func(t *testing.T) player.Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := makeStore(t)

		p, err := s.Create(ctx, " alice ")
		require.NoError(t, err)
		assert.Equal(t, "alice", p.Username)
		assert.NotEmpty(t, p.ID)

		got, err := s.GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})

	t.Run("duplicate and empty usernames are rejected", func(t *testing.T) {
		s := makeStore(t)

		_, err := s.Create(ctx, "bob")
		require.NoError(t, err)

		_, err = s.Create(ctx, "bob")
		assert.True(t, errors.Is(err, errors.CodeAlreadyExists), err)

		_, err = s.Create(ctx, "  ")
		assert.True(t, errors.Is(err, errors.CodeInvalidArgument), err)
	})

	t.Run("unknown player is not found", func(t *testing.T) {
		s := makeStore(t)

		_, err := s.GetByID(ctx, "0192b7d4-0000-7000-8000-000000000000")
		assert.True(t, errors.Is(err, errors.CodeNotFound), err)

		_, err = s.UpdateCurrentPoints(ctx, "nope", 10, domain.GameModeMultiplayer)
		assert.True(t, errors.Is(err, errors.CodeNotFound), err)
	})

	t.Run("points accumulate and raise only the mode's best score", func(t *testing.T) {
		s := makeStore(t)

		p, err := s.Create(ctx, "carol")
		require.NoError(t, err)

		p, err = s.UpdateCurrentPoints(ctx, p.ID, 60, domain.GameModeMultiplayer)
		require.NoError(t, err)
		p, err = s.UpdateCurrentPoints(ctx, p.ID, 40, domain.GameModeMultiplayer)
		require.NoError(t, err)
		assert.Equal(t, 100, p.CurrentPoints)
		assert.Equal(t, 100, p.BestMultiScore)
		assert.Zero(t, p.BestSingleScore)

		p, err = s.ResetCurrentPoints(ctx, p.ID)
		require.NoError(t, err)
		assert.Zero(t, p.CurrentPoints)

		p, err = s.UpdateCurrentPoints(ctx, p.ID, 30, domain.GameModeMultiplayer)
		require.NoError(t, err)
		assert.Equal(t, 30, p.CurrentPoints)
		assert.Equal(t, 100, p.BestMultiScore, "a lower game must not lower the best score")
	})

	t.Run("unknown mode is rejected", func(t *testing.T) {
		s := makeStore(t)

		p, err := s.Create(ctx, "dave")
		require.NoError(t, err)

		_, err = s.UpdateCurrentPoints(ctx, p.ID, 10, "BATTLE_ROYALE")
		assert.True(t, errors.Is(err, errors.CodeInvalidArgument), err)

		_, err = s.Top(ctx, "BATTLE_ROYALE", 10)
		assert.True(t, errors.Is(err, errors.CodeInvalidArgument), err)
	})

	t.Run("top orders by the mode's best score", func(t *testing.T) {
		s := makeStore(t)

		for name, points := range map[string]int{"erin": 30, "frank": 90, "grace": 60} {
			p, err := s.Create(ctx, name)
			require.NoError(t, err)
			_, err = s.UpdateCurrentPoints(ctx, p.ID, points, domain.GameModeSurvival)
			require.NoError(t, err)
		}

		top, err := s.Top(ctx, domain.GameModeSurvival, 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, "frank", top[0].Username)
		assert.Equal(t, "grace", top[1].Username)
	})
}
