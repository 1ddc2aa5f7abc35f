// Package mode holds the per-game-mode rules a session composes: how a submission is scored,
// when the game is over and which best score the leaderboard shows.
package mode

import (
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/score"
)

const (
	DefaultRounds     = 20
	DefaultTimeBudget = 60 * time.Second
	DefaultLives      = 3
)

type Mode interface {
	Kind() domain.GameMode
	// ScoreSubmission evaluates one answer under the mode's rules.
	ScoreSubmission(s score.Submission) (domain.Evaluation, error)
	// EndCondition reports whether the game in s is over at now.
	EndCondition(s domain.Session, now time.Time) bool
	// View returns the score of p the leaderboard shows for this mode.
	View(p domain.Player) int
}

type Config struct {
	// Rounds is the question budget of single and multiplayer games.
	Rounds int
	// TimeBudget is the wall-clock length of a time attack game.
	TimeBudget time.Duration
	// Lives is the number of wrong answers a survival player may give.
	Lives int
}

func (c Config) withDefaults() Config {
	if c.Rounds <= 0 {
		c.Rounds = DefaultRounds
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = DefaultTimeBudget
	}
	if c.Lives <= 0 {
		c.Lives = DefaultLives
	}
	return c
}

// New returns the rules of kind.
func New(kind domain.GameMode, c Config) (Mode, error) {
	c = c.withDefaults()

	switch kind {
	case domain.GameModeSingleplayer:
		return rounds{kind: kind, budget: c.Rounds, view: func(p domain.Player) int { return p.BestSingleScore }}, nil
	case domain.GameModeMultiplayer:
		return rounds{kind: kind, budget: c.Rounds, view: func(p domain.Player) int { return p.BestMultiScore }}, nil
	case domain.GameModeTimeAttack:
		return timeAttack{budget: c.TimeBudget}, nil
	case domain.GameModeSurvival:
		return survival{lives: c.Lives}, nil
	}

	return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game mode %q", kind))
}

// Default picks the mode of a session type when none was requested.
func Default(t domain.SessionType) domain.GameMode {
	if t == domain.SessionTypeSingleplayer {
		return domain.GameModeSingleplayer
	}
	return domain.GameModeMultiplayer
}

// rounds ends the game once the question budget is used up.
type rounds struct {
	kind   domain.GameMode
	budget int
	view   func(domain.Player) int
}

func (r rounds) Kind() domain.GameMode { return r.kind }

func (rounds) ScoreSubmission(s score.Submission) (domain.Evaluation, error) {
	return score.Evaluate(s)
}

func (r rounds) EndCondition(s domain.Session, _ time.Time) bool {
	return s.QuestionCounter >= r.budget
}

func (r rounds) View(p domain.Player) int { return r.view(p) }

// timeAttack ends the game when the clock started at StartedAt runs out.
type timeAttack struct {
	budget time.Duration
}

func (timeAttack) Kind() domain.GameMode { return domain.GameModeTimeAttack }

func (timeAttack) ScoreSubmission(s score.Submission) (domain.Evaluation, error) {
	return score.Evaluate(s)
}

func (t timeAttack) EndCondition(s domain.Session, now time.Time) bool {
	return !s.StartedAt.IsZero() && now.Sub(s.StartedAt) >= t.budget
}

func (timeAttack) View(p domain.Player) int { return p.BestTimeAttackScore }

// survival ends the game when any player runs out of lives.
type survival struct {
	lives int
}

func (survival) Kind() domain.GameMode { return domain.GameModeSurvival }

func (survival) ScoreSubmission(s score.Submission) (domain.Evaluation, error) {
	return score.Evaluate(s)
}

func (v survival) EndCondition(s domain.Session, _ time.Time) bool {
	for _, n := range s.Mistakes {
		if n >= v.lives {
			return true
		}
	}
	return false
}

func (survival) View(p domain.Player) int { return p.BestSurvivalScore }
