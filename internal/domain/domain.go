package domain

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a game session.
type Status string

const (
	StatusWaitingArea  Status = "WAITING_AREA"
	StatusStarted      Status = "STARTED"
	StatusOngoing      Status = "ONGOING"
	StatusPaused       Status = "PAUSED"
	StatusPlayAgain    Status = "PLAY_AGAIN"
	StatusTransferring Status = "TRANSFERRING"
)

var statuses = []Status{
	StatusWaitingArea,
	StatusStarted,
	StatusOngoing,
	StatusPaused,
	StatusPlayAgain,
	StatusTransferring,
}

// ParseStatus accepts only the canonical status names.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, slices.Contains(statuses, st)
}

// Terminal reports whether no transition is allowed out of the status.
func (s Status) Terminal() bool { return s == StatusTransferring }

// Midgame reports whether a ready signal counts towards the round barrier.
func (s Status) Midgame() bool { return s == StatusStarted || s == StatusOngoing }

type SessionType string

const (
	SessionTypeWaitingArea  SessionType = "WAITING_AREA"
	SessionTypeMultiplayer  SessionType = "MULTIPLAYER"
	SessionTypeSingleplayer SessionType = "SINGLEPLAYER"
)

// GameMode selects the scoring, end condition and leaderboard column of a session.
type GameMode string

const (
	GameModeSingleplayer GameMode = "SINGLEPLAYER"
	GameModeMultiplayer  GameMode = "MULTIPLAYER"
	GameModeTimeAttack   GameMode = "TIME_ATTACK"
	GameModeSurvival     GameMode = "SURVIVAL"
)

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeComparison     QuestionType = "COMPARISON"
	QuestionTypeEquivalence    QuestionType = "EQUIVALENCE"
	QuestionTypeRangeGuess     QuestionType = "RANGE_GUESS"
)

// Choice reports whether answers to the question type are option selections.
func (t QuestionType) Choice() bool {
	switch t {
	case QuestionTypeMultipleChoice, QuestionTypeComparison, QuestionTypeEquivalence:
		return true
	}
	return false
}

// Activity is an everyday activity with its energy consumption in Wh.
type Activity struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Consumption int    `json:"consumption"`
	Source      string `json:"source,omitempty"`
}

// Question is one round's question. The answer key is kept apart from it, in Session.ExpectedAnswers.
type Question struct {
	Type       QuestionType `json:"type"`
	Prompt     string       `json:"prompt"`
	Options    []string     `json:"options,omitempty"`
	Activities []Activity   `json:"activities,omitempty"`
}

// Answer is a player's submission. Choice questions use Selections, range guesses use the raw Estimate text.
type Answer struct {
	Type       QuestionType `json:"type"`
	Selections []int        `json:"selections,omitempty"`
	Estimate   string       `json:"estimate,omitempty"`
}

type Player struct {
	ID                  string `json:"id"`
	Username            string `json:"username"`
	CurrentPoints       int    `json:"current_points"`
	BestSingleScore     int    `json:"best_single_score"`
	BestMultiScore      int    `json:"best_multi_score"`
	BestTimeAttackScore int    `json:"best_time_attack_score"`
	BestSurvivalScore   int    `json:"best_survival_score"`
}

// Evaluation is the result of scoring one answer.
type Evaluation struct {
	Correct         int          `json:"correct"`
	Type            QuestionType `json:"type"`
	ExpectedAnswers []int        `json:"expected_answers"`
	Points          int          `json:"points"`
	TotalPoints     int          `json:"total_points"`
}

type JokerKind string

const (
	JokerIncreaseTime JokerKind = "INCREASE_TIME"
	JokerDecreaseTime JokerKind = "DECREASE_TIME"
	JokerDoublePoints JokerKind = "DOUBLE_POINTS"
)

// Joker records a power-up used by a player.
type Joker struct {
	PlayerID string    `json:"player_id"`
	Username string    `json:"username"`
	Kind     JokerKind `json:"kind"`
}

// Session is a shared game instance joined by a set of players.
type Session struct {
	ID               string      `json:"id"`
	Type             SessionType `json:"type"`
	Mode             GameMode    `json:"mode"`
	Status           Status      `json:"status"`
	Players          []Player    `json:"players"`
	CurrentQuestion  *Question   `json:"current_question,omitempty"`
	ExpectedAnswers  []int       `json:"expected_answers,omitempty"`
	QuestionCounter  int         `json:"question_counter"`
	DifficultyFactor int         `json:"difficulty_factor"`
	PlayersReady     int         `json:"players_ready"`
	TimeJokers       int         `json:"time_jokers"`

	// Answered maps a player to the last round they submitted an answer for.
	Answered map[string]int `json:"answered,omitempty"`
	// Mistakes counts wrong answers per player in the current game.
	Mistakes map[string]int `json:"mistakes,omitempty"`
	// UsedJokers lists the jokers a player has spent in the current game.
	UsedJokers map[string][]JokerKind `json:"used_jokers,omitempty"`
	// DoublePoints maps a player to the round in which their points are doubled.
	DoublePoints map[string]int `json:"double_points,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version counts the saves of the session. A save must carry the version it was based on.
	Version int64 `json:"version"`
}

// PlayerIndex returns the position of the player in join order, or -1.
func (s *Session) PlayerIndex(id string) int {
	return slices.IndexFunc(s.Players, func(p Player) bool { return p.ID == id })
}

// Clone returns a deep copy, so the copy can be mutated without affecting readers of s.
func (s *Session) Clone() Session {
	c := *s
	c.Players = slices.Clone(s.Players)
	c.ExpectedAnswers = slices.Clone(s.ExpectedAnswers)
	if s.CurrentQuestion != nil {
		q := *s.CurrentQuestion
		q.Options = slices.Clone(q.Options)
		q.Activities = slices.Clone(q.Activities)
		c.CurrentQuestion = &q
	}
	c.Answered = cloneMap(s.Answered)
	c.Mistakes = cloneMap(s.Mistakes)
	c.DoublePoints = cloneMap(s.DoublePoints)
	if s.UsedJokers != nil {
		c.UsedJokers = make(map[string][]JokerKind, len(s.UsedJokers))
		for k, v := range s.UsedJokers {
			c.UsedJokers[k] = slices.Clone(v)
		}
	}
	return c
}

func cloneMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Score represents a player's running total within a session.
type Score struct {
	SessionID  string
	PlayerID   string
	Username   string
	TotalScore int
	UpdateTime time.Time
}

// Leaderboard represents the players of a session and their scores.
// The list is sorted by score in descending order.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	Username string
	Score    float64
}
