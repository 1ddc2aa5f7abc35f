package session

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/eventlog"
	"github.com/victornm/trivia/internal/mode"
	"github.com/victornm/trivia/internal/player"
	"github.com/victornm/trivia/internal/question"
	"github.com/victornm/trivia/internal/schedule"
	"github.com/victornm/trivia/internal/score"
	"github.com/victornm/trivia/internal/telemetry"
)

const (
	DefaultVoteWindow      = 15 * time.Second
	DefaultGenerateTimeout = 5 * time.Second
	DefaultMinPlayers      = 1

	// saveAttempts bounds how often a mutation is redone on top of a state another instance committed first.
	saveAttempts = 5
)

// transitions lists the status changes UpdateStatus accepts. Paused is only entered by closing the barrier.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusWaitingArea: {domain.StatusStarted},
	domain.StatusStarted:     {domain.StatusOngoing, domain.StatusPlayAgain},
	domain.StatusOngoing:     {domain.StatusPlayAgain},
	domain.StatusPaused:      {domain.StatusOngoing, domain.StatusPlayAgain},
	domain.StatusPlayAgain:   {domain.StatusStarted, domain.StatusTransferring},
}

type EngineConfig struct {
	Repository  Repository
	Questions   question.Source
	Players     player.Store
	EventBus    *event.Bus
	Scheduler   *schedule.Scheduler
	Mode        mode.Mode
	Disconnects eventlog.Log[domain.Player]
	Jokers      eventlog.Log[domain.Joker]

	// MinPlayers is the number of play-again votes needed to restart a game.
	MinPlayers      int
	VoteWindow      time.Duration
	GenerateTimeout time.Duration
	Now             func() time.Time
}

// Engine owns one session. Mutations are serialized by wmu and work on a copy of the state,
// which is persisted and then swapped in under mu. Readers only take mu, so they always see
// a committed state and never wait for a question to be generated.
type Engine struct {
	id string

	repo        Repository
	questions   question.Source
	players     player.Store
	eb          *event.Bus
	sched       *schedule.Scheduler
	mode        mode.Mode
	disconnects eventlog.Log[domain.Player]
	jokers      eventlog.Log[domain.Joker]

	minPlayers      int
	voteWindow      time.Duration
	generateTimeout time.Duration
	now             func() time.Time

	wmu sync.Mutex

	mu     sync.RWMutex
	state  domain.Session
	closed bool
}

func NewEngine(c EngineConfig, s domain.Session) *Engine {
	e := &Engine{
		id:              s.ID,
		repo:            c.Repository,
		questions:       c.Questions,
		players:         c.Players,
		eb:              c.EventBus,
		sched:           c.Scheduler,
		mode:            c.Mode,
		disconnects:     c.Disconnects,
		jokers:          c.Jokers,
		minPlayers:      c.MinPlayers,
		voteWindow:      c.VoteWindow,
		generateTimeout: c.GenerateTimeout,
		now:             c.Now,
		state:           s.Clone(),
	}

	if e.minPlayers <= 0 {
		e.minPlayers = DefaultMinPlayers
	}
	if e.voteWindow <= 0 {
		e.voteWindow = DefaultVoteWindow
	}
	if e.generateTimeout <= 0 {
		e.generateTimeout = DefaultGenerateTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.disconnects == nil {
		e.disconnects = eventlog.NewMemory[domain.Player]()
	}
	if e.jokers == nil {
		e.jokers = eventlog.NewMemory[domain.Joker]()
	}
	if e.sched == nil {
		e.sched = schedule.New(context.Background())
	}

	return e
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) Mode() mode.Mode { return e.mode }

// Snapshot returns a copy of the last committed state, including changes committed by other
// instances sharing the repository.
func (e *Engine) Snapshot(ctx context.Context) (domain.Session, error) {
	if err := e.check(); err != nil {
		return domain.Session{}, err
	}
	return e.reload(ctx)
}

// Start begins the first game of a session waiting for players.
func (e *Engine) Start(ctx context.Context) (domain.Session, error) {
	return e.mutate(ctx, func(_ context.Context, s *domain.Session) error {
		if s.Status != domain.StatusWaitingArea {
			return errors.InvalidTransition("cannot start a session in status %s", s.Status)
		}
		if len(s.Players) == 0 {
			return errors.InvalidTransition("cannot start a session without players")
		}
		e.restart(s)
		return nil
	})
}

// MarkReady counts a ready signal and returns the new ready count. Mid-game, the signal that
// makes every player ready closes the barrier: the next round is prepared, the count goes
// back to 0 and the session pauses. Anywhere else the count is only capped at the number of players.
func (e *Engine) MarkReady(ctx context.Context) (int, error) {
	s, err := e.mutate(ctx, func(ctx context.Context, s *domain.Session) error {
		n := len(s.Players)
		s.PlayersReady = min(s.PlayersReady+1, n)
		if s.Status.Midgame() && n > 0 && s.PlayersReady == n {
			return e.closeBarrier(ctx, s)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.PlayersReady, nil
}

// MarkNotReady withdraws a ready signal, never going below 0.
func (e *Engine) MarkNotReady(ctx context.Context) (int, error) {
	s, err := e.mutate(ctx, func(_ context.Context, s *domain.Session) error {
		s.PlayersReady = max(s.PlayersReady-1, 0)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.PlayersReady, nil
}

// Resume continues a paused session with the prepared round, or moves it to the play-again
// vote when the game mode says the game is over.
func (e *Engine) Resume(ctx context.Context) (domain.Session, error) {
	return e.mutate(ctx, func(_ context.Context, s *domain.Session) error {
		if s.Status != domain.StatusPaused {
			return errors.InvalidTransition("cannot resume a session in status %s", s.Status)
		}

		if e.mode.EndCondition(*s, e.now()) {
			e.enterPlayAgain(s)
			return nil
		}

		s.Status = domain.StatusOngoing
		return nil
	})
}

// UpdateStatus applies an externally triggered transition. Setting the current status again is a no-op.
func (e *Engine) UpdateStatus(ctx context.Context, to domain.Status) (domain.Session, error) {
	return e.mutate(ctx, func(_ context.Context, s *domain.Session) error {
		if s.Status == to {
			return nil
		}
		if !slices.Contains(transitions[s.Status], to) {
			return errors.InvalidTransition("cannot change status from %s to %s", s.Status, to)
		}

		switch {
		case to == domain.StatusStarted:
			e.restart(s)
		case to == domain.StatusPlayAgain:
			e.enterPlayAgain(s)
		case s.Status == domain.StatusPaused && e.mode.EndCondition(*s, e.now()):
			e.enterPlayAgain(s)
		default:
			s.Status = to
		}
		return nil
	})
}

// ResolveVote ends the play-again vote: enough votes start a fresh game under the same
// session, otherwise the session is handed over and stops accepting changes.
func (e *Engine) ResolveVote(ctx context.Context) (domain.Session, error) {
	return e.mutate(ctx, func(_ context.Context, s *domain.Session) error {
		if s.Status != domain.StatusPlayAgain {
			return errors.InvalidTransition("no vote in progress, status %s", s.Status)
		}

		need := max(1, min(e.minPlayers, len(s.Players)))
		if len(s.Players) > 0 && s.PlayersReady >= need {
			e.restart(s)
			return nil
		}

		s.Status = domain.StatusTransferring
		s.PlayersReady = 0
		return nil
	})
}

// AddPlayer appends a known player to the session. Joining a game in progress starts from zero points.
func (e *Engine) AddPlayer(ctx context.Context, playerID string) (domain.Session, error) {
	p, err := e.players.GetByID(ctx, playerID)
	if err != nil {
		return domain.Session{}, err
	}

	s, err := e.mutate(ctx, func(_ context.Context, s *domain.Session) error {
		if s.PlayerIndex(p.ID) >= 0 {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("player %s already joined session %s", p.ID, s.ID))
		}

		// Points of an earlier game must not leak into the running one.
		if s.Status != domain.StatusWaitingArea {
			p.CurrentPoints = 0
		}
		s.Players = append(s.Players, p)
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}

	if s.Status != domain.StatusWaitingArea {
		resetPoints(ctx, e.players, s.ID, p)
	}
	return s, nil
}

// RemovePlayer drops a player and records it in the disconnect log. The ready count is clamped
// to the remaining players and, mid-game, the barrier closes if everyone left is ready.
// A player who had signaled ready should withdraw it first.
func (e *Engine) RemovePlayer(ctx context.Context, playerID string) (domain.Session, error) {
	var removed domain.Player

	s, err := e.mutate(ctx, func(ctx context.Context, s *domain.Session) error {
		i := s.PlayerIndex(playerID)
		if i < 0 {
			return errors.NotFound("player %s not in session %s", playerID, s.ID)
		}

		removed = s.Players[i]
		s.Players = slices.Delete(s.Players, i, i+1)
		delete(s.Answered, playerID)
		delete(s.DoublePoints, playerID)

		n := len(s.Players)
		s.PlayersReady = min(s.PlayersReady, n)
		if s.Status.Midgame() && n > 0 && s.PlayersReady == n {
			return e.closeBarrier(ctx, s)
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}

	if _, err := e.disconnects.Append(ctx, removed); err != nil {
		slog.ErrorContext(ctx, "session: append disconnect failed", "session", e.id, "player", removed.ID, "error", err)
	}
	e.publish(ctx, domain.EventPlayerRemoved{SessionID: e.id, Player: removed})

	return s, nil
}

type SubmitAnswerRequest struct {
	PlayerID string
	Answer   domain.Answer
	// TimeFactor is the fraction of the round's time left when the answer was given.
	TimeFactor float64
	// Forced marks a submission made by the round timer rather than the player.
	Forced bool
}

// SubmitAnswer scores the player's answer to the current question and adds the points to the player's total.
// Each player gets one submission per round. The player store is credited once the submission is committed.
func (e *Engine) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (domain.Evaluation, error) {
	var (
		ev domain.Evaluation
		p  domain.Player
	)

	s, err := e.mutate(ctx, func(_ context.Context, s *domain.Session) error {
		if !s.Status.Midgame() || s.CurrentQuestion == nil {
			return errors.InvalidTransition("no question to answer, status %s", s.Status)
		}

		i := s.PlayerIndex(req.PlayerID)
		if i < 0 {
			return errors.NotFound("player %s not in session %s", req.PlayerID, s.ID)
		}
		if round, ok := s.Answered[req.PlayerID]; ok && round == s.QuestionCounter {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("player %s already answered round %d", req.PlayerID, round))
		}

		q := s.CurrentQuestion
		answer := req.Answer
		if answer.Type == "" {
			answer.Type = q.Type
		}
		if answer.Type != q.Type {
			return errors.MalformedAnswer("answer of type %s to a %s question", answer.Type, q.Type)
		}

		var err error
		ev, err = e.mode.ScoreSubmission(score.Submission{
			Answer:     answer,
			Type:       q.Type,
			Expected:   s.ExpectedAnswers,
			TimeFactor: req.TimeFactor,
			Difficulty: s.DifficultyFactor,
			Forced:     req.Forced,
		})
		if err != nil {
			return err
		}

		if round, ok := s.DoublePoints[req.PlayerID]; ok && round == s.QuestionCounter {
			ev.Points *= 2
		}
		if ev.Correct == 0 {
			s.Mistakes = setDefault(s.Mistakes)
			s.Mistakes[req.PlayerID]++
		}
		s.Answered = setDefault(s.Answered)
		s.Answered[req.PlayerID] = s.QuestionCounter

		s.Players[i].CurrentPoints += ev.Points
		p = s.Players[i]
		ev.TotalPoints = p.CurrentPoints
		return nil
	})
	if err != nil {
		return domain.Evaluation{}, err
	}

	// The answer is on record, so a failure here must not make the client submit it again.
	if _, err := e.players.UpdateCurrentPoints(ctx, p.ID, ev.Points, e.mode.Kind()); err != nil {
		slog.ErrorContext(ctx, "session: credit points failed", "session", e.id, "player", p.ID, "points", ev.Points, "error", err)
	}

	telemetry.Submissions.WithLabelValues(string(e.mode.Kind()), strconv.Itoa(ev.Correct)).Inc()
	e.publish(ctx, domain.EventScoreUpdated{Score: domain.Score{
		SessionID:  e.id,
		PlayerID:   p.ID,
		Username:   p.Username,
		TotalScore: p.CurrentPoints,
		UpdateTime: s.UpdatedAt,
	}})

	return ev, nil
}

// UseJoker spends one of the player's jokers. Each kind can be used once per game.
func (e *Engine) UseJoker(ctx context.Context, playerID string, kind domain.JokerKind) (domain.Joker, error) {
	var j domain.Joker

	_, err := e.mutate(ctx, func(_ context.Context, s *domain.Session) error {
		if !s.Status.Midgame() {
			return errors.InvalidTransition("cannot use a joker in status %s", s.Status)
		}

		i := s.PlayerIndex(playerID)
		if i < 0 {
			return errors.NotFound("player %s not in session %s", playerID, s.ID)
		}
		if slices.Contains(s.UsedJokers[playerID], kind) {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("player %s already used joker %s", playerID, kind))
		}

		switch kind {
		case domain.JokerIncreaseTime:
			s.TimeJokers++
		case domain.JokerDecreaseTime:
		case domain.JokerDoublePoints:
			s.DoublePoints = setDefault(s.DoublePoints)
			s.DoublePoints[playerID] = s.QuestionCounter
		default:
			return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown joker %q", kind))
		}

		if s.UsedJokers == nil {
			s.UsedJokers = make(map[string][]domain.JokerKind)
		}
		s.UsedJokers[playerID] = append(s.UsedJokers[playerID], kind)

		p := s.Players[i]
		j = domain.Joker{PlayerID: p.ID, Username: p.Username, Kind: kind}
		return nil
	})
	if err != nil {
		return domain.Joker{}, err
	}

	if _, err := e.jokers.Append(ctx, j); err != nil {
		slog.ErrorContext(ctx, "session: append joker failed", "session", e.id, "player", j.PlayerID, "error", err)
	}
	telemetry.JokersUsed.WithLabelValues(string(kind)).Inc()
	e.publish(ctx, domain.EventJokerUsed{SessionID: e.id, Joker: j})

	return j, nil
}

func (e *Engine) Disconnects(ctx context.Context, cursor int) ([]eventlog.Entry[domain.Player], error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.disconnects.ReadFrom(ctx, cursor)
}

func (e *Engine) AppendDisconnect(ctx context.Context, p domain.Player) (eventlog.Entry[domain.Player], error) {
	if err := e.check(); err != nil {
		return eventlog.Entry[domain.Player]{}, err
	}
	return e.disconnects.Append(ctx, p)
}

func (e *Engine) Jokers(ctx context.Context, cursor int) ([]eventlog.Entry[domain.Joker], error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.jokers.ReadFrom(ctx, cursor)
}

// Close marks the engine removed, waits for an in-flight mutation to finish and deletes
// the persisted session and its logs. Every later call returns NotFound.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sched.Cancel(e.voteTask())

	e.wmu.Lock()
	defer e.wmu.Unlock()

	for _, l := range []any{e.disconnects, e.jokers} {
		if d, ok := l.(eventlog.Dropper); ok {
			if err := d.Drop(ctx); err != nil {
				slog.ErrorContext(ctx, "session: drop log failed", "session", e.id, "error", err)
			}
		}
	}

	return e.repo.Delete(ctx, e.id)
}

// mutate applies fn to a copy of the state under the writer lock. The copy is persisted and
// becomes visible only if fn and the save succeed and the engine was not closed meanwhile.
// When another instance saved the session first, fn runs again on top of its state.
func (e *Engine) mutate(ctx context.Context, fn func(ctx context.Context, s *domain.Session) error) (domain.Session, error) {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return domain.Session{}, e.removed()
	}
	prev := e.state.Clone()
	e.mu.RUnlock()

	var saved domain.Session
	for attempt := 1; ; attempt++ {
		if prev.Status.Terminal() {
			return domain.Session{}, errors.InvalidTransition("session %s is %s", prev.ID, prev.Status)
		}

		next := prev.Clone()
		if err := fn(ctx, &next); err != nil {
			return domain.Session{}, err
		}
		next.UpdatedAt = e.now()

		var err error
		saved, err = e.repo.Save(ctx, next)
		if err == nil {
			break
		}
		if errors.Is(err, errors.CodeNotFound) {
			e.markRemoved()
			return domain.Session{}, e.removed()
		}
		if !errors.Is(err, errors.CodeAborted) || attempt == saveAttempts {
			return domain.Session{}, err
		}

		slog.DebugContext(ctx, "session: save conflict, retrying", "session", e.id, "attempt", attempt)
		if prev, err = e.reload(ctx); err != nil {
			return domain.Session{}, err
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.Session{}, e.removed()
	}
	if saved.Version > e.state.Version {
		e.state = saved.Clone()
	}
	e.mu.Unlock()

	if prev.Status != saved.Status {
		e.statusChanged(ctx, prev.Status, saved)
	} else if saved.Status == domain.StatusPlayAgain && len(saved.Players) > 0 && saved.PlayersReady == len(saved.Players) {
		// Everyone voted, no need to wait for the window.
		e.sched.After(e.voteTask(), 0, e.resolveVote)
	}

	return saved, nil
}

// reload loads the stored session and makes it the visible state if it is newer.
func (e *Engine) reload(ctx context.Context) (domain.Session, error) {
	s, err := e.repo.Load(ctx, e.id)
	if errors.Is(err, errors.CodeNotFound) {
		e.markRemoved()
		return domain.Session{}, e.removed()
	}
	if err != nil {
		return domain.Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return domain.Session{}, e.removed()
	}
	if s.Version > e.state.Version {
		e.state = s
	}
	return e.state.Clone(), nil
}

// markRemoved closes an engine whose session was deleted through another instance.
func (e *Engine) markRemoved() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.sched.Cancel(e.voteTask())
}

func (e *Engine) statusChanged(ctx context.Context, from domain.Status, s domain.Session) {
	telemetry.StatusTransitions.WithLabelValues(string(s.Status)).Inc()
	slog.InfoContext(ctx, "session: status changed", "session", s.ID, "from", from, "to", s.Status)

	switch {
	case s.Status == domain.StatusPlayAgain:
		e.sched.After(e.voteTask(), e.voteWindow, e.resolveVote)
	case from == domain.StatusPlayAgain:
		e.sched.Cancel(e.voteTask())
	}

	if s.Status == domain.StatusStarted {
		resetPoints(ctx, e.players, s.ID, s.Players...)
	}

	e.publish(ctx, domain.EventStatusChanged{From: from, Session: s.Clone()})
}

func (e *Engine) resolveVote(ctx context.Context) {
	s, err := e.ResolveVote(ctx)
	if err != nil {
		slog.DebugContext(ctx, "session: resolve vote skipped", "session", e.id, "error", err)
		return
	}
	slog.InfoContext(ctx, "session: vote resolved", "session", e.id, "status", s.Status, "votes", s.PlayersReady)
}

// closeBarrier prepares the next round unless the game is over and pauses the session.
func (e *Engine) closeBarrier(ctx context.Context, s *domain.Session) error {
	if !e.mode.EndCondition(*s, e.now()) {
		if err := e.advance(ctx, s); err != nil {
			return err
		}
	}

	s.PlayersReady = 0
	s.Status = domain.StatusPaused
	telemetry.BarrierClosures.Inc()
	return nil
}

func (e *Engine) advance(ctx context.Context, s *domain.Session) error {
	counter := s.QuestionCounter + 1
	difficulty := Difficulty(counter)

	ctx, cancel := context.WithTimeout(ctx, e.generateTimeout)
	defer cancel()

	start := time.Now()
	q, key, err := e.questions.Generate(ctx, difficulty)
	telemetry.QuestionGeneration.Observe(time.Since(start).Seconds())
	if err != nil {
		return errors.Unavailable(err, "generate question for round %d", counter)
	}

	s.QuestionCounter = counter
	s.DifficultyFactor = difficulty
	s.CurrentQuestion = &q
	s.ExpectedAnswers = key
	s.TimeJokers = 0
	return nil
}

// restart puts the session at the beginning of a fresh game. The player store follows once
// the new game is committed.
func (e *Engine) restart(s *domain.Session) {
	for i := range s.Players {
		s.Players[i].CurrentPoints = 0
	}

	s.Status = domain.StatusStarted
	s.CurrentQuestion = nil
	s.ExpectedAnswers = nil
	s.QuestionCounter = 0
	s.DifficultyFactor = Difficulty(0)
	s.PlayersReady = 0
	s.TimeJokers = 0
	s.Answered = nil
	s.Mistakes = nil
	s.UsedJokers = nil
	s.DoublePoints = nil
	s.StartedAt = e.now()
}

// enterPlayAgain opens the vote. The ready count is reused as the vote count.
func (e *Engine) enterPlayAgain(s *domain.Session) {
	s.Status = domain.StatusPlayAgain
	s.PlayersReady = 0
}

func (e *Engine) publish(ctx context.Context, ev event.Event) {
	if e.eb != nil {
		e.eb.Publish(ctx, ev)
	}
}

func (e *Engine) check() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return e.removed()
	}
	return nil
}

func (e *Engine) removed() error {
	return errors.NotFound("session removed: id=%s", e.id)
}

func (e *Engine) voteTask() string {
	return "vote:" + e.id
}

// resetPoints zeroes the running totals of players entering a new game.
func resetPoints(ctx context.Context, store player.Store, sessionID string, ps ...domain.Player) {
	for _, p := range ps {
		if _, err := store.ResetCurrentPoints(ctx, p.ID); err != nil {
			slog.ErrorContext(ctx, "session: reset points failed", "session", sessionID, "player", p.ID, "error", err)
		}
	}
}

func setDefault(m map[string]int) map[string]int {
	if m == nil {
		return make(map[string]int)
	}
	return m
}
