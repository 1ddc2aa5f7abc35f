package session

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/eventlog"
	"github.com/victornm/trivia/internal/mode"
	"github.com/victornm/trivia/internal/player"
	"github.com/victornm/trivia/internal/question"
	"github.com/victornm/trivia/internal/schedule"
	"github.com/victornm/trivia/internal/telemetry"
)

const (
	DefaultTransferGrace = 10 * time.Second
	DefaultMaxPlayers    = 8
)

type Config struct {
	Repository Repository
	Questions  question.Source
	Players    player.Store
	EventBus   *event.Bus
	Modes      mode.Config

	// NewDisconnectLog and NewJokerLog create the logs of a session. Both default to in-memory logs.
	NewDisconnectLog func(sessionID string) eventlog.Log[domain.Player]
	NewJokerLog      func(sessionID string) eventlog.Log[domain.Joker]

	MinPlayers int
	// MaxPlayers caps the sessions JoinAvailable hands out.
	MaxPlayers      int
	VoteWindow      time.Duration
	GenerateTimeout time.Duration
	// TransferGrace is how long a transferring session stays readable before it is removed,
	// so pollers get to observe the final status.
	TransferGrace time.Duration
	Now           func() time.Time
}

// Registry maps session ids to their engines. Sessions not held in memory are loaded from
// the repository on first access.
type Registry struct {
	c     Config
	sched *schedule.Scheduler

	mu      sync.RWMutex
	engines map[string]*Engine
	// removing holds the sessions RemoveSession is deleting, so lookups cannot load them back meanwhile.
	removing map[string]struct{}

	// joinMu serializes JoinAvailable so concurrent joiners fill one session instead of each creating their own.
	joinMu sync.Mutex
}

func NewRegistry(c Config) *Registry {
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = DefaultMaxPlayers
	}
	if c.TransferGrace <= 0 {
		c.TransferGrace = DefaultTransferGrace
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewDisconnectLog == nil {
		c.NewDisconnectLog = func(string) eventlog.Log[domain.Player] { return eventlog.NewMemory[domain.Player]() }
	}
	if c.NewJokerLog == nil {
		c.NewJokerLog = func(string) eventlog.Log[domain.Joker] { return eventlog.NewMemory[domain.Joker]() }
	}

	r := &Registry{
		c:       c,
		sched:   schedule.New(context.Background()),
		engines:  make(map[string]*Engine),
		removing: make(map[string]struct{}),
	}

	if r.c.EventBus != nil {
		r.c.EventBus.Subscribe(domain.EventNameStatusChanged, func(ctx context.Context, e event.Event) error {
			ev := e.(domain.EventStatusChanged)
			if ev.Session.Status == domain.StatusTransferring {
				r.scheduleRemoval(ev.Session.ID)
			}
			return nil
		})
	}

	return r
}

type CreateSessionRequest struct {
	Type domain.SessionType
	// Mode defaults to the mode of Type when empty.
	Mode      domain.GameMode
	PlayerIDs []string
}

// CreateSession registers a new session. Waiting area sessions start in WaitingArea, the others
// go straight to Started.
func (r *Registry) CreateSession(ctx context.Context, req CreateSessionRequest) (domain.Session, error) {
	switch req.Type {
	case domain.SessionTypeWaitingArea, domain.SessionTypeMultiplayer, domain.SessionTypeSingleplayer:
	default:
		return domain.Session{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown session type %q", req.Type))
	}
	if req.Mode == "" {
		req.Mode = mode.Default(req.Type)
	}

	m, err := mode.New(req.Mode, r.c.Modes)
	if err != nil {
		return domain.Session{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.Session{}, errors.Internal(err)
	}

	now := r.c.Now()
	s := domain.Session{
		ID:               id.String(),
		Type:             req.Type,
		Mode:             m.Kind(),
		Status:           domain.StatusWaitingArea,
		DifficultyFactor: Difficulty(0),
		UpdatedAt:        now,
	}

	for _, pid := range req.PlayerIDs {
		if s.PlayerIndex(pid) >= 0 {
			continue
		}

		p, err := r.c.Players.GetByID(ctx, pid)
		if err != nil {
			return domain.Session{}, err
		}
		if req.Type != domain.SessionTypeWaitingArea {
			p.CurrentPoints = 0
		}
		s.Players = append(s.Players, p)
	}

	if req.Type != domain.SessionTypeWaitingArea {
		s.Status = domain.StatusStarted
		s.StartedAt = now
	}

	if s, err = r.c.Repository.Save(ctx, s); err != nil {
		return domain.Session{}, err
	}
	if s.Status == domain.StatusStarted {
		resetPoints(ctx, r.c.Players, s.ID, s.Players...)
	}

	r.mu.Lock()
	r.engines[s.ID] = r.newEngine(s, m)
	r.mu.Unlock()

	telemetry.ActiveSessions.Inc()
	slog.InfoContext(ctx, "session: created", "session", s.ID, "type", s.Type, "mode", s.Mode, "status", s.Status)

	return s, nil
}

// Engine returns the engine of a session. Sessions not held in memory are loaded from the
// repository without blocking lookups of other sessions.
func (r *Registry) Engine(ctx context.Context, id string) (*Engine, error) {
	r.mu.RLock()
	e, ok := r.engines[id]
	_, removing := r.removing[id]
	r.mu.RUnlock()

	switch {
	case removing:
		return nil, errors.NotFound("session removed: id=%s", id)
	case ok && e.check() == nil:
		return e, nil
	case ok:
		// Deleted through another instance.
		r.evict(id, e)
	}

	s, err := r.c.Repository.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	m, err := mode.New(s.Mode, r.c.Modes)
	if err != nil {
		return nil, errors.Internal(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, removing := r.removing[id]; removing {
		return nil, errors.NotFound("session removed: id=%s", id)
	}
	if e, ok := r.engines[id]; ok {
		return e, nil
	}

	e = r.newEngine(s, m)
	r.engines[id] = e
	telemetry.ActiveSessions.Inc()

	if s.Status == domain.StatusTransferring {
		r.scheduleRemoval(id)
	}
	return e, nil
}

func (r *Registry) GetSession(ctx context.Context, id string) (domain.Session, error) {
	e, err := r.Engine(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}

	s, err := e.Snapshot(ctx)
	if errors.Is(err, errors.CodeNotFound) {
		r.evict(id, e)
	}
	return s, err
}

// ListSessions returns the sessions held in memory, oldest first.
func (r *Registry) ListSessions(ctx context.Context) []domain.Session {
	r.mu.RLock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	ss := make([]domain.Session, 0, len(engines))
	for _, e := range engines {
		s, err := e.Snapshot(ctx)
		if errors.Is(err, errors.CodeNotFound) {
			r.evict(e.ID(), e)
		}
		if err != nil {
			continue
		}
		ss = append(ss, s)
	}

	// UUIDv7 ids sort by creation time.
	slices.SortFunc(ss, func(a, b domain.Session) int { return cmp.Compare(a.ID, b.ID) })
	return ss
}

// JoinAvailable adds the player to the oldest waiting area session with room left, creating one if there is none.
func (r *Registry) JoinAvailable(ctx context.Context, playerID string) (domain.Session, error) {
	if _, err := r.c.Players.GetByID(ctx, playerID); err != nil {
		return domain.Session{}, err
	}

	r.joinMu.Lock()
	defer r.joinMu.Unlock()

	for _, s := range r.ListSessions(ctx) {
		if s.Status != domain.StatusWaitingArea {
			continue
		}
		if s.PlayerIndex(playerID) >= 0 {
			return s, nil
		}
		if len(s.Players) >= r.c.MaxPlayers {
			continue
		}

		e, err := r.Engine(ctx, s.ID)
		if err != nil {
			continue
		}

		joined, err := e.AddPlayer(ctx, playerID)
		switch {
		case err == nil:
			return joined, nil
		case errors.Is(err, errors.CodeFailedPrecondition), errors.Is(err, errors.CodeNotFound):
			// Removed or handed over since it was listed.
			continue
		default:
			return domain.Session{}, err
		}
	}

	return r.CreateSession(ctx, CreateSessionRequest{
		Type:      domain.SessionTypeWaitingArea,
		PlayerIDs: []string{playerID},
	})
}

// RemoveSession closes the session's engine and deletes it from the repository.
func (r *Registry) RemoveSession(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.engines[id]
	delete(r.engines, id)
	r.removing[id] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.removing, id)
		r.mu.Unlock()
	}()

	r.sched.Cancel(removalTask(id))

	if !ok {
		if _, err := r.c.Repository.Load(ctx, id); err != nil {
			return err
		}
		return r.c.Repository.Delete(ctx, id)
	}

	telemetry.ActiveSessions.Dec()
	if err := e.Close(ctx); err != nil {
		return err
	}

	if r.c.EventBus != nil {
		r.c.EventBus.Publish(ctx, domain.EventSessionRemoved{SessionID: id})
	}
	slog.InfoContext(ctx, "session: removed", "session", id)
	return nil
}

// evict forgets an engine whose session was deleted through another instance.
func (r *Registry) evict(id string, e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engines[id] == e {
		delete(r.engines, id)
		telemetry.ActiveSessions.Dec()
	}
}

// RemovePlayer removes the player from the session and removes the session once it is empty.
func (r *Registry) RemovePlayer(ctx context.Context, id, playerID string) (domain.Session, error) {
	e, err := r.Engine(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}

	s, err := e.RemovePlayer(ctx, playerID)
	if err != nil {
		return domain.Session{}, err
	}

	if len(s.Players) == 0 {
		if err := r.RemoveSession(ctx, id); err != nil && !errors.Is(err, errors.CodeNotFound) {
			return domain.Session{}, err
		}
	}
	return s, nil
}

func (r *Registry) MarkReady(ctx context.Context, id string) (int, error) {
	e, err := r.Engine(ctx, id)
	if err != nil {
		return 0, err
	}
	return e.MarkReady(ctx)
}

func (r *Registry) MarkNotReady(ctx context.Context, id string) (int, error) {
	e, err := r.Engine(ctx, id)
	if err != nil {
		return 0, err
	}
	return e.MarkNotReady(ctx)
}

func (r *Registry) Disconnects(ctx context.Context, id string, cursor int) ([]eventlog.Entry[domain.Player], error) {
	e, err := r.Engine(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Disconnects(ctx, cursor)
}

func (r *Registry) Jokers(ctx context.Context, id string, cursor int) ([]eventlog.Entry[domain.Joker], error) {
	e, err := r.Engine(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Jokers(ctx, cursor)
}

// Close stops pending removals and vote windows.
func (r *Registry) Close() {
	r.sched.Stop()
}

func (r *Registry) scheduleRemoval(id string) {
	r.sched.After(removalTask(id), r.c.TransferGrace, func(ctx context.Context) {
		// RemoveSession cancels this task, the removal itself must still complete.
		ctx = context.WithoutCancel(ctx)
		if err := r.RemoveSession(ctx, id); err != nil && !errors.Is(err, errors.CodeNotFound) {
			slog.ErrorContext(ctx, "session: remove transferred session failed", "session", id, "error", err)
		}
	})
}

func (r *Registry) newEngine(s domain.Session, m mode.Mode) *Engine {
	return NewEngine(EngineConfig{
		Repository:      r.c.Repository,
		Questions:       r.c.Questions,
		Players:         r.c.Players,
		EventBus:        r.c.EventBus,
		Scheduler:       r.sched,
		Mode:            m,
		Disconnects:     r.c.NewDisconnectLog(s.ID),
		Jokers:          r.c.NewJokerLog(s.ID),
		MinPlayers:      r.c.MinPlayers,
		VoteWindow:      r.c.VoteWindow,
		GenerateTimeout: r.c.GenerateTimeout,
		Now:             r.c.Now,
	}, s)
}

func removalTask(id string) string {
	return "remove:" + id
}
