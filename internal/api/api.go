package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/eventlog"
	"github.com/victornm/trivia/internal/leaderboard"
	"github.com/victornm/trivia/internal/player"
	"github.com/victornm/trivia/internal/session"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Sessions     *session.Registry
	Players      player.Store
	Leaderboard  *leaderboard.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	sessions *session.Registry
	players  player.Store
	ls       *leaderboard.Service

	redis  Redis
	prefix string
}

type (
	CreateSessionRequest struct {
		Type      domain.SessionType `json:"type" binding:"required"`
		Mode      domain.GameMode    `json:"mode"`
		PlayerIDs []string           `json:"player_ids"`
	}

	CreatePlayerRequest struct {
		Username string `json:"username" binding:"required"`
	}

	AddPlayerRequest struct {
		PlayerID string `json:"player_id" binding:"required"`
	}

	UpdateStatusRequest struct {
		Status string `json:"status" binding:"required"`
	}

	SubmitAnswerRequest struct {
		PlayerID   string        `json:"player_id" binding:"required"`
		Answer     domain.Answer `json:"answer"`
		TimeFactor float64       `json:"time_factor"`
		Forced     bool          `json:"forced"`
	}

	UseJokerRequest struct {
		PlayerID string           `json:"player_id" binding:"required"`
		Kind     domain.JokerKind `json:"kind" binding:"required"`
	}

	ReadyResponse struct {
		PlayersReady int `json:"players_ready"`
	}

	CurrentQuestion struct {
		SessionID        string          `json:"session_id"`
		QuestionCounter  int             `json:"question_counter"`
		DifficultyFactor int             `json:"difficulty_factor"`
		TimeJokers       int             `json:"time_jokers"`
		Question         domain.Question `json:"question"`
	}

	AnswerKey struct {
		SessionID       string              `json:"session_id"`
		QuestionCounter int                 `json:"question_counter"`
		Type            domain.QuestionType `json:"type"`
		ExpectedAnswers []int               `json:"expected_answers"`
	}
)

type cursorQuery struct {
	Cursor int `form:"cursor,default=-1"`
}

type joinQuery struct {
	PlayerID string `form:"player_id" binding:"required"`
}

type topQuery struct {
	Mode  domain.GameMode `form:"mode" binding:"required"`
	Limit int             `form:"limit"`
}

func New(c Config) *API {
	a := &API{
		sessions: c.Sessions,
		players:  c.Players,
		ls:       c.Leaderboard,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
	}

	a.routes(c.Router)

	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
		c.EventBus.Subscribe(domain.EventNameStatusChanged, func(ctx context.Context, e event.Event) error {
			return a.PublishStatusChanged(ctx, e.(domain.EventStatusChanged))
		})
		c.EventBus.Subscribe(domain.EventNameJokerUsed, func(ctx context.Context, e event.Event) error {
			return a.PublishJokerUsed(ctx, e.(domain.EventJokerUsed))
		})
	}

	return a
}

func (a *API) routes(r gin.IRouter) {
	g := r.Group("/api")

	sessions := g.Group("/sessions")
	sessions.GET("", a.ListSessions)
	sessions.POST("", a.CreateSession)
	sessions.GET("/join", a.JoinAvailable)
	sessions.GET("/:id", a.GetSession)
	sessions.DELETE("/:id", a.RemoveSession)
	sessions.GET("/:id/players", a.ListPlayers)
	sessions.POST("/:id/players", a.AddPlayer)
	sessions.DELETE("/:id/players/:playerID", a.RemovePlayer)
	sessions.PUT("/:id/ready", a.MarkReady)
	sessions.PUT("/:id/notready", a.MarkNotReady)
	sessions.PUT("/:id/status", a.UpdateStatus)
	sessions.PUT("/:id/start", a.Start)
	sessions.PUT("/:id/resume", a.Resume)
	sessions.GET("/:id/disconnects", a.Disconnects)
	sessions.POST("/:id/disconnects", a.AppendDisconnect)
	sessions.GET("/:id/jokers", a.Jokers)
	sessions.POST("/:id/jokers", a.UseJoker)

	questions := g.Group("/questions")
	questions.GET("/:id", a.GetQuestion)
	questions.POST("/:id", a.SubmitAnswer)
	questions.GET("/answers/:id", a.GetAnswers)

	g.GET("/leaderboard/:id", a.GetLeaderboard)

	players := g.Group("/players")
	players.POST("", a.CreatePlayer)
	players.GET("/top", a.GetTop)
	players.GET("/:playerID", a.GetPlayer)
}

func (a *API) ListSessions(c *gin.Context) {
	ss := a.sessions.ListSessions(c)
	for i := range ss {
		ss[i] = redact(ss[i])
	}
	c.JSON(http.StatusOK, ss)
}

func (a *API) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if !bind(c, c.ShouldBindJSON, &req) {
		return
	}

	s, err := a.sessions.CreateSession(c, session.CreateSessionRequest{
		Type:      req.Type,
		Mode:      req.Mode,
		PlayerIDs: req.PlayerIDs,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, redact(s))
}

func (a *API) JoinAvailable(c *gin.Context) {
	var q joinQuery
	if !bind(c, c.ShouldBindQuery, &q) {
		return
	}

	s, err := a.sessions.JoinAvailable(c, q.PlayerID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, redact(s))
}

func (a *API) GetSession(c *gin.Context) {
	s, err := a.sessions.GetSession(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, redact(s))
}

func (a *API) RemoveSession(c *gin.Context) {
	if err := a.sessions.RemoveSession(c, c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) ListPlayers(c *gin.Context) {
	s, err := a.sessions.GetSession(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Players)
}

func (a *API) AddPlayer(c *gin.Context) {
	var req AddPlayerRequest
	if !bind(c, c.ShouldBindJSON, &req) {
		return
	}

	a.withEngine(c, func(e *session.Engine) (any, error) {
		s, err := e.AddPlayer(c, req.PlayerID)
		return redact(s), err
	})
}

func (a *API) RemovePlayer(c *gin.Context) {
	s, err := a.sessions.RemovePlayer(c, c.Param("id"), c.Param("playerID"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, redact(s))
}

func (a *API) MarkReady(c *gin.Context) {
	n, err := a.sessions.MarkReady(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{PlayersReady: n})
}

func (a *API) MarkNotReady(c *gin.Context) {
	n, err := a.sessions.MarkNotReady(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{PlayersReady: n})
}

func (a *API) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if !bind(c, c.ShouldBindJSON, &req) {
		return
	}

	to, ok := domain.ParseStatus(req.Status)
	if !ok {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown status %q", req.Status)))
		return
	}

	a.withEngine(c, func(e *session.Engine) (any, error) {
		s, err := e.UpdateStatus(c, to)
		return redact(s), err
	})
}

func (a *API) Start(c *gin.Context) {
	a.withEngine(c, func(e *session.Engine) (any, error) {
		s, err := e.Start(c)
		return redact(s), err
	})
}

func (a *API) Resume(c *gin.Context) {
	a.withEngine(c, func(e *session.Engine) (any, error) {
		s, err := e.Resume(c)
		return redact(s), err
	})
}

func (a *API) Disconnects(c *gin.Context) {
	var q cursorQuery
	if !bind(c, c.ShouldBindQuery, &q) {
		return
	}

	entries, err := a.sessions.Disconnects(c, c.Param("id"), q.Cursor)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(entries))
}

// AppendDisconnect records a player a client saw drop out without removing it from the session.
func (a *API) AppendDisconnect(c *gin.Context) {
	var req AddPlayerRequest
	if !bind(c, c.ShouldBindJSON, &req) {
		return
	}

	p, err := a.players.GetByID(c, req.PlayerID)
	if err != nil {
		abort(c, err)
		return
	}

	a.withEngine(c, func(e *session.Engine) (any, error) {
		return e.AppendDisconnect(c, p)
	})
}

func (a *API) Jokers(c *gin.Context) {
	var q cursorQuery
	if !bind(c, c.ShouldBindQuery, &q) {
		return
	}

	entries, err := a.sessions.Jokers(c, c.Param("id"), q.Cursor)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(entries))
}

func (a *API) UseJoker(c *gin.Context) {
	var req UseJokerRequest
	if !bind(c, c.ShouldBindJSON, &req) {
		return
	}

	a.withEngine(c, func(e *session.Engine) (any, error) {
		return e.UseJoker(c, req.PlayerID, req.Kind)
	})
}

func (a *API) GetQuestion(c *gin.Context) {
	s, err := a.sessions.GetSession(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	if s.CurrentQuestion == nil {
		abort(c, errors.NotFound("no question in session %s", s.ID))
		return
	}

	c.JSON(http.StatusOK, CurrentQuestion{
		SessionID:        s.ID,
		QuestionCounter:  s.QuestionCounter,
		DifficultyFactor: s.DifficultyFactor,
		TimeJokers:       s.TimeJokers,
		Question:         *s.CurrentQuestion,
	})
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if !bind(c, c.ShouldBindJSON, &req) {
		return
	}

	a.withEngine(c, func(e *session.Engine) (any, error) {
		return e.SubmitAnswer(c, session.SubmitAnswerRequest{
			PlayerID:   req.PlayerID,
			Answer:     req.Answer,
			TimeFactor: req.TimeFactor,
			Forced:     req.Forced,
		})
	})
}

func (a *API) GetAnswers(c *gin.Context) {
	s, err := a.sessions.GetSession(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	if s.CurrentQuestion == nil {
		abort(c, errors.NotFound("no question in session %s", s.ID))
		return
	}

	c.JSON(http.StatusOK, AnswerKey{
		SessionID:       s.ID,
		QuestionCounter: s.QuestionCounter,
		Type:            s.CurrentQuestion.Type,
		ExpectedAnswers: s.ExpectedAnswers,
	})
}

func (a *API) GetLeaderboard(c *gin.Context) {
	if a.ls == nil {
		abort(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("leaderboard is not configured")))
		return
	}

	l, err := a.ls.GetLeaderboard(c, leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, toLeaderboard(l.SessionID, l.Entries))
}

func (a *API) GetTop(c *gin.Context) {
	var q topQuery
	if !bind(c, c.ShouldBindQuery, &q) {
		return
	}
	if a.ls == nil {
		abort(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("leaderboard is not configured")))
		return
	}

	entries, err := a.ls.GetTop(c, leaderboard.GetTopRequest{Mode: q.Mode, Limit: q.Limit})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, toLeaderboard("", entries).Entries)
}

func (a *API) CreatePlayer(c *gin.Context) {
	var req CreatePlayerRequest
	if !bind(c, c.ShouldBindJSON, &req) {
		return
	}

	p, err := a.players.Create(c, req.Username)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (a *API) GetPlayer(c *gin.Context) {
	p, err := a.players.GetByID(c, c.Param("playerID"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *API) withEngine(c *gin.Context, fn func(e *session.Engine) (any, error)) {
	e, err := a.sessions.Engine(c, c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	resp, err := fn(e)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bind(c *gin.Context, b func(obj any) error, obj any) bool {
	if err := b(obj); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("%v", err), errors.WithCause(err)))
		return false
	}
	return true
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal || e.Code == errors.CodeUnavailable {
		slog.ErrorContext(c, "api: request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

// redact hides the answer key of the running round from clients.
func redact(s domain.Session) domain.Session {
	s.ExpectedAnswers = nil
	return s
}

func nonNil[T any](entries []eventlog.Entry[T]) []eventlog.Entry[T] {
	if entries == nil {
		return []eventlog.Entry[T]{}
	}
	return entries
}
