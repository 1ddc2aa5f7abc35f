package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/trivia/internal/api"
	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/eventlog"
	"github.com/victornm/trivia/internal/leaderboard"
	"github.com/victornm/trivia/internal/mode"
	"github.com/victornm/trivia/internal/player"
	"github.com/victornm/trivia/internal/question"
	"github.com/victornm/trivia/internal/session"
	"github.com/victornm/trivia/internal/telemetry"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Session struct {
			RedisConfig `mapstructure:",squash"`
			TTL         time.Duration
		}

		Leaderboard RedisConfig
		Pubsub      RedisConfig
	}

	Postgres struct {
		// Player is optional. Without an address players are kept in memory.
		Player struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Game struct {
		MinPlayers      int
		MaxPlayers      int
		VoteWindow      time.Duration
		TransferGrace   time.Duration
		GenerateTimeout time.Duration
		Rounds          int
		TimeBudget      time.Duration
		Lives           int
		Seed            uint64
	}
}

// DefaultConfig is the configuration config files and environment variables are applied on top of.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Redis.Session.Prefix = "trivia"
	c.Redis.Session.TTL = 24 * time.Hour
	c.Redis.Leaderboard.Prefix = "trivia"
	c.Redis.Pubsub.Prefix = "trivia:pubsub"
	c.Game.MinPlayers = session.DefaultMinPlayers
	c.Game.MaxPlayers = session.DefaultMaxPlayers
	c.Game.VoteWindow = session.DefaultVoteWindow
	c.Game.TransferGrace = session.DefaultTransferGrace
	c.Game.GenerateTimeout = session.DefaultGenerateTimeout
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			session     redis.UniversalClient
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			player *pgxpool.Pool
		}
	}

	service struct {
		players     player.Store
		questions   question.Source
		sessions    *session.Registry
		leaderboard *leaderboard.Service
	}

	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(rc RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Password: rc.Pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.session, err = connect(s.c.Redis.Session.RedisConfig)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	pc := s.c.Postgres.Player
	if pc.Addr == "" {
		slog.Warn("server: no postgres configured, players are kept in memory")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return fmt.Errorf("player: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("player: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("player: %w", err)
	}

	s.infra.postgres.player = db
	return nil
}

func (s *Server) initService() error {
	if db := s.infra.postgres.player; db != nil {
		ps := player.NewPostgres(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ps.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate players: %w", err)
		}
		s.service.players = ps
	} else {
		s.service.players = player.NewMemory()
	}

	var opts []question.Option
	if s.c.Game.Seed != 0 {
		opts = append(opts, question.WithSeed(s.c.Game.Seed))
	}
	qs, err := question.NewGenerator(opts...)
	if err != nil {
		return fmt.Errorf("question generator: %w", err)
	}
	s.service.questions = qs

	modes := mode.Config{
		Rounds:     s.c.Game.Rounds,
		TimeBudget: s.c.Game.TimeBudget,
		Lives:      s.c.Game.Lives,
	}

	rc, prefix := s.infra.redis.session, s.c.Redis.Session.Prefix
	s.service.sessions = session.NewRegistry(session.Config{
		Repository: session.NewRedisRepository(rc, prefix, s.c.Redis.Session.TTL),
		Questions:  s.service.questions,
		Players:    s.service.players,
		EventBus:   s.eb,
		Modes:      modes,
		NewDisconnectLog: func(id string) eventlog.Log[domain.Player] {
			return eventlog.NewRedis[domain.Player](rc, fmt.Sprintf("%s:%s:disconnects", prefix, id))
		},
		NewJokerLog: func(id string) eventlog.Log[domain.Joker] {
			return eventlog.NewRedis[domain.Joker](rc, fmt.Sprintf("%s:%s:jokers", prefix, id))
		},
		MinPlayers:      s.c.Game.MinPlayers,
		MaxPlayers:      s.c.Game.MaxPlayers,
		VoteWindow:      s.c.Game.VoteWindow,
		TransferGrace:   s.c.Game.TransferGrace,
		GenerateTimeout: s.c.Game.GenerateTimeout,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Players:  s.service.players,
		Modes:    modes,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.ContextWithFallback = true
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Sessions:     s.service.sessions,
		Players:      s.service.players,
		Leaderboard:  s.service.leaderboard,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.sessions.Close()
	s.eb.Stop()

	for name, r := range map[string]redis.UniversalClient{
		"session":     s.infra.redis.session,
		"leaderboard": s.infra.redis.leaderboard,
		"pubsub":      s.infra.redis.pubsub,
	} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "client", name, "error", err)
		}
	}
	if db := s.infra.postgres.player; db != nil {
		db.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
