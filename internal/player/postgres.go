package player

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation = "23505"

	playerColumns = `player_id, username, current_points, best_single_score, best_multi_score, best_time_attack_score, best_survival_score`
)

var bestColumns = map[domain.GameMode]string{
	domain.GameModeSingleplayer: "best_single_score",
	domain.GameModeMultiplayer:  "best_multi_score",
	domain.GameModeTimeAttack:   "best_time_attack_score",
	domain.GameModeSurvival:     "best_survival_score",
}

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the players table and its indexes if they do not exist, all or nothing.
func (s *Postgres) Migrate(ctx context.Context) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate players: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Postgres) Create(ctx context.Context, username string) (domain.Player, error) {
	username, err := validUsername(username)
	if err != nil {
		return domain.Player{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.Player{}, errors.Internal(err)
	}

	const stmt = `INSERT INTO players (player_id, username) VALUES ($1, $2) RETURNING ` + playerColumns + `;`

	p, err := s.queryOne(ctx, stmt, id, username)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return domain.Player{}, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("username %q is taken", username),
			errors.WithCause(err))
	}

	return p, err
}

func (s *Postgres) GetByID(ctx context.Context, id string) (domain.Player, error) {
	uid, err := parseID(id)
	if err != nil {
		return domain.Player{}, err
	}

	const stmt = `SELECT ` + playerColumns + ` FROM players WHERE player_id = $1;`

	return s.queryOne(ctx, stmt, uid)
}

func (s *Postgres) UpdateCurrentPoints(ctx context.Context, id string, points int, mode domain.GameMode) (domain.Player, error) {
	col, ok := bestColumns[mode]
	if !ok {
		return domain.Player{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game mode %q", mode))
	}

	uid, err := parseID(id)
	if err != nil {
		return domain.Player{}, err
	}

	stmt := fmt.Sprintf(`
UPDATE players
SET current_points = current_points + $2,
	%[1]s = GREATEST(%[1]s, current_points + $2),
	update_time = NOW()
WHERE player_id = $1
RETURNING %[2]s;`, col, playerColumns)

	return s.queryOne(ctx, stmt, uid, points)
}

func (s *Postgres) ResetCurrentPoints(ctx context.Context, id string) (domain.Player, error) {
	uid, err := parseID(id)
	if err != nil {
		return domain.Player{}, err
	}

	const stmt = `
UPDATE players
SET current_points = 0, update_time = NOW()
WHERE player_id = $1
RETURNING ` + playerColumns + `;`

	return s.queryOne(ctx, stmt, uid)
}

func (s *Postgres) Top(ctx context.Context, mode domain.GameMode, limit int) ([]domain.Player, error) {
	col, ok := bestColumns[mode]
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game mode %q", mode))
	}

	stmt := fmt.Sprintf(`
SELECT %s
FROM players
ORDER BY %s DESC, username
LIMIT $1;`, playerColumns, col)

	rows, err := s.db.Query(ctx, stmt, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Unavailable(err, "list top players")
	}

	ps, err := pgx.CollectRows(rows, scanPlayer)
	if err != nil {
		return nil, errors.Unavailable(err, "list top players")
	}

	return ps, nil
}

func (s *Postgres) queryOne(ctx context.Context, stmt string, args ...any) (domain.Player, error) {
	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return domain.Player{}, errors.Unavailable(err, "query player")
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPlayer)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Player{}, errors.NotFound("player not found: id=%v", args[0])
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return domain.Player{}, err
	}

	if err != nil {
		return domain.Player{}, errors.Unavailable(err, "query player")
	}

	return p, nil
}

// parseID treats an id that is not a UUID as an unknown player.
func parseID(id string) (uuid.UUID, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, errors.NotFound("player not found: id=%s", id)
	}
	return uid, nil
}

func scanPlayer(r pgx.CollectableRow) (domain.Player, error) {
	var (
		p  domain.Player
		id uuid.UUID
	)
	if err := r.Scan(&id, &p.Username, &p.CurrentPoints,
		&p.BestSingleScore, &p.BestMultiScore, &p.BestTimeAttackScore, &p.BestSurvivalScore); err != nil {
		return domain.Player{}, err
	}
	p.ID = id.String()
	return p, nil
}
