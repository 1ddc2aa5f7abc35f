package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

// RedisRepository stores each session as a JSON value under its own key.
type RedisRepository struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRepository returns a repository whose keys expire ttl after the last save. Zero ttl keeps them forever.
func NewRedisRepository(rc redis.UniversalClient, prefix string, ttl time.Duration) *RedisRepository {
	return &RedisRepository{
		redis:  rc,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisRepository) Load(ctx context.Context, id string) (domain.Session, error) {
	b, err := r.redis.Get(ctx, r.key(id)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return domain.Session{}, errors.NotFound("session not found: id=%s", id)
	}
	if err != nil {
		return domain.Session{}, errors.Unavailable(err, "load session %s", id)
	}

	var s domain.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return domain.Session{}, errors.Internal(fmt.Errorf("decode session %s: %w", id, err))
	}
	return s, nil
}

// Save writes s inside a WATCH transaction on its key, so a concurrent save from another
// instance makes this one fail with a conflict instead of being overwritten.
func (r *RedisRepository) Save(ctx context.Context, s domain.Session) (domain.Session, error) {
	key := r.key(s.ID)

	var saved domain.Session
	err := r.redis.Watch(ctx, func(tx *redis.Tx) error {
		var (
			stored struct {
				Version int64 `json:"version"`
			}
			exists bool
		)

		b, err := tx.Get(ctx, key).Bytes()
		switch {
		case stderrors.Is(err, redis.Nil):
		case err != nil:
			return errors.Unavailable(err, "load session %s", s.ID)
		default:
			if err := json.Unmarshal(b, &stored); err != nil {
				return errors.Internal(fmt.Errorf("decode session %s: %w", s.ID, err))
			}
			exists = true
		}

		if err := checkVersion(s, exists, stored.Version); err != nil {
			return err
		}

		saved = s
		saved.Version++
		b, err = json.Marshal(saved)
		if err != nil {
			return errors.Internal(fmt.Errorf("encode session %s: %w", s.ID, err))
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, r.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return saved, nil
	case stderrors.Is(err, redis.TxFailedErr):
		return domain.Session{}, errors.Conflict("session %s changed while saving", s.ID)
	}

	var e *errors.Error
	if stderrors.As(err, &e) {
		return domain.Session{}, e
	}
	return domain.Session{}, errors.Unavailable(err, "save session %s", s.ID)
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	if err := r.redis.Del(ctx, r.key(id)).Err(); err != nil {
		return errors.Unavailable(err, "delete session %s", id)
	}
	return nil
}

func (r *RedisRepository) key(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}
