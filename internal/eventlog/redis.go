package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/trivia/internal/errors"
)

// Redis is a Log kept in a Redis list. RPUSH returns the new length, so the index of an
// entry is assigned by Redis atomically and concurrent appenders from several server
// instances never share an index.
type Redis[T any] struct {
	rc  redis.UniversalClient
	key string
	now func() time.Time
}

func NewRedis[T any](rc redis.UniversalClient, key string) *Redis[T] {
	return &Redis[T]{
		rc:  rc,
		key: key,
		now: time.Now,
	}
}

type record[T any] struct {
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *Redis[T]) Append(ctx context.Context, payload T) (Entry[T], error) {
	rec := record[T]{Payload: payload, Timestamp: r.now()}

	b, err := json.Marshal(rec)
	if err != nil {
		return Entry[T]{}, fmt.Errorf("eventlog: marshal entry: %w", err)
	}

	n, err := r.rc.RPush(ctx, r.key, b).Result()
	if err != nil {
		return Entry[T]{}, errors.Unavailable(err, "eventlog: append to %s failed", r.key)
	}

	return Entry[T]{
		Index:     int(n - 1),
		Payload:   rec.Payload,
		Timestamp: rec.Timestamp,
	}, nil
}

func (r *Redis[T]) ReadFrom(ctx context.Context, cursor int) ([]Entry[T], error) {
	start := normalize(cursor) + 1

	res, err := r.rc.LRange(ctx, r.key, int64(start), -1).Result()
	if err != nil {
		return nil, errors.Unavailable(err, "eventlog: read %s failed", r.key)
	}

	out := make([]Entry[T], 0, len(res))
	for i, raw := range res {
		var rec record[T]
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("eventlog: unmarshal entry %d of %s: %w", start+i, r.key, err)
		}
		out = append(out, Entry[T]{
			Index:     start + i,
			Payload:   rec.Payload,
			Timestamp: rec.Timestamp,
		})
	}

	return out, nil
}

func (r *Redis[T]) Drop(ctx context.Context) error {
	return r.rc.Del(ctx, r.key).Err()
}
