// Package eventlog provides append-only logs that many pollers read incrementally.
//
// Every entry gets a dense, 0-based index when it is appended. A poller keeps a cursor,
// the index of the last entry it consumed, and asks for everything after it. Starting
// from Start returns the whole log.
package eventlog

import (
	"context"
	"time"
)

// Start is the cursor of a poller that has not consumed anything yet.
const Start = -1

type Entry[T any] struct {
	Index     int       `json:"index"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an append-only sequence of entries with one payload type.
type Log[T any] interface {
	// Append stores payload under the next index.
	Append(ctx context.Context, payload T) (Entry[T], error)
	// ReadFrom returns all entries with an index greater than cursor, in index order.
	// It has no side effects, so calling it twice with the same cursor returns the same entries.
	ReadFrom(ctx context.Context, cursor int) ([]Entry[T], error)
}

// Dropper is implemented by logs that hold external resources to release once their session is gone.
type Dropper interface {
	Drop(ctx context.Context) error
}

// Advance returns the cursor after consuming entries.
func Advance[T any](cursor int, entries []Entry[T]) int {
	if len(entries) == 0 {
		return cursor
	}
	return max(cursor, entries[len(entries)-1].Index)
}

func normalize(cursor int) int {
	return max(cursor, Start)
}
