// Package history records completed reply turns of the conversation.
//
// A turn is one spoken reply from the remote service: the transcript that was
// played back, the recording session that triggered it, and when playback
// started and finished. Two [Store] implementations exist: [MemStore] keeps a
// bounded ring in memory and [PostgresStore] persists turns with pgx.
package history

import (
	"context"
	"errors"
	"time"
)

// DefaultLimit is the number of turns returned when the caller does not ask
// for a specific amount.
const DefaultLimit = 50

// ErrInvalidTurn is returned by Record for turns without an id.
var ErrInvalidTurn = errors.New("history: turn has no id")

// Turn is one completed reply.
type Turn struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Transcript string    `json:"transcript"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the reply played.
func (t Turn) Duration() time.Duration {
	if t.FinishedAt.Before(t.StartedAt) {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Store persists turns. Implementations must be safe for concurrent use.
type Store interface {
	// Record appends a turn.
	Record(ctx context.Context, turn Turn) error

	// Recent returns up to limit turns, newest first. A limit <= 0 means
	// [DefaultLimit].
	Recent(ctx context.Context, limit int) ([]Turn, error)

	// Close releases resources held by the store.
	Close() error
}
