package decision

import (
	"context"
	"time"
)

// Store persists decision records.
// Interface owned by the domain per hexagonal architecture. The trail is
// append-only: implementations expose no update or delete operations.
type Store interface {
	// Append stores decision records.
	Append(ctx context.Context, records ...Record) error

	// ListByAgent returns an agent's decisions newest first, capped at
	// limit; a non-positive limit applies no cap. When onlyDenied is
	// true only DENY records are returned. A zero since returns
	// decisions from all time.
	ListByAgent(ctx context.Context, agentID string, onlyDenied bool, since time.Time, limit int) ([]Record, error)

	// CountByAgent returns total and denied decision counts for an agent
	// since the given time.
	CountByAgent(ctx context.Context, agentID string, since time.Time) (total, denied int64, err error)

	// Close releases resources.
	Close() error
}
