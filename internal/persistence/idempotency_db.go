package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the durable dedup tier: a request key is a
// duplicate once an event carrying it is in perp.event_log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks the event log for requestKey.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, requestKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx,
		`SELECT 1 FROM perp.event_log WHERE request_key = $1 LIMIT 1`,
		requestKey,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentRequestKeys returns up to limit request keys, oldest first, for
// warming the in-memory tier on restart.
func (pic *PostgresIdempotencyChecker) RecentRequestKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT request_key FROM (
			SELECT request_key, sequence FROM perp.event_log
			WHERE request_key IS NOT NULL
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
