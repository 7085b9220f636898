package persistence

import (
	"MiniPerps/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes committed operations to perp.event_log using
// multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in perp.event_log
type EventRow struct {
	Sequence   int64
	EventType  string
	RequestKey string // empty stores NULL
	Owner      uuid.UUID
	Payload    []byte // JSON-encoded event payload
	Records    []byte // JSON-encoded store.ChangeSet
	StateHash  []byte
	PrevHash   []byte
	Timestamp  time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFromOutput flattens one engine output into its log row.
func EventRowFromOutput(out core.CoreOutput) (EventRow, error) {
	env := out.Envelope
	records, err := json.Marshal(out.Records)
	if err != nil {
		return EventRow{}, fmt.Errorf("encode records seq=%d: %w", env.Sequence, err)
	}
	return EventRow{
		Sequence:   env.Sequence,
		EventType:  env.EventType.String(),
		RequestKey: env.RequestKey,
		Owner:      env.Owner,
		Payload:    env.Payload,
		Records:    records,
		StateHash:  append([]byte(nil), env.StateHash[:]...),
		PrevHash:   append([]byte(nil), env.PrevHash[:]...),
		Timestamp:  env.Timestamp,
	}, nil
}

// WriteEventBatch writes events with one INSERT. Rows whose sequence is
// already logged are skipped, so a retried batch is harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	query := `INSERT INTO perp.event_log
		(sequence, event_type, request_key, owner, payload, records, state_hash, prev_hash, timestamp)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		base := i * cols
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, nullString(e.RequestKey), e.Owner,
			e.Payload, e.Records, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
