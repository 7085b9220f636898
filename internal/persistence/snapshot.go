package persistence

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/store"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrChainBroken is returned when a logged event does not link to the
// hash before it or its records do not reproduce its state hash.
var ErrChainBroken = errors.New("persistence: state hash chain broken")

// SnapshotManager writes full-state snapshots and reads the event log back
// for recovery. A volatile store (memory) is rebuilt on start by loading
// the latest snapshot and replaying the logged change sets after it.
type SnapshotManager struct {
	db  *sql.DB
	log zerolog.Logger
}

// SnapshotData is every record at Sequence, plus the chain tip there.
type SnapshotData struct {
	Sequence  int64            `json:"sequence"`
	StateHash [32]byte         `json:"state_hash"`
	Records   *store.ChangeSet `json:"records"`
	CreatedAt time.Time        `json:"created_at"`
}

// Tip is the position the engine resumes from.
type Tip struct {
	Sequence  int64
	StateHash [32]byte
}

// GenesisTip is the tip of an empty log.
func GenesisTip() Tip {
	return Tip{StateHash: core.GenesisHash()}
}

func NewSnapshotManager(db *sql.DB, log zerolog.Logger) *SnapshotManager {
	return &SnapshotManager{db: db, log: log}
}

// SaveSnapshot persists snap, replacing any snapshot at the same sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap.Records)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO perp.snapshots (sequence, state_hash, records, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET state_hash = $2, records = $3, size_bytes = $4
	`, snap.Sequence, snap.StateHash[:], data, len(data), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot seq=%d: %w", snap.Sequence, err)
	}
	sm.log.Info().Int64("sequence", snap.Sequence).Int("size_bytes", len(data)).Msg("snapshot saved")
	return nil
}

// LoadLatestSnapshot returns the newest snapshot, or nil for a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var (
		snap SnapshotData
		hash []byte
		data []byte
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, records, created_at FROM perp.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&snap.Sequence, &hash, &data, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("snapshot seq=%d: state hash is %d bytes", snap.Sequence, len(hash))
	}
	copy(snap.StateHash[:], hash)

	snap.Records = &store.ChangeSet{}
	if err := json.Unmarshal(data, snap.Records); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads up to limit events with sequence >= fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, COALESCE(request_key, ''), owner, payload,
		       records, state_hash, prev_hash, timestamp
		FROM perp.event_log
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.RequestKey, &e.Owner, &e.Payload,
			&e.Records, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM perp.event_log
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LastTip returns the sequence and hash of the newest logged event.
func (sm *SnapshotManager) LastTip(ctx context.Context) (Tip, error) {
	var hash []byte
	tip := GenesisTip()
	err := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM perp.event_log ORDER BY sequence DESC LIMIT 1
	`).Scan(&tip.Sequence, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisTip(), nil
	}
	if err != nil {
		return Tip{}, fmt.Errorf("load tip: %w", err)
	}
	copy(tip.StateHash[:], hash)
	return tip, nil
}

// Recover rebuilds st from the latest snapshot and the events after it,
// checking the hash chain on the way. Returns the tip to resume from.
func (sm *SnapshotManager) Recover(ctx context.Context, st store.Store) (Tip, error) {
	tip := GenesisTip()

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return Tip{}, err
	}
	if snap != nil {
		if err := st.Commit(ctx, snap.Records); err != nil {
			return Tip{}, fmt.Errorf("restore snapshot seq=%d: %w", snap.Sequence, err)
		}
		tip = Tip{Sequence: snap.Sequence, StateHash: snap.StateHash}
	}

	const pageSize = 1000
	replayed := 0
	for {
		rows, err := sm.LoadEventsFrom(ctx, tip.Sequence+1, pageSize)
		if err != nil {
			return Tip{}, fmt.Errorf("load events after %d: %w", tip.Sequence, err)
		}
		for _, row := range rows {
			cs, next, err := VerifyLink(tip, row)
			if err != nil {
				return Tip{}, err
			}
			if err := st.Commit(ctx, cs); err != nil {
				return Tip{}, fmt.Errorf("replay seq=%d: %w", row.Sequence, err)
			}
			tip = next
		}
		replayed += len(rows)
		if len(rows) < pageSize {
			break
		}
	}

	sm.log.Info().
		Bool("from_snapshot", snap != nil).
		Int("replayed", replayed).
		Int64("sequence", tip.Sequence).
		Msg("state recovered")
	return tip, nil
}

// VerifyLink checks that row directly follows tip and that its records
// hash to its state hash. Returns the decoded records and the new tip.
func VerifyLink(tip Tip, row EventRow) (*store.ChangeSet, Tip, error) {
	if row.Sequence != tip.Sequence+1 {
		return nil, Tip{}, fmt.Errorf("%w: expected seq=%d, got %d", ErrChainBroken, tip.Sequence+1, row.Sequence)
	}
	if !bytes.Equal(row.PrevHash, tip.StateHash[:]) {
		return nil, Tip{}, fmt.Errorf("%w: prev hash mismatch at seq=%d", ErrChainBroken, row.Sequence)
	}

	cs := &store.ChangeSet{}
	if err := json.Unmarshal(row.Records, cs); err != nil {
		return nil, Tip{}, fmt.Errorf("decode records seq=%d: %w", row.Sequence, err)
	}

	want := core.ChainHash(tip.StateHash, row.Sequence, cs.CanonicalBytes())
	if !bytes.Equal(row.StateHash, want[:]) {
		return nil, Tip{}, fmt.Errorf("%w: state hash mismatch at seq=%d", ErrChainBroken, row.Sequence)
	}
	return cs, Tip{Sequence: row.Sequence, StateHash: want}, nil
}
