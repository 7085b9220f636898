package persistence

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/store"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs an operation on the engine's processor goroutine.
type Executor interface {
	Do(ctx context.Context, requestKey string, op core.Op) error
}

// SnapshotSaver stores a snapshot. *SnapshotManager is the production one.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap *SnapshotData) error
}

// Snapshotter captures a consistent dump of the store at the engine's
// current sequence and saves it. The dump runs on the processor so no
// operation is half-applied; the write to Postgres happens after.
type Snapshotter struct {
	exec     Executor
	source   store.Exporter
	saver    SnapshotSaver
	interval int64
	check    time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
}

// NewSnapshotter snapshots every interval events; Run polls the sequence
// every check.
func NewSnapshotter(exec Executor, source store.Exporter, saver SnapshotSaver, interval int64, check time.Duration, log zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	if check <= 0 {
		check = 10 * time.Second
	}
	return &Snapshotter{
		exec:     exec,
		source:   source,
		saver:    saver,
		interval: interval,
		check:    check,
		log:      log,
	}
}

// Capture dumps every record together with the chain tip they hash to.
func (s *Snapshotter) Capture(ctx context.Context) (*SnapshotData, error) {
	var snap *SnapshotData
	err := s.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		records, err := s.source.Export(ctx)
		if err != nil {
			return fmt.Errorf("export records: %w", err)
		}
		snap = &SnapshotData{
			Sequence:  e.Sequence(),
			StateHash: e.StateHash(),
			Records:   records,
			CreatedAt: time.Now().UTC(),
		}
		return nil
	})
	return snap, err
}

// TakeSnapshot captures and saves a snapshot, returning its sequence.
// Nothing is written when no event happened since the last one.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	snap, err := s.Capture(ctx)
	if err != nil {
		return 0, err
	}
	if snap.Sequence == 0 || snap.Sequence == s.lastSeq {
		return snap.Sequence, nil
	}
	if err := s.saver.SaveSnapshot(ctx, snap); err != nil {
		return 0, err
	}
	s.lastSeq = snap.Sequence

	s.log.Info().
		Int64("sequence", snap.Sequence).
		Int("vaults", len(snap.Records.Vaults)).
		Int("positions", len(snap.Records.Positions)).
		Dur("duration", time.Since(start)).
		Msg("snapshot saved")
	return snap.Sequence, nil
}

// Run takes a snapshot whenever the sequence has moved interval events
// past the last one, until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.maybeSnapshot(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *Snapshotter) maybeSnapshot(ctx context.Context) error {
	var seq int64
	err := s.exec.Do(ctx, "", func(_ context.Context, e *core.Engine) error {
		seq = e.Sequence()
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	due := seq-s.lastSeq >= s.interval
	s.mu.Unlock()
	if !due {
		return nil
	}
	_, err = s.TakeSnapshot(ctx)
	return err
}

// SetLast records a snapshot the process did not take itself, e.g. the
// one recovery started from.
func (s *Snapshotter) SetLast(seq int64) {
	s.mu.Lock()
	s.lastSeq = seq
	s.mu.Unlock()
}
