package core

import (
	"fmt"
	"sync"
)

// SequenceValidator orders price-feed messages per source. Gaps are
// tolerated (only the latest price matters); stale and duplicate
// sequences are dropped.
type SequenceValidator struct {
	mu      sync.Mutex
	lastSeq map[string]int64 // source -> last accepted sequence
	metrics *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]int64),
		metrics: NewSequenceMetrics(),
	}
}

// ValidatePriceSequence reports whether seq from source should be applied.
// A nil error with accepted == false means stale or duplicate.
func (sv *SequenceValidator) ValidatePriceSequence(source string, seq int64) (accepted bool, err error) {
	if seq <= 0 {
		return false, fmt.Errorf("price sequence must be positive: source=%s, got=%d", source, seq)
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()

	last := sv.lastSeq[source]
	if seq <= last {
		sv.metrics.recordStale(source)
		return false, nil
	}
	if seq > last+1 && last != 0 {
		sv.metrics.recordGap(source)
	}
	sv.lastSeq[source] = seq
	return true, nil
}

// Rollback forgets seq if it is still the last accepted one, so a message
// whose apply failed can be redelivered and accepted again.
func (sv *SequenceValidator) Rollback(source string, seq, previous int64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.lastSeq[source] == seq {
		sv.lastSeq[source] = previous
	}
}

// LastSequence returns the last accepted sequence for source.
func (sv *SequenceValidator) LastSequence(source string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.lastSeq[source]
}

// SetLastSequence seeds a source's position (used during recovery).
func (sv *SequenceValidator) SetLastSequence(source string, seq int64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.lastSeq[source] = seq
}

// Gaps returns how many forward jumps source has made.
func (sv *SequenceValidator) Gaps(source string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.metrics.gaps[source]
}

// Stale returns how many stale or duplicate messages source has sent.
func (sv *SequenceValidator) Stale(source string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.metrics.stale[source]
}

// --- Metrics ---

// SequenceMetrics tracks ordering stats. Guarded by the validator's mutex.
type SequenceMetrics struct {
	gaps  map[string]int64
	stale map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:  make(map[string]int64),
		stale: make(map[string]int64),
	}
}

func (m *SequenceMetrics) recordGap(source string) {
	m.gaps[source]++
}

func (m *SequenceMetrics) recordStale(source string) {
	m.stale[source]++
}
