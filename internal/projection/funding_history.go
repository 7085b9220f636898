package projection

import (
	"MiniPerps/internal/event"
	"sync"
	"time"
)

// FundingRecord is one protocol-wide funding settlement.
type FundingRecord struct {
	Sequence        int64     `json:"sequence"`
	Rate            int64     `json:"rate"`
	Elapsed         int64     `json:"elapsed"`
	LongOI          uint64    `json:"long_oi"`
	ShortOI         uint64    `json:"short_oi"`
	MarkPrice       uint64    `json:"mark_price"`
	CumulativeLong  string    `json:"cumulative_long"`
	CumulativeShort string    `json:"cumulative_short"`
	AppliedAt       time.Time `json:"applied_at"`
}

func fundingRecord(seq int64, at time.Time, f *event.FundingApplied) FundingRecord {
	return FundingRecord{
		Sequence:        seq,
		Rate:            f.Rate,
		Elapsed:         f.Elapsed,
		LongOI:          f.LongOI,
		ShortOI:         f.ShortOI,
		MarkPrice:       f.MarkPrice,
		CumulativeLong:  f.CumulativeFundingRateLong,
		CumulativeShort: f.CumulativeFundingRateShort,
		AppliedAt:       at,
	}
}

// FundingHistoryProjection keeps the most recent funding settlements in
// memory. Serves history when no Postgres projection is configured.
type FundingHistoryProjection struct {
	mu       sync.RWMutex
	capacity int
	entries  []FundingRecord // ascending sequence
}

func NewFundingHistoryProjection(capacity int) *FundingHistoryProjection {
	if capacity <= 0 {
		capacity = 1024
	}
	return &FundingHistoryProjection{
		capacity: capacity,
		entries:  make([]FundingRecord, 0),
	}
}

// Add records a settlement. Entries at or below the newest sequence are
// ignored so replays are harmless.
func (p *FundingHistoryProjection) Add(rec FundingRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.entries); n > 0 && rec.Sequence <= p.entries[n-1].Sequence {
		return
	}
	p.entries = append(p.entries, rec)
	if len(p.entries) > p.capacity {
		p.entries = append(p.entries[:0:0], p.entries[len(p.entries)-p.capacity:]...)
	}
}

// Query returns up to limit settlements, newest first, with sequence
// strictly below before (0 = no bound).
func (p *FundingHistoryProjection) Query(limit int, before int64) []FundingRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]FundingRecord, 0)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if before > 0 && p.entries[i].Sequence >= before {
			continue
		}
		result = append(result, p.entries[i])
	}
	return result
}

// Len returns the number of retained settlements.
func (p *FundingHistoryProjection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
