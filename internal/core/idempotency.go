package core

import (
	"container/list"
	"context"

	"MiniPerps/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier request-key deduplication.
// Not thread-safe: owned by the Processor goroutine.
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU
	lru *IdempotencyLRU

	// Tier 2: event log lookup (optional)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	log     zerolog.Logger
}

// DBIdempotencyChecker looks a request key up in durable storage.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, requestKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, log zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       log,
	}
}

// IsDuplicate reports whether requestKey already committed an operation.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, requestKey string) bool {
	if ic.lru.Contains(requestKey) {
		ic.recordDuplicate()
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ctx, requestKey)
		if err != nil {
			// a DB outage must not block operations; assume new
			ic.log.Warn().Err(err).Str("request_key", requestKey).Msg("tier-2 idempotency lookup failed")
			return false
		}
		if isDup {
			ic.recordDuplicate()
			ic.add(requestKey)
			return true
		}
	}

	return false
}

// MarkProcessed records a committed request key.
func (ic *IdempotencyChecker) MarkProcessed(requestKey string) {
	ic.add(requestKey)
}

// Warm preloads recent keys, e.g. from the event log on restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
	ic.observeSize()
}

func (ic *IdempotencyChecker) add(key string) {
	before := ic.lru.Evictions()
	ic.lru.Add(key)
	if ic.metrics != nil {
		if evicted := ic.lru.Evictions() - before; evicted > 0 {
			ic.metrics.DedupLRUEvictions.Add(float64(evicted))
		}
	}
	ic.observeSize()
}

func (ic *IdempotencyChecker) observeSize() {
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate() {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is a bounded most-recently-used set of keys.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys oldest-first so the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
