package store

import (
	"MiniPerps/internal/state"
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps records in maps keyed by their logical address. Used
// by tests and by single-process deployments without durability needs.
type MemoryStore struct {
	mu        sync.RWMutex
	protocol  *state.Protocol
	oracle    *state.PriceOracle
	vaults    map[uuid.UUID]*state.CollateralVault
	positions map[state.PositionKey]*state.Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:    make(map[uuid.UUID]*state.CollateralVault),
		positions: make(map[state.PositionKey]*state.Position),
	}
}

func (s *MemoryStore) GetProtocol(_ context.Context) (*state.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.protocol == nil {
		return nil, ErrNotFound
	}
	return s.protocol.Clone(), nil
}

func (s *MemoryStore) GetOracle(_ context.Context) (*state.PriceOracle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.oracle == nil {
		return nil, ErrNotFound
	}
	return s.oracle.Clone(), nil
}

func (s *MemoryStore) GetVault(_ context.Context, owner uuid.UUID) (*state.CollateralVault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[owner]
	if !ok {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key state.PositionKey) (*state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Commit stores copies of every record in cs under one lock.
func (s *MemoryStore) Commit(ctx context.Context, cs *ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.Protocol != nil {
		s.protocol = cs.Protocol.Clone()
	}
	if cs.Oracle != nil {
		s.oracle = cs.Oracle.Clone()
	}
	for _, v := range cs.Vaults {
		s.vaults[v.Owner] = v.Clone()
	}
	for _, p := range cs.Positions {
		s.positions[p.Key()] = p.Clone()
	}
	return nil
}

// OpenPositions returns open positions ordered by (owner, id).
func (s *MemoryStore) OpenPositions(_ context.Context) ([]*state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*state.Position, 0)
	for _, p := range s.positions {
		if p.IsOpen {
			out = append(out, p.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

// OwnerPositions returns every position of owner, open or closed.
func (s *MemoryStore) OwnerPositions(_ context.Context, owner uuid.UUID) ([]*state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*state.Position, 0)
	for key, p := range s.positions {
		if key.Owner == owner {
			out = append(out, p.Clone())
		}
	}
	sortPositions(out)
	return out, nil
}

// Export copies the whole store.
func (s *MemoryStore) Export(_ context.Context) (*ChangeSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs := &ChangeSet{}
	if s.protocol != nil {
		cs.Protocol = s.protocol.Clone()
	}
	if s.oracle != nil {
		cs.Oracle = s.oracle.Clone()
	}
	for _, v := range s.vaults {
		cs.Vaults = append(cs.Vaults, v.Clone())
	}
	sort.Slice(cs.Vaults, func(i, j int) bool {
		return bytes.Compare(cs.Vaults[i].Owner[:], cs.Vaults[j].Owner[:]) < 0
	})
	for _, p := range s.positions {
		cs.Positions = append(cs.Positions, p.Clone())
	}
	sortPositions(cs.Positions)
	return cs, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortPositions(ps []*state.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if c := bytes.Compare(ps[i].Owner[:], ps[j].Owner[:]); c != 0 {
			return c < 0
		}
		return ps[i].PositionID < ps[j].PositionID
	})
}
