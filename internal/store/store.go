// Package store addresses the engine's records by logical key and commits
// each operation's writes atomically.
package store

import (
	"MiniPerps/internal/state"
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned for a record that was never written.
var ErrNotFound = errors.New("store: record not found")

// Store is the addressing layer the engine reads from and commits to.
// Getters return copies; mutating them has no effect until Commit.
type Store interface {
	GetProtocol(ctx context.Context) (*state.Protocol, error)
	GetOracle(ctx context.Context) (*state.PriceOracle, error)
	GetVault(ctx context.Context, owner uuid.UUID) (*state.CollateralVault, error)
	GetPosition(ctx context.Context, key state.PositionKey) (*state.Position, error)

	// Commit applies every record in cs or none of them.
	Commit(ctx context.Context, cs *ChangeSet) error

	Close() error
}

// PositionScanner lists positions. Used by keepers and queries, never by
// the engine's write path.
type PositionScanner interface {
	OpenPositions(ctx context.Context) ([]*state.Position, error)
	OwnerPositions(ctx context.Context, owner uuid.UUID) ([]*state.Position, error)
}

// Exporter dumps every record as one ChangeSet, e.g. for a snapshot.
// Vaults and positions come out in owner (then id) order.
type Exporter interface {
	Export(ctx context.Context) (*ChangeSet, error)
}

// Backend is a Store that can also be scanned and dumped. Every backend
// the daemon can run on implements it.
type Backend interface {
	Store
	PositionScanner
	Exporter
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*LevelDBStore)(nil)
)

// ChangeSet is the full write set of one operation.
type ChangeSet struct {
	Protocol  *state.Protocol          `json:"protocol,omitempty"`
	Oracle    *state.PriceOracle       `json:"oracle,omitempty"`
	Vaults    []*state.CollateralVault `json:"vaults,omitempty"`
	Positions []*state.Position        `json:"positions,omitempty"`
}

// PutVault adds v, replacing an earlier entry for the same owner.
func (cs *ChangeSet) PutVault(v *state.CollateralVault) {
	for i, existing := range cs.Vaults {
		if existing.Owner == v.Owner {
			cs.Vaults[i] = v
			return
		}
	}
	cs.Vaults = append(cs.Vaults, v)
}

// PutPosition adds p, replacing an earlier entry for the same key.
func (cs *ChangeSet) PutPosition(p *state.Position) {
	for i, existing := range cs.Positions {
		if existing.Key() == p.Key() {
			cs.Positions[i] = p
			return
		}
	}
	cs.Positions = append(cs.Positions, p)
}

// Empty reports whether cs carries no writes.
func (cs *ChangeSet) Empty() bool {
	return cs.Protocol == nil && cs.Oracle == nil && len(cs.Vaults) == 0 && len(cs.Positions) == 0
}

// CanonicalBytes concatenates the canonical encoding of every record in
// write order, for state hashing.
func (cs *ChangeSet) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	if cs.Protocol != nil {
		buf = append(buf, 'P')
		buf = append(buf, cs.Protocol.CanonicalBytes()...)
	}
	if cs.Oracle != nil {
		buf = append(buf, 'O')
		buf = append(buf, cs.Oracle.CanonicalBytes()...)
	}
	for _, v := range cs.Vaults {
		buf = append(buf, 'V')
		buf = append(buf, v.CanonicalBytes()...)
	}
	for _, p := range cs.Positions {
		buf = append(buf, 'Q')
		buf = append(buf, p.CanonicalBytes()...)
	}
	return buf
}
