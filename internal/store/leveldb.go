package store

import (
	"MiniPerps/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	protocolKey    = "protocol"
	oracleKey      = "oracle"
	vaultPrefix    = "vault/"
	positionPrefix = "position/"
)

// LevelDBStore persists records as JSON values under deterministic keys:
//
//	protocol
//	oracle
//	vault/<owner>
//	position/<owner>/<id, 20 digits>
//
// Zero-padded ids keep an owner's positions in id order under iteration.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) a LevelDB database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// OpenLevelDBStore opens a store over an arbitrary leveldb storage, e.g.
// storage.NewMemStorage() in tests.
func OpenLevelDBStore(stor storage.Storage) (*LevelDBStore, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func vaultKey(owner uuid.UUID) []byte {
	return []byte(vaultPrefix + owner.String())
}

func positionKey(key state.PositionKey) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", positionPrefix, key.Owner, key.PositionID))
}

func (s *LevelDBStore) get(key []byte, out interface{}) error {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("leveldb get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *LevelDBStore) GetProtocol(_ context.Context) (*state.Protocol, error) {
	var p state.Protocol
	if err := s.get([]byte(protocolKey), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *LevelDBStore) GetOracle(_ context.Context) (*state.PriceOracle, error) {
	var o state.PriceOracle
	if err := s.get([]byte(oracleKey), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *LevelDBStore) GetVault(_ context.Context, owner uuid.UUID) (*state.CollateralVault, error) {
	var v state.CollateralVault
	if err := s.get(vaultKey(owner), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *LevelDBStore) GetPosition(_ context.Context, key state.PositionKey) (*state.Position, error) {
	var p state.Position
	if err := s.get(positionKey(key), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Commit writes cs as a single synced leveldb batch.
func (s *LevelDBStore) Commit(ctx context.Context, cs *ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	put := func(key []byte, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		batch.Put(key, data)
		return nil
	}

	if cs.Protocol != nil {
		if err := put([]byte(protocolKey), cs.Protocol); err != nil {
			return err
		}
	}
	if cs.Oracle != nil {
		if err := put([]byte(oracleKey), cs.Oracle); err != nil {
			return err
		}
	}
	for _, v := range cs.Vaults {
		if err := put(vaultKey(v.Owner), v); err != nil {
			return err
		}
	}
	for _, p := range cs.Positions {
		if err := put(positionKey(p.Key()), p); err != nil {
			return err
		}
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb commit: %w", err)
	}
	return nil
}

func (s *LevelDBStore) scanPositions(prefix string, keep func(*state.Position) bool) ([]*state.Position, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	out := make([]*state.Position, 0)
	for iter.Next() {
		var p state.Position
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if keep(&p) {
			out = append(out, &p)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

// OpenPositions walks every position record and returns the open ones.
func (s *LevelDBStore) OpenPositions(_ context.Context) ([]*state.Position, error) {
	out, err := s.scanPositions(positionPrefix, func(p *state.Position) bool { return p.IsOpen })
	if err != nil {
		return nil, err
	}
	sortPositions(out)
	return out, nil
}

func (s *LevelDBStore) OwnerPositions(_ context.Context, owner uuid.UUID) ([]*state.Position, error) {
	return s.scanPositions(positionPrefix+owner.String()+"/", func(*state.Position) bool { return true })
}

// Export reads every record. Keys iterate in byte order, which for
// vault/ and position/ matches owner then id order.
func (s *LevelDBStore) Export(ctx context.Context) (*ChangeSet, error) {
	cs := &ChangeSet{}
	if p, err := s.GetProtocol(ctx); err == nil {
		cs.Protocol = p
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if o, err := s.GetOracle(ctx); err == nil {
		cs.Oracle = o
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(vaultPrefix)), nil)
	for iter.Next() {
		var v state.CollateralVault
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			iter.Release()
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		cs.Vaults = append(cs.Vaults, &v)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", vaultPrefix, err)
	}

	positions, err := s.scanPositions(positionPrefix, func(*state.Position) bool { return true })
	if err != nil {
		return nil, err
	}
	if len(positions) > 0 {
		cs.Positions = positions
	}
	return cs, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
