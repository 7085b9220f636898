package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "MiniPerps:genesis:v1"

// StateHasher chains a hash over every committed operation's records
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// NewStateHasherFrom resumes a chain at tip, e.g. the last logged hash.
func NewStateHasherFrom(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// GenesisHash is the chain root.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, digest)
	h.prevHash = hash
	return hash
}

// ChainHash computes one link without touching any hasher. Used to verify
// a stored log.
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
