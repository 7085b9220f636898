package core_test

import (
	"MiniPerps/internal/core"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateHasher_Chains(t *testing.T) {
	h := core.NewStateHasher()
	assert.Equal(t, sha256.Sum256([]byte(core.GenesisHashSeed)), h.GetPrevHash())

	first := h.ComputeHash(1, []byte("a"))
	second := h.ComputeHash(2, []byte("b"))
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, h.GetPrevHash())

	// same inputs, same chain
	replay := core.NewStateHasher()
	assert.Equal(t, first, replay.ComputeHash(1, []byte("a")))
	assert.Equal(t, second, core.ChainHash(first, 2, []byte("b")))

	// sequence is part of the link
	assert.NotEqual(t, first, core.ChainHash(core.GenesisHash(), 2, []byte("a")))
}

func TestStateHasher_Resume(t *testing.T) {
	h := core.NewStateHasher()
	h.ComputeHash(1, []byte("x"))
	tip := h.GetPrevHash()

	resumed := core.NewStateHasherFrom(tip)
	assert.Equal(t, h.ComputeHash(2, []byte("y")), resumed.ComputeHash(2, []byte("y")))
}
