package block

import (
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of transaction hashes.
// An empty list yields the zero hash and a single hash is its own root.
// Odd levels duplicate their last element.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	switch len(hashes) {
	case 0:
		return types.Hash{}
	case 1:
		return hashes[0]
	}

	level := make([]types.Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}
