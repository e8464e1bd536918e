// Package crypto provides the hashing and signature primitives used by
// headers, transactions and the ledger commitment.
package crypto

import (
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 digest.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes (merkle interior node).
func HashConcat(a, b types.Hash) types.Hash {
	var buf [2 * types.HashSize]byte
	copy(buf[:types.HashSize], a[:])
	copy(buf[types.HashSize:], b[:])
	return Hash(buf[:])
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = BLAKE3(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}
