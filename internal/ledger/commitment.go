package ledger

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Commitment computes a merkle root over every committed UTXO and the tip.
// Two stores with equal commitments hold identical state.
func Commitment(s *Store) (types.Hash, error) {
	var hashes []types.Hash
	err := s.ForEach(func(u *UTXO) error {
		hashes = append(hashes, hashUTXO(u))
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("ledger commitment: %w", err)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })

	tip, height := s.Tip()
	var buf []byte
	root := block.ComputeMerkleRoot(hashes)
	buf = append(buf, root[:]...)
	buf = append(buf, tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, height)
	return crypto.Hash(buf), nil
}

// hashUTXO: txid(32) | index(4) | value(8) | height(8) | coinbase(1) | script_type(1) | script_data
func hashUTXO(u *UTXO) types.Hash {
	buf := make([]byte, 0, 54+len(u.Script.Data))
	buf = append(buf, u.Outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, u.Outpoint.Index)
	buf = binary.LittleEndian.AppendUint64(buf, u.Value)
	buf = binary.LittleEndian.AppendUint64(buf, u.Height)
	if u.Coinbase {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(u.Script.Type))
	buf = append(buf, u.Script.Data...)
	return crypto.Hash(buf)
}
