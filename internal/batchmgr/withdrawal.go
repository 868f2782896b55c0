package batchmgr

import (
	"encoding/binary"

	"github.com/zelana-labs/sequencer/internal/hashing"
	"github.com/zelana-labs/sequencer/internal/types"
)

// withdrawalLeaf hashes one queued withdrawal under its own domain tag, so
// withdrawal-tree leaves never collide with shielded commitments even if
// the raw bytes coincide.
func withdrawalLeaf(w types.PendingWithdrawal) types.Root {
	var amountLE [8]byte
	binary.LittleEndian.PutUint64(amountLE[:], w.Amount)
	return hashing.Sum32(hashing.DomainWithdrawalLeaf, w.ToL1Address[:], amountLE[:])
}

// BuildWithdrawalMerkleRoot Merkleizes a batch's withdrawals, left-padded
// with zero leaves to the next power of two (minimum width 1), matching
// the withdrawal-root construction the original sequencer's
// build_withdrawal_merkle_root produced.
func BuildWithdrawalMerkleRoot(withdrawals []types.PendingWithdrawal) types.Root {
	if len(withdrawals) == 0 {
		return types.Root{}
	}
	width := 1
	for width < len(withdrawals) {
		width *= 2
	}
	leaves := make([]types.Root, width)
	pad := width - len(withdrawals)
	for i, w := range withdrawals {
		leaves[pad+i] = withdrawalLeaf(w)
	}
	// The leading pad leaves stay the zero value (left zero-padding).

	level := leaves
	for len(level) > 1 {
		next := make([]types.Root, len(level)/2)
		for i := range next {
			next[i] = hashing.Pair(hashing.DomainMerkleNode, level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}
