package btc

// MerkleProof proves a transaction's inclusion in a block. Bits[i] reports
// whether the running node is the right child at level i (its sibling is on
// the left). NumTransactions is the block's transaction count, committed so
// the expected path depth can be checked.
type MerkleProof struct {
	TxID            [32]byte
	Siblings        [][32]byte
	Bits            []bool
	NumTransactions uint32
}

func ceilLog2(n uint32) int {
	depth := 0
	for width := n; width > 1; width = (width + 1) / 2 {
		depth++
	}
	return depth
}

// LeafIndex reconstructs the transaction's position from the direction bits.
func (p *MerkleProof) LeafIndex() uint32 {
	var idx uint32
	for i, bit := range p.Bits {
		if bit {
			idx |= 1 << uint(i)
		}
	}
	return idx
}

// Verify folds the sibling path up from the transaction hash and compares
// the result against the header's merkle root.
//
// A sibling equal to the running node is rejected at every level: a tree
// whose last entry in an odd level is paired with itself hashes identically
// to one with the entry duplicated, so such paths are ambiguous about the
// underlying transaction list and cannot be trusted.
func (p *MerkleProof) Verify(merkleRoot [32]byte) error {
	if p.NumTransactions == 0 {
		return Errf(ERR_MERKLE_MISMATCH, "zero transaction count")
	}
	depth := ceilLog2(p.NumTransactions)
	if len(p.Siblings) != depth {
		return Errf(ERR_MERKLE_MISMATCH, "path length %d, want %d for %d transactions",
			len(p.Siblings), depth, p.NumTransactions)
	}
	if len(p.Bits) != depth {
		return Errf(ERR_MERKLE_MISMATCH, "direction count %d, want %d", len(p.Bits), depth)
	}
	if p.LeafIndex() >= p.NumTransactions {
		return Errf(ERR_MERKLE_MISMATCH, "leaf index %d out of range", p.LeafIndex())
	}

	cur := p.TxID
	var pre [64]byte
	for i, sibling := range p.Siblings {
		if sibling == cur {
			return Errf(ERR_MERKLE_MISMATCH, "duplicated node at level %d", i)
		}
		if p.Bits[i] {
			copy(pre[:32], sibling[:])
			copy(pre[32:], cur[:])
		} else {
			copy(pre[:32], cur[:])
			copy(pre[32:], sibling[:])
		}
		cur = DoubleSha256(pre[:])
	}
	if cur != merkleRoot {
		return Errf(ERR_MERKLE_MISMATCH, "computed root does not match header")
	}
	return nil
}

// MerkleRoot computes the transaction merkle root the way Bitcoin blocks
// do: pairwise double-SHA256 with the last node duplicated on odd levels.
func MerkleRoot(txids [][32]byte) ([32]byte, error) {
	if len(txids) == 0 {
		return [32]byte{}, Errf(ERR_MERKLE_MISMATCH, "empty tx list")
	}
	level := append([][32]byte(nil), txids...)
	var pre [64]byte
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(pre[:32], left[:])
			copy(pre[32:], right[:])
			next = append(next, DoubleSha256(pre[:]))
		}
		level = next
	}
	return level[0], nil
}

// BuildMerkleProof constructs the inclusion proof for txids[index]. Used by
// the relayer-side tooling and throughout the tests.
func BuildMerkleProof(txids [][32]byte, index uint32) (*MerkleProof, error) {
	if int(index) >= len(txids) {
		return nil, Errf(ERR_MERKLE_MISMATCH, "index %d out of range", index)
	}
	proof := &MerkleProof{
		TxID:            txids[index],
		NumTransactions: uint32(len(txids)),
	}
	level := append([][32]byte(nil), txids...)
	pos := index
	var pre [64]byte
	for len(level) > 1 {
		sib := pos ^ 1
		if int(sib) >= len(level) {
			sib = pos // odd level: paired with itself
		}
		proof.Siblings = append(proof.Siblings, level[sib])
		proof.Bits = append(proof.Bits, pos&1 == 1)

		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(pre[:32], left[:])
			copy(pre[32:], right[:])
			next = append(next, DoubleSha256(pre[:]))
		}
		level = next
		pos /= 2
	}
	return proof, nil
}
